// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package failure

import (
	stderrors "errors"
	"fmt"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindNames(t *testing.T) {
	assert.Equal(t, "Config", KindConfig.String())
	assert.Equal(t, "ArtifactNotFoundError", KindArtifactNotFound.ErrorName())
	for _, kind := range KindValues() {
		parsed, err := KindString(kind.String())
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
		assert.True(t, kind.IsAKind())
	}
	parsed, err := KindString("corpusread")
	require.NoError(t, err)
	assert.Equal(t, KindCorpusRead, parsed)
	_, err = KindString("nope")
	require.Error(t, err)
	assert.Equal(t, "Kind(42)", Kind(42).String())
}

func TestWrap(t *testing.T) {
	require.NoError(t, Wrap(KindConfig, "config.Load", nil))

	_, statErr := os.Stat("/this/path/should/not/exist")
	err := Wrap(KindArtifactNotFound, "artifacts.ReadArray", statErr)
	require.Error(t, err)
	assert.Equal(t, KindArtifactNotFound, KindOf(err))
	assert.True(t, stderrors.Is(err, ErrArtifactNotFound))
	assert.False(t, stderrors.Is(err, ErrArtifactCorrupt))
	assert.True(t, stderrors.Is(err, os.ErrNotExist), "original cause must stay reachable")
	assert.True(t, Is(err, KindArtifactNotFound))
	assert.Contains(t, err.Error(), "ArtifactNotFoundError: artifacts.ReadArray: ")

	// Outer wrapping by pkg/errors keeps the kind.
	outer := errors.WithMessage(err, "while resolving preprocessing")
	assert.Equal(t, KindArtifactNotFound, KindOf(outer))

	// Wrapping an *Error: the outermost kind wins, but both match.
	twice := Wrap(KindTraining, "training.Run", err)
	assert.Equal(t, KindTraining, KindOf(twice))
	assert.True(t, Is(twice, KindArtifactNotFound))
}

func TestNewAndFormat(t *testing.T) {
	err := New(KindSplit, "dataset.StratifiedSplit", "class %q has only %d example", "cats", 1)
	assert.Equal(t, `SplitError: dataset.StratifiedSplit: class "cats" has only 1 example`, err.Error())
	verbose := fmt.Sprintf("%+v", err)
	assert.Contains(t, verbose, "failure_test.go", "%+v must print the originating location")
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))

	err = Wrapf(KindPreprocess, "noise.Inject", errors.New("bad"), "factor %g", -1.0)
	assert.Equal(t, "PreprocessError: noise.Inject: factor -1: bad", err.Error())
}
