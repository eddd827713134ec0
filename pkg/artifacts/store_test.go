// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package artifacts

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/denoiser/pkg/diagnostics"
	"github.com/gomlx/denoiser/pkg/failure"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArrayRoundTrip(t *testing.T) {
	store := NewStore(&diagnostics.Recorder{})
	dir := t.TempDir()

	images := tensors.FromFlatDataAndDimensions([]uint8{0, 1, 2, 253, 254, 255, 7, 8, 9, 10, 11, 12}, 2, 1, 2, 3)
	path := filepath.Join(dir, "nested", "train.npy")
	require.NoError(t, store.WriteArray(path, images))
	got, err := store.ReadArray(path)
	require.NoError(t, err)
	assert.Equal(t, images.DType(), got.DType())
	assert.Equal(t, images.Shape().Dimensions, got.Shape().Dimensions)
	assert.Equal(t, tensors.MustCopyFlatData[uint8](images), tensors.MustCopyFlatData[uint8](got))

	noisy := tensors.FromFlatDataAndDimensions([]float32{0, 0.25, 0.5, 1}, 1, 2, 2, 1)
	floatPath := filepath.Join(dir, "noisy.npy")
	require.NoError(t, store.WriteArray(floatPath, noisy))
	gotFloat, err := store.ReadArrayOf(floatPath, dtypes.Float32, 4)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0.25, 0.5, 1}, tensors.MustCopyFlatData[float32](gotFloat))

	_, err = store.ReadArrayOf(floatPath, dtypes.Uint8, 4)
	require.ErrorIs(t, err, failure.ErrArtifactCorrupt)

	// Overwrite at the same path.
	require.NoError(t, store.WriteArray(path, noisy))
	got, err = store.ReadArray(path)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, got.DType())

	// No temporary files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasPrefix(entry.Name(), "."), "leftover %q", entry.Name())
	}
}

func TestReadErrors(t *testing.T) {
	store := NewStore(diagnostics.Discard{})
	dir := t.TempDir()

	_, err := store.ReadArray(filepath.Join(dir, "missing.npy"))
	require.ErrorIs(t, err, failure.ErrArtifactNotFound)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	garbage := filepath.Join(dir, "garbage.npy")
	require.NoError(t, os.WriteFile(garbage, []byte("not numpy"), 0o644))
	_, err = store.ReadArray(garbage)
	require.ErrorIs(t, err, failure.ErrArtifactCorrupt)

	var v map[string]any
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o644))
	require.ErrorIs(t, store.ReadJSON(filepath.Join(dir, "bad.json"), &v), failure.ErrArtifactCorrupt)
	require.ErrorIs(t, store.ReadJSON(dir, &v), failure.ErrArtifactCorrupt, "a directory is not a JSON file")
	require.ErrorIs(t, store.CheckDir(filepath.Join(dir, "nope")), failure.ErrArtifactNotFound)
	require.ErrorIs(t, store.CheckDir(garbage), failure.ErrArtifactCorrupt)
}

func TestFailedWriteLeavesPreviousVersion(t *testing.T) {
	store := NewStore(diagnostics.Discard{})
	dir := t.TempDir()
	path := filepath.Join(dir, "report.json")
	require.NoError(t, store.WriteJSON(path, map[string]float64{"mse": 0.5}))

	err := store.WriteFile(path, func(w io.Writer) error {
		_, _ = w.Write([]byte(`{"mse": `))
		return errors.New("interrupted")
	})
	require.Error(t, err)

	var report map[string]float64
	require.NoError(t, store.ReadJSON(path, &report))
	assert.Equal(t, 0.5, report["mse"])
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDirArtifacts(t *testing.T) {
	store := NewStore(diagnostics.Discard{})
	dir := t.TempDir()
	model := filepath.Join(dir, "model")

	fill := func(content string) func(string) error {
		return func(tmpDir string) error {
			require.NotEqual(t, model, tmpDir)
			if err := os.MkdirAll(filepath.Join(tmpDir, "sub"), DirPerm); err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(tmpDir, "sub", "weights.bin"), []byte(content), FilePerm)
		}
	}
	require.NoError(t, store.WriteDir(model, fill("v1")))
	require.NoError(t, store.CheckDir(model))

	// Failure while filling keeps the previous version.
	err := store.WriteDir(model, func(tmpDir string) error { return errors.New("boom") })
	require.Error(t, err)
	content, err := os.ReadFile(filepath.Join(model, "sub", "weights.bin"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(content))

	// Overwrite.
	require.NoError(t, store.WriteDir(model, fill("v2")))
	content, err = os.ReadFile(filepath.Join(model, "sub", "weights.bin"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(content))

	// Copy is independent of the source.
	updated := filepath.Join(dir, "updated")
	require.NoError(t, store.CopyDir(model, updated))
	require.NoError(t, store.WriteDir(model, fill("v3")))
	content, err = os.ReadFile(filepath.Join(updated, "sub", "weights.bin"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(content))

	require.ErrorIs(t, store.CopyDir(filepath.Join(dir, "missing"), updated), failure.ErrArtifactNotFound)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "only model and updated should remain")
}
