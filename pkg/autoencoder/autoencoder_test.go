// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoencoder

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/denoiser/pkg/artifacts"
	"github.com/gomlx/denoiser/pkg/diagnostics"
	"github.com/gomlx/denoiser/pkg/failure"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testShape = []int{8, 8, 3}

func newTestFactory(t *testing.T) *Factory {
	backend := backends.MustNew()
	return NewFactory(backend, artifacts.NewStore(diagnostics.Discard{}), diagnostics.Discard{})
}

// randomPair creates n clean images with smooth values and their noisy versions, all float32 in [0, 1].
func randomPair(rng *rand.Rand, n int) (noisy, clean *tensors.Tensor) {
	size := n * testShape[0] * testShape[1] * testShape[2]
	cleanFlat := make([]float32, size)
	noisyFlat := make([]float32, size)
	for ii := range cleanFlat {
		cleanFlat[ii] = float32(0.25 + 0.5*math.Sin(float64(ii%24)/4)*0.5)
		noisyFlat[ii] = float32(math.Min(1, math.Max(0, float64(cleanFlat[ii])+0.1*rng.NormFloat64())))
	}
	dims := append([]int{n}, testShape...)
	return tensors.FromFlatDataAndDimensions(noisyFlat, dims...), tensors.FromFlatDataAndDimensions(cleanFlat, dims...)
}

func TestSpecValidate(t *testing.T) {
	require.NoError(t, Spec{InputShape: []int{64, 64, 3}, LearningRate: 1e-3}.Validate())
	for _, spec := range []Spec{
		{InputShape: []int{64, 64}, LearningRate: 1e-3},
		{InputShape: []int{60, 64, 3}, LearningRate: 1e-3},
		{InputShape: []int{64, 64, 0}, LearningRate: 1e-3},
		{InputShape: []int{64, 64, 3}, LearningRate: 0},
	} {
		require.ErrorIs(t, spec.Validate(), failure.ErrConfig, "spec %+v", spec)
	}
}

func TestBuildSaveLoad(t *testing.T) {
	factory := newTestFactory(t)
	m, err := factory.Build(Spec{InputShape: testShape, LearningRate: 0.01})
	require.NoError(t, err)
	assert.Equal(t, testShape, m.InputShape())
	assert.Greater(t, m.NumParameters(), 0)
	assert.Contains(t, m.Summary(), "00_encoder")
	lr, err := m.LearningRate()
	require.NoError(t, err)
	assert.InDelta(t, 0.01, lr, 1e-7)

	noisy, _ := randomPair(rand.New(rand.NewSource(1)), 3)
	before, err := m.Reconstruct(noisy, 2)
	require.NoError(t, err)
	assert.Equal(t, noisy.Shape().Dimensions, before.Shape().Dimensions)
	beforeFlat := tensors.MustCopyFlatData[float32](before)
	for _, v := range beforeFlat {
		require.True(t, v >= 0 && v <= 1, "sigmoid output out of [0, 1]: %g", v)
	}

	dir := t.TempDir()
	basePath := filepath.Join(dir, "base_model")
	require.NoError(t, factory.Save(m, basePath))
	updatedPath := filepath.Join(dir, "updated_base_model")
	require.NoError(t, factory.UpdateBase(basePath, updatedPath))
	require.ErrorIs(t, factory.UpdateBase(basePath, basePath), failure.ErrConfig)

	loaded, err := factory.Load(updatedPath)
	require.NoError(t, err)
	assert.Equal(t, m.Spec(), loaded.Spec())
	assert.Equal(t, m.NumParameters(), loaded.NumParameters())
	after, err := loaded.Reconstruct(noisy, 0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, beforeFlat, tensors.MustCopyFlatData[float32](after), 1e-5)

	// The base model is still there and unchanged by the copy.
	_, err = factory.Load(basePath)
	require.NoError(t, err)

	_, err = factory.Load(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, failure.ErrArtifactNotFound)
	emptyDir := filepath.Join(dir, "empty")
	require.NoError(t, os.Mkdir(emptyDir, 0o755))
	_, err = factory.Load(emptyDir)
	require.ErrorIs(t, err, failure.ErrArtifactCorrupt)
	require.ErrorIs(t, factory.UpdateBase(filepath.Join(dir, "missing"), updatedPath), failure.ErrArtifactNotFound)
}

func TestTrainEpoch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
	}
	factory := newTestFactory(t)
	m, err := factory.Build(Spec{InputShape: testShape, LearningRate: 0.005})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	trainNoisy, trainClean := randomPair(rng, 8)
	valNoisy, valClean := randomPair(rng, 4)
	require.NoError(t, m.SetTrainingData(trainNoisy, trainClean, 4, 42))
	require.NoError(t, m.SetValidationData(valNoisy, valClean, 4))

	// Mismatched shapes are rejected.
	wrong := tensors.FromFlatDataAndDimensions(make([]float32, 4*4*4*3), 4, 4, 4, 3)
	require.Error(t, m.SetTrainingData(wrong, wrong, 4, 0))

	initialLoss, err := m.ValidationLoss()
	require.NoError(t, err)
	snapshot, err := m.Snapshot()
	require.NoError(t, err)
	defer snapshot.Finalize()

	var trainLoss float64
	for range 5 {
		trainLoss, err = m.TrainEpoch()
		require.NoError(t, err)
		require.False(t, math.IsNaN(trainLoss))
	}
	trainedLoss, err := m.ValidationLoss()
	require.NoError(t, err)
	assert.Less(t, trainedLoss, initialLoss, "5 epochs should reduce the validation loss")

	// Restoring the snapshot brings back the initial loss.
	require.NoError(t, m.Restore(snapshot))
	restoredLoss, err := m.ValidationLoss()
	require.NoError(t, err)
	assert.InDelta(t, initialLoss, restoredLoss, 1e-5)

	require.NoError(t, m.SetLearningRate(0.001))
	lr, err := m.LearningRate()
	require.NoError(t, err)
	assert.InDelta(t, 0.001, lr, 1e-8)
	require.Error(t, m.SetLearningRate(-1))
}
