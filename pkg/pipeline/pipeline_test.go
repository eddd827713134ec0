// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"encoding/json"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/denoiser/pkg/config"
	"github.com/gomlx/denoiser/pkg/dataset"
	"github.com/gomlx/denoiser/pkg/diagnostics"
	"github.com/gomlx/denoiser/pkg/failure"
	"github.com/gomlx/denoiser/pkg/noise"
	"github.com/gomlx/denoiser/pkg/tracking"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeCorpus creates the "cats" and "dogs" label directories under dir, with perClass PNG images each.
func writeCorpus(t *testing.T, dir string, perClass int) {
	for class, name := range []string{"cats", "dogs"} {
		classDir := filepath.Join(dir, "data", name)
		require.NoError(t, os.MkdirAll(classDir, 0o755))
		for ii := range perClass {
			c := color.NRGBA{R: uint8(20 * ii), G: uint8(100 * class), B: uint8(255 - 10*ii), A: 255}
			img := imaging.New(24, 20, c)
			require.NoError(t, imaging.Save(img, filepath.Join(classDir, fmt.Sprintf("%s_%02d.png", name, ii))))
		}
	}
}

const pathsTemplate = `
artifacts_root: artifacts
data_ingestion:
  root_dir: artifacts/data_ingestion
  images_dir: [data/cats, data/dogs]
  raw_data_path: artifacts/data_ingestion/raw.npy
  train_data_path: artifacts/data_ingestion/train.npy
  test_data_path: artifacts/data_ingestion/test.npy
data_preprocessing:
  root_dir: artifacts/data_preprocessing
  x_train_noisy_path: artifacts/data_preprocessing/x_train_noisy.npy
  x_test_noisy_path: artifacts/data_preprocessing/x_test_noisy.npy
base_model:
  root_dir: artifacts/base_model
  base_model_path: artifacts/base_model/base_model
  updated_base_model_path: artifacts/base_model/updated_base_model
training:
  root_dir: artifacts/training
  train_model_path: artifacts/training/model
evaluation:
  root_dir: artifacts/evaluation
  evaluation_report_path: artifacts/evaluation/scores.json
  tracking_dir: artifacts/evaluation/tracking
`

const paramsTemplate = `
im_size: [%d, %d]
test_split: 0.2
random_state: 42
noise_factor: %g
base_learning_rate: 0.001
num_epochs: 2
batch_size: 4
`

func testRoot(t *testing.T, dir string, imageSize int, noiseFactor float64) *config.Root {
	params := fmt.Sprintf(paramsTemplate, imageSize, imageSize, noiseFactor)
	root, err := config.Parse([]byte(pathsTemplate), config.FormatYAML, []byte(params), config.FormatYAML, dir)
	require.NoError(t, err)
	return root
}

func TestOrder(t *testing.T) {
	order, err := Order()
	require.NoError(t, err)
	assert.Equal(t, Stages, order)
	position := make(map[Stage]int)
	for ii, s := range order {
		position[s] = ii
	}
	for consumer, producers := range dependencies {
		for _, producer := range producers {
			assert.Less(t, position[producer], position[consumer], "%s must run before %s", producer, consumer)
		}
	}

	sg, err := newStageGraph()
	require.NoError(t, err)
	down, err := sg.downstream(StageIngestion)
	require.NoError(t, err)
	assert.Equal(t, []Stage{StagePreprocessing, StageTraining, StageEvaluation}, down)
	down, err = sg.downstream(StageModel)
	require.NoError(t, err)
	assert.Equal(t, []Stage{StageTraining, StageEvaluation}, down)
	down, err = sg.downstream(StageEvaluation)
	require.NoError(t, err)
	assert.Empty(t, down)

	s, err := StageFromString("training")
	require.NoError(t, err)
	assert.Equal(t, StageTraining, s)
	_, err = StageFromString("deploy")
	require.Error(t, err)
}

func TestStageGraphSort(t *testing.T) {
	// Declaration order is only a tie-breaker: edges decide.
	sg, err := buildStageGraph(
		[]Stage{StageEvaluation, StageTraining, StageIngestion},
		map[Stage][]Stage{StageEvaluation: {StageTraining}, StageTraining: {StageIngestion}})
	require.NoError(t, err)
	assert.Equal(t, []Stage{StageIngestion, StageTraining, StageEvaluation}, sg.order)
	down, err := sg.downstream(StageTraining)
	require.NoError(t, err)
	assert.Equal(t, []Stage{StageEvaluation}, down)

	_, err = buildStageGraph(
		[]Stage{StageIngestion, StageTraining},
		map[Stage][]Stage{StageIngestion: {StageTraining}, StageTraining: {StageIngestion}})
	require.ErrorContains(t, err, "cycle")

	_, err = buildStageGraph([]Stage{StageTraining}, map[Stage][]Stage{StageTraining: {StageModel}})
	require.ErrorContains(t, err, "unknown stage")
}

func TestPreprocessingConfigIsMemoized(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, dir, 10)
	root := testRoot(t, dir, 64, 0.1)

	r, err := NewResolver(root, nil, diagnostics.Discard{})
	require.NoError(t, err)
	cfg1, err := r.PreprocessingConfig()
	require.NoError(t, err)
	assert.Equal(t, []Stage{StageIngestion}, r.Stats().StagesRun, "missing upstream artifacts are produced")
	assert.Equal(t, 0, r.Stats().ArrayReads)
	cfg2, err := r.PreprocessingConfig()
	require.NoError(t, err)
	assert.Same(t, cfg1.TrainData, cfg2.TrainData)
	assert.Equal(t, []Stage{StageIngestion}, r.Stats().StagesRun)
	assert.Equal(t, 0, r.Stats().ArrayReads)

	// 2 directories with 10 images each, 64x64x3, split 0.2, seed 42.
	assert.Equal(t, []int{16, 64, 64, 3}, cfg1.TrainData.Shape().Dimensions)
	assert.Equal(t, []int{4, 64, 64, 3}, cfg1.TestData.Shape().Dimensions)
	assert.Equal(t, 0.1, cfg1.NoiseFactor)
	ing := root.Paths.DataIngestion
	for _, tc := range []struct {
		images, labels string
		want           []int
	}{
		{ing.TrainDataPath, ing.TrainLabelsPath, []int{8, 8}},
		{ing.TestDataPath, ing.TestLabelsPath, []int{2, 2}},
	} {
		set, err := dataset.NewLabeledImageSet(
			must.M1(r.Store().ReadArray(tc.images)), must.M1(r.Store().ReadArray(tc.labels)))
		require.NoError(t, err)
		counts := make([]int, set.NumClasses())
		for _, class := range must.M1(set.ClassIndices()) {
			counts[class]++
		}
		assert.Equal(t, tc.want, counts)
	}
	blob, err := os.ReadFile(ing.LabelIndexPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cats": 0, "dogs": 1}`, string(blob))
	assert.NoFileExists(t, ing.RawDataPath, "raw array is only kept on request")

	// A new run finds the artifacts on disk, and reads them exactly once.
	r, err = NewResolver(root, nil, diagnostics.Discard{})
	require.NoError(t, err)
	cfg3, err := r.PreprocessingConfig()
	require.NoError(t, err)
	assert.Empty(t, r.Stats().StagesRun)
	assert.Equal(t, 2, r.Stats().ArrayReads)
	_, err = r.PreprocessingConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, r.Stats().ArrayReads)
	assert.Equal(t, tensors.MustCopyFlatData[uint8](cfg1.TestData), tensors.MustCopyFlatData[uint8](cfg3.TestData))
}

func TestZeroNoise(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, dir, 5)
	root := testRoot(t, dir, 16, 0)
	r, err := NewResolver(root, nil, diagnostics.Discard{})
	require.NoError(t, err)
	r.WithRawArray(true)

	_, err = r.RunStage(StageIngestion)
	require.NoError(t, err)
	assert.FileExists(t, root.Paths.DataIngestion.RawDataPath)
	result, err := r.RunStage(StagePreprocessing)
	require.NoError(t, err)
	assert.Equal(t, StagePreprocessing, result.Stage)
	assert.Equal(t, []Stage{StageIngestion, StagePreprocessing}, r.Stats().StagesRun)

	pre := root.Paths.DataPreprocessing
	ing := root.Paths.DataIngestion
	for _, pair := range [][2]string{
		{ing.TrainDataPath, pre.XTrainNoisyPath},
		{ing.TestDataPath, pre.XTestNoisyPath},
	} {
		clean := must.M1(noise.Normalize(must.M1(r.Store().ReadArray(pair[0]))))
		noisy := must.M1(r.Store().ReadArrayOf(pair[1], dtypes.Float32, 4))
		assert.Equal(t, tensors.MustCopyFlatData[float32](clean), tensors.MustCopyFlatData[float32](noisy),
			"noise factor 0 must leave %q identical to the clean images", pair[1])
	}
}

func TestFailuresAbortThePipeline(t *testing.T) {
	dir := t.TempDir()
	root := testRoot(t, dir, 16, 0.1)
	r, err := NewResolver(root, nil, diagnostics.Discard{})
	require.NoError(t, err)
	_, err = r.PreprocessingConfig()
	require.ErrorIs(t, err, failure.ErrCorpusRead)

	results, err := r.RunAll()
	require.ErrorIs(t, err, failure.ErrCorpusRead)
	assert.Empty(t, results)
	assert.NoFileExists(t, root.Paths.DataPreprocessing.XTrainNoisyPath)

	// Invalid noise factor: ingestion succeeds, preprocessing fails and writes nothing.
	writeCorpus(t, dir, 5)
	root = testRoot(t, dir, 16, -1)
	r, err = NewResolver(root, nil, diagnostics.Discard{})
	require.NoError(t, err)
	results, err = r.RunAll()
	require.ErrorIs(t, err, failure.ErrPreprocess)
	require.Len(t, results, 1)
	assert.Equal(t, StageIngestion, results[0].Stage)
	assert.NoFileExists(t, root.Paths.DataPreprocessing.XTrainNoisyPath)

	// Model stages need a backend.
	_, err = r.RunStage(StageModel)
	require.ErrorIs(t, err, failure.ErrModel)
	_, err = r.RunStage("deploy")
	require.ErrorIs(t, err, failure.ErrConfig)
}

func TestRunAll(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end training in short mode")
	}
	dir := t.TempDir()
	writeCorpus(t, dir, 6)
	root := testRoot(t, dir, 8, 0.1)
	backend := backends.MustNew()
	r, err := NewResolver(root, backend, diagnostics.Discard{})
	require.NoError(t, err)
	r.WithTracking(true)

	results, err := r.RunAll()
	require.NoError(t, err)
	order, err := Order()
	require.NoError(t, err)
	var ran []Stage
	for _, result := range results {
		ran = append(ran, result.Stage)
		assert.NotEmpty(t, result.Summary)
	}
	assert.Equal(t, order, ran)
	assert.Equal(t, order, r.Stats().StagesRun)
	assert.Equal(t, 0, r.Stats().ArrayReads, "artifacts produced in the run are not read back")

	blob, err := os.ReadFile(root.Paths.Evaluation.EvaluationReportPath)
	require.NoError(t, err)
	var report map[string]any
	require.NoError(t, json.Unmarshal(blob, &report))
	require.Contains(t, report, "mse")
	assert.IsType(t, 0.0, report["mse"])
	for _, path := range []string{
		root.Paths.BaseModel.BaseModelPath,
		root.Paths.BaseModel.UpdatedBaseModelPath,
		root.Paths.Training.TrainModelPath,
		root.Paths.Training.HistoryPath,
		filepath.Join(root.Paths.Evaluation.TrackingDir, tracking.SamplesFile),
	} {
		assert.True(t, r.Store().Exists(path), "missing %q", path)
	}

	// A new run resolves the evaluation inputs from disk, without running anything.
	r, err = NewResolver(root, backend, diagnostics.Discard{})
	require.NoError(t, err)
	cfg, err := r.EvaluationConfig()
	require.NoError(t, err)
	assert.Empty(t, r.Stats().StagesRun)
	assert.Equal(t, 4, r.Stats().ArrayReads)
	assert.Equal(t, root.Paths.Training.TrainModelPath, cfg.ModelPath)
	result, err := r.RunStage(StageEvaluation)
	require.NoError(t, err)
	assert.Contains(t, result.Summary, "mse")
	assert.True(t, slices.Equal([]Stage{StageEvaluation}, r.Stats().StagesRun))
}
