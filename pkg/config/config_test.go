// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/denoiser/pkg/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPathsYAML = `
artifacts_root: artifacts
data_ingestion:
  root_dir: artifacts/data_ingestion
  images_dir:
    - data/cats
    - /abs/dogs
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
  evaluation_report_path: artifacts/evaluation/report.json
`

const testParamsYAML = `
im_size: [64, 48]
test_split: 0.2
random_state: 42
noise_factor: 0.1
base_learning_rate: 0.001
num_epochs: 3
batch_size: 8
callbacks:
  patience_stop: 5
`

func TestParseYAML(t *testing.T) {
	root, err := Parse([]byte(testPathsYAML), FormatYAML, []byte(testParamsYAML), FormatYAML, "/base")
	require.NoError(t, err)

	ing := root.Paths.DataIngestion
	assert.Equal(t, "/base/artifacts", root.Paths.ArtifactsRoot)
	assert.Equal(t, []string{"/base/data/cats", "/abs/dogs"}, ing.ImagesDir)
	assert.Equal(t, "/base/artifacts/data_ingestion/train.npy", ing.TrainDataPath)
	assert.Equal(t, "/base/artifacts/data_ingestion/train_labels.npy", ing.TrainLabelsPath)
	assert.Equal(t, "/base/artifacts/data_ingestion/tag2idx.json", ing.LabelIndexPath)
	assert.Empty(t, ing.RawDataPath)
	assert.Equal(t, "/base/artifacts/training/history.csv", root.Paths.Training.HistoryPath)
	assert.Empty(t, root.Paths.Evaluation.TrackingDir)

	p := root.Params
	assert.Equal(t, ImageSize{Height: 64, Width: 48}, p.ImageSize)
	assert.Equal(t, []int{64, 48, 3}, p.ImageSize.Shape())
	assert.Equal(t, 0.2, p.TestSplit)
	assert.Equal(t, int64(42), p.RandomState)
	assert.Equal(t, 3, p.NumEpochs)
	assert.Equal(t, 8, p.BatchSize)

	want := DefaultCallbacks
	want.PatienceStop = 5
	assert.Equal(t, want, p.Callbacks)
}

func TestParseTOML(t *testing.T) {
	paths := `
artifacts_root = "artifacts"

[data_ingestion]
root_dir = "ing"
images_dir = ["a", "b"]
raw_data_path = "ing/raw.npy"
train_data_path = "ing/train.npy"
test_data_path = "ing/test.npy"

[data_preprocessing]
root_dir = "pre"
x_train_noisy_path = "pre/xtr.npy"
x_test_noisy_path = "pre/xte.npy"

[base_model]
root_dir = "model"
base_model_path = "model/base"
updated_base_model_path = "model/updated"

[training]
root_dir = "train"
train_model_path = "train/model"

[evaluation]
root_dir = "eval"
evaluation_report_path = "eval/report.json"
tracking_dir = "eval/tracking"
`
	params := `
im_size = 32
test_split = 0.25
random_state = 7
noise_factor = 0.5
base_learning_rate = 0.01
num_epochs = 10
batch_size = 4

[callbacks]
monitor = "loss"
factor = 0.5
restore_best_weights = false
`
	root, err := Parse([]byte(paths), FormatTOML, []byte(params), FormatTOML, "/x")
	require.NoError(t, err)
	assert.Equal(t, "/x/ing/raw.npy", root.Paths.DataIngestion.RawDataPath)
	assert.Equal(t, "/x/eval/tracking", root.Paths.Evaluation.TrackingDir)
	assert.Equal(t, ImageSize{Height: 32, Width: 32}, root.Params.ImageSize)
	assert.Equal(t, "loss", root.Params.Callbacks.Monitor)
	assert.Equal(t, 0.5, root.Params.Callbacks.Factor)
	assert.False(t, root.Params.Callbacks.RestoreBestWeights)
	assert.Equal(t, 100, root.Params.Callbacks.PatienceStop)
}

func TestParseErrors(t *testing.T) {
	testCases := []struct {
		name, paths, params, wantKey string
	}{
		{"missing images_dir", removeLine(testPathsYAML, "images_dir"), testParamsYAML, "data_ingestion.images_dir"},
		{"missing batch_size", testPathsYAML, removeLine(testParamsYAML, "batch_size"), "batch_size"},
		{"bad im_size", testPathsYAML, replaceLine(testParamsYAML, "im_size", "im_size: [0, 10]"), "im_size"},
		{"string epochs", testPathsYAML, replaceLine(testParamsYAML, "num_epochs", "num_epochs: many"), "num_epochs"},
		{"bad factor", testPathsYAML, testParamsYAML + "  factor: 1.5\n", "callbacks.factor"},
		{"same model paths", replaceLine(testPathsYAML, "train_model_path",
			"  train_model_path: artifacts/base_model/base_model"), testParamsYAML, "training.train_model_path"},
		{"same model paths, absolute", replaceLine(testPathsYAML, "updated_base_model_path",
			"  updated_base_model_path: /base/artifacts/./base_model//base_model"), testParamsYAML,
			"base_model.updated_base_model_path"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.paths), FormatYAML, []byte(tc.params), FormatYAML, "/base")
			require.Error(t, err)
			assert.Equal(t, failure.KindConfig, failure.KindOf(err))
			assert.Contains(t, err.Error(), tc.wantKey)
		})
	}

	// Relative base directory: "./a" and "a" are the same path.
	sameRelative := replaceLine(testPathsYAML, "train_model_path",
		"  train_model_path: ./artifacts/base_model/updated_base_model")
	_, err := Parse([]byte(sameRelative), FormatYAML, []byte(testParamsYAML), FormatYAML, "")
	require.ErrorIs(t, err, failure.ErrConfig)
	assert.Contains(t, err.Error(), "training.train_model_path")

	_, err = Parse([]byte("artifacts_root: [unclosed"), FormatYAML, []byte(testParamsYAML), FormatYAML, "/")
	require.ErrorIs(t, err, failure.ErrConfig)
}

func TestLoadAndFingerprint(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	paramsPath := filepath.Join(dir, "params.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(testPathsYAML), 0o644))
	require.NoError(t, os.WriteFile(paramsPath, []byte(testParamsYAML), 0o644))

	root1, err := Load(configPath, paramsPath)
	require.NoError(t, err)
	root2, err := Load(configPath, paramsPath)
	require.NoError(t, err)
	assert.Equal(t, root1.Fingerprint(), root2.Fingerprint())

	root2.Params.NoiseFactor = 0.3
	assert.NotEqual(t, root1.Fingerprint(), root2.Fingerprint())

	_, err = Load(filepath.Join(dir, "missing.yaml"), paramsPath)
	require.ErrorIs(t, err, failure.ErrConfig)
	assert.Equal(t, FormatTOML, FormatFromPath("params.TOML"))
}

func removeLine(doc, prefix string) string {
	return replaceLine(doc, prefix, "")
}

// replaceLine replaces the first line whose trimmed content starts with prefix.
// A YAML list following a removed key is removed as well.
func replaceLine(doc, prefix, replacement string) string {
	lines := strings.Split(strings.TrimSuffix(doc, "\n"), "\n")
	var out []string
	skipList := false
	replaced := false
	for _, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if skipList && strings.HasPrefix(trimmed, "-") {
			continue
		}
		skipList = false
		if !replaced && strings.HasPrefix(trimmed, prefix) {
			replaced = true
			if replacement != "" {
				out = append(out, replacement)
			} else {
				skipList = true
			}
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n") + "\n"
}
