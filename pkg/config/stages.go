// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// The stage configurations below are immutable values built by the pipeline resolver (see package pipeline) from
// a Root configuration and the upstream artifacts. Stages never build their own configuration.
//
// Tensors referenced by a stage configuration are shared by all holders of the value and must not be mutated.

// IngestionConfig holds the inputs of the ingestion stage.
type IngestionConfig struct {
	RootDir string

	// ImagesDir lists the label directories, in label index order.
	ImagesDir []string

	// RawDataPath, if not empty, is where the unsplit images array is saved.
	RawDataPath string

	TrainDataPath, TestDataPath     string
	TrainLabelsPath, TestLabelsPath string
	LabelIndexPath                  string

	ImageSize   ImageSize
	TestSplit   float64
	RandomState int64
}

// PreprocessingConfig holds the inputs of the noise injection stage.
type PreprocessingConfig struct {
	RootDir string

	// TrainData and TestData are the clean uint8 images produced by ingestion, shaped [N, H, W, C].
	TrainData, TestData *tensors.Tensor

	XTrainNoisyPath, XTestNoisyPath string
	NoiseFactor                     float64
}

// ModelConfig holds the inputs of the model construction stage.
type ModelConfig struct {
	RootDir              string
	BaseModelPath        string
	UpdatedBaseModelPath string
	BaseLearningRate     float64

	// InputShape is the per-example shape [H, W, C].
	InputShape []int
}

// TrainingConfig holds the inputs of the training stage.
type TrainingConfig struct {
	RootDir string

	// UpdatedBaseModelPath is the model training starts from.
	UpdatedBaseModelPath string

	// TrainModelPath is where the trained model is saved. It is never the same as the base model paths.
	TrainModelPath string

	// HistoryPath is where the per-epoch training history (CSV) is saved.
	HistoryPath string

	// TrainData and TestData are the clean targets, normalized to float32 in [0, 1].
	TrainData, TestData *tensors.Tensor

	// XTrainNoisy and XTestNoisy are the noisy inputs, float32 in [0, 1], with the same shapes as the targets.
	XTrainNoisy, XTestNoisy *tensors.Tensor

	NumEpochs int
	BatchSize int

	// Seed for the shuffling of the training examples between epochs.
	Seed int64

	Callbacks Callbacks
}

// EvaluationConfig holds the inputs of the evaluation stage.
type EvaluationConfig struct {
	RootDir string

	// ModelPath is the trained model to evaluate.
	ModelPath string

	EvaluationReportPath string

	// TrackingDir, if not empty, enables the local experiment tracker.
	TrackingDir string

	// HistoryPath is the training history, used by the tracker to plot the loss curve, if it exists.
	HistoryPath string

	// TestData is the clean normalized test set, and XTestNoisy the corresponding noisy inputs.
	TestData, XTestNoisy *tensors.Tensor

	BatchSize int
}
