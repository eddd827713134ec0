// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline implements the Resolver: given the root configuration, it derives the configuration of each
// stage, resolving the upstream artifacts on demand, and runs the stages.
//
// Stages form a dependency graph (see Order). When a stage configuration needs upstream artifacts, the Resolver
// reads them if they are already on disk, or runs the upstream stage to produce them otherwise. Every derived
// value is memoized for the run, keyed by the root configuration fingerprint and the stage, so asking twice for
// a configuration never reads or derives an artifact twice.
//
// Running a stage explicitly (RunStage) overwrites its artifacts, and drops the memoized values of all the stages
// downstream of it, so they observe the new artifacts.
//
// A Resolver is not safe for concurrent use: the pipeline is sequential.
package pipeline

import (
	"time"

	"github.com/gomlx/denoiser/pkg/artifacts"
	"github.com/gomlx/denoiser/pkg/autoencoder"
	"github.com/gomlx/denoiser/pkg/config"
	"github.com/gomlx/denoiser/pkg/diagnostics"
	"github.com/gomlx/denoiser/pkg/failure"
	"github.com/gomlx/denoiser/pkg/noise"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// memoKey identifies a memoized value: the root configuration, the stage, and which value of the stage.
type memoKey struct {
	fingerprint string
	stage       Stage
	value       string
}

const (
	valueConfig  = "config"
	valueOutputs = "outputs"
)

// ingestionOutputs are the clean images of the split.
type ingestionOutputs struct {
	train, test *tensors.Tensor

	// normalizedTrain and normalizedTest are the float32 versions, in [0, 1].
	normalizedTrain, normalizedTest *tensors.Tensor
}

// preprocessingOutputs are the noisy images.
type preprocessingOutputs struct {
	xTrainNoisy, xTestNoisy *tensors.Tensor
}

// Stats counts the work done by a Resolver.
type Stats struct {
	// ArrayReads is the number of array artifacts read.
	ArrayReads int

	// StagesRun lists the stages run, in order, whether explicitly or to produce missing artifacts.
	StagesRun []Stage
}

// Resolver derives the stage configurations from a root configuration, and runs the stages.
type Resolver struct {
	root        *config.Root
	fingerprint string
	graph       *stageGraph

	store    *artifacts.Store
	observer diagnostics.Observer
	backend  backends.Backend
	factory  *autoencoder.Factory

	progressBars, keepRaw, tracking bool

	memo  map[memoKey]any
	stats Stats
}

// NewResolver creates a Resolver for the given root configuration.
//
// backend is only needed to run the model, training and evaluation stages: it can be nil otherwise.
// If observer is nil, diagnostics.Klog is used.
func NewResolver(root *config.Root, backend backends.Backend, observer diagnostics.Observer) (*Resolver, error) {
	if root == nil {
		return nil, failure.New(failure.KindConfig, "pipeline.NewResolver", "no root configuration given")
	}
	graph, err := newStageGraph()
	if err != nil {
		return nil, failure.Wrap(failure.KindConfig, "pipeline.NewResolver", err)
	}
	observer = diagnostics.OrDefault(observer)
	return &Resolver{
		root:        root,
		fingerprint: root.Fingerprint(),
		graph:       graph,
		store:       artifacts.NewStore(observer),
		observer:    observer,
		backend:     backend,
		memo:        make(map[memoKey]any),
	}, nil
}

// WithProgressBars enables progress bars while reading the corpus and training.
func (r *Resolver) WithProgressBars(show bool) *Resolver {
	r.progressBars = show
	return r
}

// WithRawArray enables saving the unsplit images array, if the configuration has a raw_data_path.
func (r *Resolver) WithRawArray(keep bool) *Resolver {
	r.keepRaw = keep
	return r
}

// WithTracking enables the local experiment tracker during evaluation, if the configuration has a tracking_dir.
func (r *Resolver) WithTracking(track bool) *Resolver {
	r.tracking = track
	return r
}

// Root returns the root configuration.
func (r *Resolver) Root() *config.Root { return r.root }

// Store returns the artifact store used by the Resolver.
func (r *Resolver) Store() *artifacts.Store { return r.store }

// Stats returns a copy of the work counters.
func (r *Resolver) Stats() Stats {
	s := r.stats
	s.StagesRun = append([]Stage(nil), s.StagesRun...)
	return s
}

// memoized returns the memoized value for (stage, value), or computes it with fn.
// Errors are not memoized.
func memoized[T any](r *Resolver, stage Stage, value string, fn func() (T, error)) (T, error) {
	key := memoKey{fingerprint: r.fingerprint, stage: stage, value: value}
	if v, found := r.memo[key]; found {
		return v.(T), nil
	}
	v, err := fn()
	if err != nil {
		var zero T
		return zero, err
	}
	r.memo[key] = v
	return v, nil
}

func (r *Resolver) setMemo(stage Stage, value string, v any) {
	r.memo[memoKey{fingerprint: r.fingerprint, stage: stage, value: value}] = v
}

// invalidateDownstream drops the memoized values of all stages depending on stage.
func (r *Resolver) invalidateDownstream(stage Stage) error {
	stages, err := r.graph.downstream(stage)
	if err != nil {
		return err
	}
	for _, s := range stages {
		for _, value := range []string{valueConfig, valueOutputs} {
			delete(r.memo, memoKey{fingerprint: r.fingerprint, stage: s, value: value})
		}
	}
	return nil
}

func (r *Resolver) readArray(path string, dtype dtypes.DType, rank int) (*tensors.Tensor, error) {
	r.stats.ArrayReads++
	return r.store.ReadArrayOf(path, dtype, rank)
}

func (r *Resolver) modelFactory() (*autoencoder.Factory, error) {
	if r.factory == nil {
		if r.backend == nil {
			return nil, errors.New("no backend configured to build, train or evaluate models")
		}
		r.factory = autoencoder.NewFactory(r.backend, r.store, r.observer).WithProgressBars(r.progressBars)
	}
	return r.factory, nil
}

// IngestionConfig returns the configuration of the ingestion stage. It has no upstream artifacts.
func (r *Resolver) IngestionConfig() (config.IngestionConfig, error) {
	return memoized(r, StageIngestion, valueConfig, func() (config.IngestionConfig, error) {
		p, params := r.root.Paths.DataIngestion, r.root.Params
		return config.IngestionConfig{
			RootDir:         p.RootDir,
			ImagesDir:       append([]string(nil), p.ImagesDir...),
			RawDataPath:     p.RawDataPath,
			TrainDataPath:   p.TrainDataPath,
			TestDataPath:    p.TestDataPath,
			TrainLabelsPath: p.TrainLabelsPath,
			TestLabelsPath:  p.TestLabelsPath,
			LabelIndexPath:  p.LabelIndexPath,
			ImageSize:       params.ImageSize,
			TestSplit:       params.TestSplit,
			RandomState:     params.RandomState,
		}, nil
	})
}

// ingestion returns the clean split images: read from disk if present, or produced by running the ingestion stage.
func (r *Resolver) ingestion() (*ingestionOutputs, error) {
	return memoized(r, StageIngestion, valueOutputs, func() (*ingestionOutputs, error) {
		cfg, err := r.IngestionConfig()
		if err != nil {
			return nil, err
		}
		if !r.store.Exists(cfg.TrainDataPath) || !r.store.Exists(cfg.TestDataPath) {
			r.observer.Infof("ingestion artifacts missing, running stage %q", StageIngestion)
			return r.runIngestion(cfg)
		}
		out := &ingestionOutputs{}
		if out.train, err = r.readArray(cfg.TrainDataPath, dtypes.Uint8, 4); err != nil {
			return nil, err
		}
		if out.test, err = r.readArray(cfg.TestDataPath, dtypes.Uint8, 4); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// normalized returns the clean images of the split, as float32 in [0, 1].
func (r *Resolver) normalized() (train, test *tensors.Tensor, err error) {
	out, err := r.ingestion()
	if err != nil {
		return nil, nil, err
	}
	if out.normalizedTrain == nil {
		if out.normalizedTrain, err = noise.Normalize(out.train); err != nil {
			return nil, nil, err
		}
	}
	if out.normalizedTest == nil {
		if out.normalizedTest, err = noise.Normalize(out.test); err != nil {
			return nil, nil, err
		}
	}
	return out.normalizedTrain, out.normalizedTest, nil
}

// PreprocessingConfig returns the configuration of the noise injection stage, with the clean images produced by
// ingestion.
func (r *Resolver) PreprocessingConfig() (config.PreprocessingConfig, error) {
	return memoized(r, StagePreprocessing, valueConfig, func() (config.PreprocessingConfig, error) {
		out, err := r.ingestion()
		if err != nil {
			return config.PreprocessingConfig{}, err
		}
		p := r.root.Paths.DataPreprocessing
		return config.PreprocessingConfig{
			RootDir:         p.RootDir,
			TrainData:       out.train,
			TestData:        out.test,
			XTrainNoisyPath: p.XTrainNoisyPath,
			XTestNoisyPath:  p.XTestNoisyPath,
			NoiseFactor:     r.root.Params.NoiseFactor,
		}, nil
	})
}

// preprocessing returns the noisy images: read from disk if present, or produced by running the stage.
func (r *Resolver) preprocessing() (*preprocessingOutputs, error) {
	return memoized(r, StagePreprocessing, valueOutputs, func() (*preprocessingOutputs, error) {
		p := r.root.Paths.DataPreprocessing
		if !r.store.Exists(p.XTrainNoisyPath) || !r.store.Exists(p.XTestNoisyPath) {
			r.observer.Infof("preprocessing artifacts missing, running stage %q", StagePreprocessing)
			cfg, err := r.PreprocessingConfig()
			if err != nil {
				return nil, err
			}
			return r.runPreprocessing(cfg)
		}
		out := &preprocessingOutputs{}
		var err error
		if out.xTrainNoisy, err = r.readArray(p.XTrainNoisyPath, dtypes.Float32, 4); err != nil {
			return nil, err
		}
		if out.xTestNoisy, err = r.readArray(p.XTestNoisyPath, dtypes.Float32, 4); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// ModelConfig returns the configuration of the model construction stage. It has no upstream artifacts.
func (r *Resolver) ModelConfig() (config.ModelConfig, error) {
	return memoized(r, StageModel, valueConfig, func() (config.ModelConfig, error) {
		p := r.root.Paths.BaseModel
		return config.ModelConfig{
			RootDir:              p.RootDir,
			BaseModelPath:        p.BaseModelPath,
			UpdatedBaseModelPath: p.UpdatedBaseModelPath,
			BaseLearningRate:     r.root.Params.BaseLearningRate,
			InputShape:           r.root.Params.ImageSize.Shape(),
		}, nil
	})
}

// updatedBaseModel makes sure the updated base model exists, running the model stage if needed.
func (r *Resolver) updatedBaseModel() (string, error) {
	return memoized(r, StageModel, valueOutputs, func() (string, error) {
		cfg, err := r.ModelConfig()
		if err != nil {
			return "", err
		}
		if !r.store.Exists(cfg.UpdatedBaseModelPath) {
			r.observer.Infof("updated base model missing, running stage %q", StageModel)
			if err = r.runModel(cfg); err != nil {
				return "", err
			}
		}
		return cfg.UpdatedBaseModelPath, nil
	})
}

// TrainingConfig returns the configuration of the training stage, with the normalized clean images, the noisy
// images and the updated base model.
func (r *Resolver) TrainingConfig() (config.TrainingConfig, error) {
	return memoized(r, StageTraining, valueConfig, func() (config.TrainingConfig, error) {
		var cfg config.TrainingConfig
		train, test, err := r.normalized()
		if err != nil {
			return cfg, err
		}
		noisy, err := r.preprocessing()
		if err != nil {
			return cfg, err
		}
		basePath, err := r.updatedBaseModel()
		if err != nil {
			return cfg, err
		}
		p, params := r.root.Paths.Training, r.root.Params
		return config.TrainingConfig{
			RootDir:              p.RootDir,
			UpdatedBaseModelPath: basePath,
			TrainModelPath:       p.TrainModelPath,
			HistoryPath:          p.HistoryPath,
			TrainData:            train,
			TestData:             test,
			XTrainNoisy:          noisy.xTrainNoisy,
			XTestNoisy:           noisy.xTestNoisy,
			NumEpochs:            params.NumEpochs,
			BatchSize:            params.BatchSize,
			Seed:                 params.RandomState,
			Callbacks:            params.Callbacks,
		}, nil
	})
}

// trainedModel makes sure the trained model exists, running the training stage if needed.
func (r *Resolver) trainedModel() (string, error) {
	return memoized(r, StageTraining, valueOutputs, func() (string, error) {
		path := r.root.Paths.Training.TrainModelPath
		if !r.store.Exists(path) {
			r.observer.Infof("trained model missing, running stage %q", StageTraining)
			cfg, err := r.TrainingConfig()
			if err != nil {
				return "", err
			}
			if _, err = r.runTraining(cfg); err != nil {
				return "", err
			}
		}
		return path, nil
	})
}

// EvaluationConfig returns the configuration of the evaluation stage, with the normalized clean test images,
// the noisy test images and the trained model.
func (r *Resolver) EvaluationConfig() (config.EvaluationConfig, error) {
	return memoized(r, StageEvaluation, valueConfig, func() (config.EvaluationConfig, error) {
		var cfg config.EvaluationConfig
		_, test, err := r.normalized()
		if err != nil {
			return cfg, err
		}
		noisy, err := r.preprocessing()
		if err != nil {
			return cfg, err
		}
		modelPath, err := r.trainedModel()
		if err != nil {
			return cfg, err
		}
		p := r.root.Paths.Evaluation
		return config.EvaluationConfig{
			RootDir:              p.RootDir,
			ModelPath:            modelPath,
			EvaluationReportPath: p.EvaluationReportPath,
			TrackingDir:          p.TrackingDir,
			HistoryPath:          r.root.Paths.Training.HistoryPath,
			TestData:             test,
			XTestNoisy:           noisy.xTestNoisy,
			BatchSize:            r.root.Params.BatchSize,
		}, nil
	})
}

// StageResult describes a stage run.
type StageResult struct {
	Stage    Stage
	Duration time.Duration

	// Summary is a one-line, human-readable, description of the outcome.
	Summary string
}

// RunStage runs the given stage, overwriting its artifacts. Upstream artifacts are resolved as needed.
// The memoized values of the downstream stages are dropped.
func (r *Resolver) RunStage(stage Stage) (*StageResult, error) {
	start := time.Now()
	var summary string
	var err error
	switch stage {
	case StageIngestion:
		summary, err = r.runIngestionStage()
	case StagePreprocessing:
		summary, err = r.runPreprocessingStage()
	case StageModel:
		summary, err = r.runModelStage()
	case StageTraining:
		summary, err = r.runTrainingStage()
	case StageEvaluation:
		summary, err = r.runEvaluationStage()
	default:
		return nil, failure.New(failure.KindConfig, "pipeline.RunStage", "unknown stage %q", stage)
	}
	if err != nil {
		return nil, err
	}
	if err = r.invalidateDownstream(stage); err != nil {
		return nil, failure.Wrap(failure.KindUnknown, "pipeline.RunStage", err)
	}
	return &StageResult{Stage: stage, Duration: time.Since(start), Summary: summary}, nil
}

// RunAll runs all stages in dependency order, stopping at the first failure.
// It returns the results of the stages that completed.
func (r *Resolver) RunAll() ([]*StageResult, error) {
	var results []*StageResult
	for _, stage := range r.graph.order {
		result, err := r.RunStage(stage)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}
