// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/denoiser/pkg/autoencoder"
	"github.com/gomlx/denoiser/pkg/config"
	"github.com/gomlx/denoiser/pkg/corpus"
	"github.com/gomlx/denoiser/pkg/dataset"
	"github.com/gomlx/denoiser/pkg/evaluation"
	"github.com/gomlx/denoiser/pkg/failure"
	"github.com/gomlx/denoiser/pkg/noise"
	"github.com/gomlx/denoiser/pkg/tracking"
	"github.com/gomlx/denoiser/pkg/training"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Stage runners: each one writes all the artifacts of its stage, or fails with the kind of its stage.

func (r *Resolver) stageStarted(stage Stage) {
	r.stats.StagesRun = append(r.stats.StagesRun, stage)
	r.observer.Infof("running stage %q", stage)
}

func (r *Resolver) runIngestion(cfg config.IngestionConfig) (*ingestionOutputs, error) {
	const op = "pipeline.ingestion"
	r.stageStarted(StageIngestion)
	read, err := corpus.NewReader(cfg.ImageSize, r.observer).WithProgressBar(r.progressBars).Read(cfg.ImagesDir)
	if err != nil {
		return nil, err
	}
	split, err := dataset.StratifiedSplit(read.Set, cfg.TestSplit, cfg.RandomState)
	if err != nil {
		return nil, err
	}

	// All ingestion artifacts are replaced together, so downstream stages never mix two generations.
	batch := r.store.NewBatch()
	defer batch.Abort()
	if cfg.RawDataPath != "" && r.keepRaw {
		if err = batch.WriteArray(cfg.RawDataPath, read.Set.Images); err != nil {
			return nil, failure.Wrapf(failure.KindCorpusRead, op, err, "saving raw images")
		}
	}
	for _, artifact := range []struct {
		path string
		t    *tensors.Tensor
	}{
		{cfg.TrainDataPath, split.Train.Images},
		{cfg.TestDataPath, split.Test.Images},
		{cfg.TrainLabelsPath, split.Train.Labels},
		{cfg.TestLabelsPath, split.Test.Labels},
	} {
		if err = batch.WriteArray(artifact.path, artifact.t); err != nil {
			return nil, failure.Wrapf(failure.KindCorpusRead, op, err, "saving ingested images")
		}
	}
	if err = batch.WriteJSON(cfg.LabelIndexPath, read.Index); err != nil {
		return nil, failure.Wrapf(failure.KindCorpusRead, op, err, "saving label index")
	}
	if err = batch.Commit(); err != nil {
		return nil, failure.Wrapf(failure.KindCorpusRead, op, err, "saving ingestion artifacts")
	}
	r.observer.Infof("ingestion: %s train and %s test images of %v, %d classes %v, %d files skipped",
		humanize.Comma(int64(split.Train.Len())), humanize.Comma(int64(split.Test.Len())),
		read.Set.ExampleShape(), read.Index.Len(), read.Index.Tags(), len(read.Skipped))
	return &ingestionOutputs{train: split.Train.Images, test: split.Test.Images}, nil
}

func (r *Resolver) runIngestionStage() (string, error) {
	cfg, err := r.IngestionConfig()
	if err != nil {
		return "", err
	}
	out, err := r.runIngestion(cfg)
	if err != nil {
		return "", err
	}
	r.setMemo(StageIngestion, valueOutputs, out)
	return fmt.Sprintf("%d train / %d test images", out.train.Shape().Dimensions[0], out.test.Shape().Dimensions[0]), nil
}

func (r *Resolver) runPreprocessing(cfg config.PreprocessingConfig) (*preprocessingOutputs, error) {
	const op = "pipeline.preprocessing"
	r.stageStarted(StagePreprocessing)
	injector, err := noise.NewInjector(cfg.NoiseFactor, nil)
	if err != nil {
		return nil, err
	}
	trainPair, err := injector.Pair(cfg.TrainData)
	if err != nil {
		return nil, err
	}
	testPair, err := injector.Pair(cfg.TestData)
	if err != nil {
		return nil, err
	}
	batch := r.store.NewBatch()
	defer batch.Abort()
	if err = batch.WriteArray(cfg.XTrainNoisyPath, trainPair.Noisy); err != nil {
		return nil, failure.Wrapf(failure.KindPreprocess, op, err, "saving noisy train images")
	}
	if err = batch.WriteArray(cfg.XTestNoisyPath, testPair.Noisy); err != nil {
		return nil, failure.Wrapf(failure.KindPreprocess, op, err, "saving noisy test images")
	}
	if err = batch.Commit(); err != nil {
		return nil, failure.Wrapf(failure.KindPreprocess, op, err, "saving noisy images")
	}

	// The normalized clean images come for free: keep them for the downstream stages.
	if out, found := r.memo[memoKey{fingerprint: r.fingerprint, stage: StageIngestion, value: valueOutputs}]; found {
		ing := out.(*ingestionOutputs)
		if ing.train == cfg.TrainData && ing.test == cfg.TestData {
			ing.normalizedTrain, ing.normalizedTest = trainPair.Clean, testPair.Clean
		}
	}
	r.observer.Infof("preprocessing: noise factor %g applied to %s and %s", injector.Factor(),
		trainPair.Noisy.Shape(), testPair.Noisy.Shape())
	return &preprocessingOutputs{xTrainNoisy: trainPair.Noisy, xTestNoisy: testPair.Noisy}, nil
}

func (r *Resolver) runPreprocessingStage() (string, error) {
	cfg, err := r.PreprocessingConfig()
	if err != nil {
		return "", err
	}
	out, err := r.runPreprocessing(cfg)
	if err != nil {
		return "", err
	}
	r.setMemo(StagePreprocessing, valueOutputs, out)
	return fmt.Sprintf("noise factor %g", cfg.NoiseFactor), nil
}

func (r *Resolver) runModel(cfg config.ModelConfig) error {
	r.stageStarted(StageModel)
	factory, err := r.modelFactory()
	if err != nil {
		return failure.Wrap(failure.KindModel, "pipeline.model", err)
	}
	m, err := factory.Build(autoencoder.Spec{InputShape: cfg.InputShape, LearningRate: cfg.BaseLearningRate})
	if err != nil {
		return err
	}
	if err = factory.Save(m, cfg.BaseModelPath); err != nil {
		return err
	}
	return factory.UpdateBase(cfg.BaseModelPath, cfg.UpdatedBaseModelPath)
}

func (r *Resolver) runModelStage() (string, error) {
	cfg, err := r.ModelConfig()
	if err != nil {
		return "", err
	}
	if err = r.runModel(cfg); err != nil {
		return "", err
	}
	r.setMemo(StageModel, valueOutputs, cfg.UpdatedBaseModelPath)
	return fmt.Sprintf("input shape %v, learning rate %g", cfg.InputShape, cfg.BaseLearningRate), nil
}

func (r *Resolver) runTraining(cfg config.TrainingConfig) (*training.Result, error) {
	r.stageStarted(StageTraining)
	factory, err := r.modelFactory()
	if err != nil {
		return nil, failure.Wrap(failure.KindTraining, "pipeline.training", err)
	}
	return training.NewController(cfg, training.FactoryModels{Factory: factory}, r.store, r.observer).Run()
}

func (r *Resolver) runTrainingStage() (string, error) {
	cfg, err := r.TrainingConfig()
	if err != nil {
		return "", err
	}
	result, err := r.runTraining(cfg)
	if err != nil {
		return "", err
	}
	r.setMemo(StageTraining, valueOutputs, result.ModelPath)
	summary := fmt.Sprintf("%d epochs, best %s %.6g at epoch %d", result.Epochs, cfg.Callbacks.Monitor,
		result.BestMetric, result.BestEpoch)
	if result.StoppedEarly {
		summary += ", stopped early"
	}
	return summary, nil
}

func (r *Resolver) runEvaluation(cfg config.EvaluationConfig) (*evaluation.Report, error) {
	r.stageStarted(StageEvaluation)
	factory, err := r.modelFactory()
	if err != nil {
		return nil, failure.Wrap(failure.KindEvaluation, "pipeline.evaluation", err)
	}
	e := evaluation.NewEvaluator(cfg, evaluation.FactoryLoader{Factory: factory}, r.store, r.observer)
	if r.tracking && cfg.TrackingDir != "" {
		e.WithTracker(tracking.NewLocal(cfg.TrackingDir, r.store, r.observer))
	}
	return e.Run()
}

func (r *Resolver) runEvaluationStage() (string, error) {
	cfg, err := r.EvaluationConfig()
	if err != nil {
		return "", err
	}
	report, err := r.runEvaluation(cfg)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("mse %.6g on %d examples", report.MSE, report.NumExamples), nil
}
