// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package training implements the training stage: it loads the updated base model, fits it on the
// (noisy, clean) training pairs under a CallbackPolicy (early stopping and learning rate decay), and saves the
// trained model and its per-epoch History.
package training

import (
	"fmt"
	"io"
	"math"
	"path/filepath"
	"slices"

	"github.com/gomlx/denoiser/pkg/artifacts"
	"github.com/gomlx/denoiser/pkg/autoencoder"
	"github.com/gomlx/denoiser/pkg/config"
	"github.com/gomlx/denoiser/pkg/diagnostics"
	"github.com/gomlx/denoiser/pkg/failure"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// State of a Controller.
type State int

const (
	StateIdle State = iota
	StateBaseModelLoaded
	StateTraining
	StateCompleted
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateBaseModelLoaded:
		return "BaseModelLoaded"
	case StateTraining:
		return "Training"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Network is the model being trained, as seen by the Controller. *autoencoder.Model implements it.
type Network interface {
	// InputShape is the per-example shape [H, W, C] the network accepts.
	InputShape() []int

	SetTrainingData(noisy, clean *tensors.Tensor, batchSize int, seed int64) error
	SetValidationData(noisy, clean *tensors.Tensor, batchSize int) error

	// TrainEpoch runs one pass over the training data, and returns the mean training loss.
	TrainEpoch() (float64, error)

	// ValidationLoss returns the loss over the validation data.
	ValidationLoss() (float64, error)

	LearningRate() (float64, error)
	SetLearningRate(learningRate float64) error

	Snapshot() (autoencoder.Weights, error)
	Restore(weights autoencoder.Weights) error
}

// Models loads and saves the networks trained by the Controller.
type Models interface {
	LoadNetwork(path string) (Network, error)
	SaveNetwork(net Network, path string) error
}

// FactoryModels adapts an *autoencoder.Factory to Models.
type FactoryModels struct {
	Factory *autoencoder.Factory
}

var _ Models = FactoryModels{}

// LoadNetwork implements Models.
func (fm FactoryModels) LoadNetwork(path string) (Network, error) {
	m, err := fm.Factory.Load(path)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SaveNetwork implements Models. net must be an *autoencoder.Model.
func (fm FactoryModels) SaveNetwork(net Network, path string) error {
	m, ok := net.(*autoencoder.Model)
	if !ok {
		return errors.Errorf("can't save network of type %T, only *autoencoder.Model is supported", net)
	}
	return fm.Factory.Save(m, path)
}

// Result summarizes a completed training run.
type Result struct {
	Epochs       int
	StoppedEarly bool

	// BestEpoch (1-based) and BestMetric are the best value of the monitored metric and when it was observed.
	// BestEpoch is 0 if the metric never took a finite value.
	BestEpoch  int
	BestMetric float64

	// RestoredBest is set if the weights of BestEpoch were restored after stopping early.
	RestoredBest bool

	FinalLearningRate float64
	ModelPath         string
}

// Controller runs the training stage. A Controller runs once: create a new one for each run.
type Controller struct {
	cfg      config.TrainingConfig
	models   Models
	store    *artifacts.Store
	observer diagnostics.Observer

	state   State
	history History
}

// NewController creates a Controller in StateIdle.
// If observer is nil, diagnostics.Klog is used.
func NewController(cfg config.TrainingConfig, models Models, store *artifacts.Store, observer diagnostics.Observer) *Controller {
	return &Controller{
		cfg:      cfg,
		models:   models,
		store:    store,
		observer: diagnostics.OrDefault(observer),
	}
}

// State returns the current state of the controller.
func (c *Controller) State() State { return c.state }

// History returns the metrics of the epochs run so far.
func (c *Controller) History() History { return slices.Clone(c.history) }

func (c *Controller) setState(s State) {
	c.observer.Debugf("training: %s -> %s", c.state, s)
	c.state = s
}

// Run loads the updated base model, trains it and saves the trained model and the history.
//
// Any failure moves the controller to StateFailed and is returned as a failure.KindTraining error.
// Nothing is written to the trained model path unless training completes.
func (c *Controller) Run() (*Result, error) {
	const op = "training.Run"
	if c.state != StateIdle {
		return nil, failure.New(failure.KindTraining, op, "controller already ran (state %s)", c.state)
	}
	result, err := c.run()
	if err != nil {
		c.setState(StateFailed)
		return nil, failure.Wrap(failure.KindTraining, op, err)
	}
	c.setState(StateCompleted)
	return result, nil
}

func (c *Controller) run() (*Result, error) {
	cfg := &c.cfg
	if cfg.NumEpochs <= 0 || cfg.BatchSize <= 0 {
		return nil, errors.Errorf("num_epochs (%d) and batch_size (%d) must be positive", cfg.NumEpochs, cfg.BatchSize)
	}
	if filepath.Clean(cfg.TrainModelPath) == filepath.Clean(cfg.UpdatedBaseModelPath) {
		return nil, errors.Errorf("trained model path %q must differ from the base model path", cfg.TrainModelPath)
	}

	net, err := c.models.LoadNetwork(cfg.UpdatedBaseModelPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading base model %q", cfg.UpdatedBaseModelPath)
	}
	c.setState(StateBaseModelLoaded)

	inputShape := net.InputShape()
	for _, arg := range []struct {
		name string
		t    *tensors.Tensor
	}{
		{"x_train_noisy", cfg.XTrainNoisy}, {"train_data", cfg.TrainData},
		{"x_test_noisy", cfg.XTestNoisy}, {"test_data", cfg.TestData},
	} {
		if err := checkShape(arg.name, arg.t, inputShape); err != nil {
			return nil, err
		}
	}
	if cfg.XTrainNoisy.Shape().Dimensions[0] != cfg.TrainData.Shape().Dimensions[0] ||
		cfg.XTestNoisy.Shape().Dimensions[0] != cfg.TestData.Shape().Dimensions[0] {
		return nil, errors.Errorf("noisy inputs and clean targets have different numbers of examples: "+
			"train %s / %s, test %s / %s", cfg.XTrainNoisy.Shape(), cfg.TrainData.Shape(),
			cfg.XTestNoisy.Shape(), cfg.TestData.Shape())
	}
	if err = net.SetTrainingData(cfg.XTrainNoisy, cfg.TrainData, cfg.BatchSize, cfg.Seed); err != nil {
		return nil, err
	}
	if err = net.SetValidationData(cfg.XTestNoisy, cfg.TestData, cfg.BatchSize); err != nil {
		return nil, err
	}

	c.setState(StateTraining)
	result, err := c.fit(net)
	if err != nil {
		return nil, err
	}

	if err = c.models.SaveNetwork(net, cfg.TrainModelPath); err != nil {
		return nil, errors.WithMessagef(err, "saving trained model")
	}
	result.ModelPath = cfg.TrainModelPath
	if cfg.HistoryPath != "" {
		err = c.store.WriteFile(cfg.HistoryPath, func(w io.Writer) error { return c.history.WriteCSV(w) })
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// fit runs the epochs, applying the callback policy after each one.
func (c *Controller) fit(net Network) (*Result, error) {
	cfg := &c.cfg
	policy := NewCallbackPolicy(cfg.Callbacks)
	var best autoencoder.Weights
	defer func() {
		if best != nil {
			best.Finalize()
		}
	}()

	result := &Result{}
	for epoch := 1; epoch <= cfg.NumEpochs; epoch++ {
		learningRate, err := net.LearningRate()
		if err != nil {
			return nil, err
		}
		loss, err := net.TrainEpoch()
		if err != nil {
			return nil, errors.WithMessagef(err, "epoch %d", epoch)
		}
		valLoss, err := net.ValidationLoss()
		if err != nil {
			return nil, errors.WithMessagef(err, "validation after epoch %d", epoch)
		}
		result.Epochs = epoch

		d := policy.Observe(epoch, policy.Select(loss, valLoss), learningRate)
		c.history = append(c.history, EpochRecord{
			Epoch: epoch, Loss: loss, ValLoss: valLoss, LearningRate: learningRate, Improved: d.Improved,
		})
		c.observer.Infof("epoch %d/%d: loss=%.6g val_loss=%.6g learning_rate=%.3g", epoch, cfg.NumEpochs,
			loss, valLoss, learningRate)

		if d.Improved && cfg.Callbacks.RestoreBestWeights {
			snapshot, err := net.Snapshot()
			if err != nil {
				return nil, errors.WithMessagef(err, "saving best weights of epoch %d", epoch)
			}
			if best != nil {
				best.Finalize()
			}
			best = snapshot
		}
		if d.ReduceLR {
			if err = net.SetLearningRate(d.LearningRate); err != nil {
				return nil, err
			}
			c.observer.Infof("epoch %d: %s didn't improve for %d epochs, reducing learning rate to %.3g",
				epoch, policy.Monitor(), cfg.Callbacks.PatienceLR, d.LearningRate)
		}
		if d.Stop {
			result.StoppedEarly = true
			c.observer.Infof("epoch %d: %s didn't improve for %d epochs, stopping early", epoch,
				policy.Monitor(), cfg.Callbacks.PatienceStop)
			if best != nil {
				bestEpoch, _ := policy.Best()
				if err = net.Restore(best); err != nil {
					return nil, errors.WithMessagef(err, "restoring best weights of epoch %d", bestEpoch)
				}
				result.RestoredBest = true
				c.observer.Infof("restored model weights from epoch %d", bestEpoch)
			}
			break
		}
	}

	bestEpoch, bestMetric := policy.Best()
	if bestEpoch > 0 {
		result.BestEpoch, result.BestMetric = bestEpoch, bestMetric
	} else {
		result.BestMetric = math.NaN()
	}
	var err error
	if result.FinalLearningRate, err = net.LearningRate(); err != nil {
		return nil, err
	}
	return result, nil
}

func checkShape(name string, t *tensors.Tensor, inputShape []int) error {
	if t == nil {
		return errors.Errorf("%s is missing", name)
	}
	dims := t.Shape().Dimensions
	if len(dims) != len(inputShape)+1 || !slices.Equal(dims[1:], inputShape) {
		return errors.Errorf("%s shaped %s is inconsistent with the model input shape %v", name, t.Shape(), inputShape)
	}
	if dims[0] == 0 {
		return errors.Errorf("%s is empty", name)
	}
	return nil
}
