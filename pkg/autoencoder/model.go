// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoencoder

import (
	"fmt"
	"math/rand"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/denoiser/pkg/dataset"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
)

// Model is a built (or loaded) and compiled autoencoder: its context holds the weights, the optimizer state and
// the hyperparameters.
//
// A Model is not safe for concurrent use.
type Model struct {
	backend backends.Backend
	ctx     *context.Context
	spec    Spec

	trainer *train.Trainer
	loop    *train.Loop

	reconstructExec *context.Exec

	trainDS, validationDS *datasets.InMemoryDataset

	// Sum and count of the batch losses of the current epoch.
	epochLossSum float64
	epochSteps   int
}

// Weights is a snapshot of the trainable variables of a Model, indexed by their parameter name.
type Weights map[string]*tensors.Tensor

// Finalize releases the snapshot tensors.
func (w Weights) Finalize() {
	for _, t := range w {
		_ = t.FinalizeAll()
	}
}

func newModel(backend backends.Backend, ctx *context.Context, spec Spec) *Model {
	m := &Model{backend: backend, ctx: ctx, spec: spec}
	ctx = ctx.Reuse()
	m.trainer = train.NewTrainer(backend, ctx, ModelGraph, losses.MeanSquaredError,
		optimizers.Adam().Done(),
		nil, // trainMetrics
		nil) // evalMetrics
	m.loop = train.NewLoop(m.trainer)
	m.loop.OnStep("epoch_loss", 0, func(_ *train.Loop, metrics []*tensors.Tensor) error {
		if len(metrics) == 0 {
			return nil
		}
		loss, err := scalarValue(metrics[0])
		if err != nil {
			return errors.WithMessage(err, "reading batch loss")
		}
		m.epochLossSum += loss
		m.epochSteps++
		return nil
	})
	m.reconstructExec = context.MustNewExec(backend, ctx, func(ctx *context.Context, noisy *Node) *Node {
		return ModelGraph(ctx, nil, []*Node{noisy})[0]
	})
	return m
}

// WithProgressBar attaches a command-line progress bar to the training loop.
func (m *Model) WithProgressBar() *Model {
	commandline.AttachProgressBar(m.loop)
	return m
}

// Spec returns the spec the model was built with. The learning rate is the initial one.
func (m *Model) Spec() Spec {
	return Spec{InputShape: slices.Clone(m.spec.InputShape), LearningRate: m.spec.LearningRate}
}

// InputShape returns the per-example input shape [H, W, C].
func (m *Model) InputShape() []int { return slices.Clone(m.spec.InputShape) }

// Context returns the context holding the model variables and hyperparameters.
func (m *Model) Context() *context.Context { return m.ctx }

// NumParameters returns the number of scalar values in the network weights.
func (m *Model) NumParameters() int {
	total := 0
	for v := range m.ctx.IterVariables() {
		if strings.HasPrefix(v.Scope(), context.RootScope+Scope) {
			total += v.Shape().Size()
		}
	}
	return total
}

// Summary returns a human-readable description of the network: one line per weight variable, with its shape.
func (m *Model) Summary() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Denoising autoencoder, input shape %v\n", m.spec.InputShape)
	var names []string
	shapesByName := make(map[string]string)
	for v := range m.ctx.IterVariables() {
		if !strings.HasPrefix(v.Scope(), context.RootScope+Scope) {
			continue
		}
		names = append(names, v.ScopeAndName())
		shapesByName[v.ScopeAndName()] = v.Shape().String()
	}
	slices.Sort(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(&sb, "  %-48s %s\n", name, shapesByName[name])
	}
	_, _ = fmt.Fprintf(&sb, "Total parameters: %s\n", humanize.Comma(int64(m.NumParameters())))
	if lr, err := m.LearningRate(); err == nil {
		_, _ = fmt.Fprintf(&sb, "Optimizer: Adam, learning rate %g; loss: mean squared error\n", lr)
	}
	return sb.String()
}

func (m *Model) learningRateVar() *context.Variable {
	return optimizers.LearningRateVar(m.ctx, DType, m.spec.LearningRate)
}

// LearningRate returns the current learning rate of the optimizer.
func (m *Model) LearningRate() (float64, error) {
	t, err := m.learningRateVar().Value()
	if err != nil {
		return 0, err
	}
	return scalarValue(t)
}

// SetLearningRate changes the learning rate used by the following training steps.
func (m *Model) SetLearningRate(learningRate float64) error {
	if !(learningRate > 0) {
		return errors.Errorf("learning rate must be > 0, got %g", learningRate)
	}
	return m.learningRateVar().SetValue(tensors.FromScalar(float32(learningRate)))
}

// checkPair verifies noisy and clean are float32 [N, H, W, C] arrays matching the model input shape.
func (m *Model) checkPair(noisy, clean *tensors.Tensor) error {
	if noisy == nil || clean == nil {
		return errors.New("noisy and clean arrays must be given")
	}
	for _, t := range []*tensors.Tensor{noisy, clean} {
		if t.DType() != DType || t.Rank() != 4 || !slices.Equal(t.Shape().Dimensions[1:], m.spec.InputShape) {
			return errors.Errorf("array shaped %s doesn't match the model input shape %v (dtype %s)",
				t.Shape(), m.spec.InputShape, DType)
		}
	}
	if !slices.Equal(noisy.Shape().Dimensions, clean.Shape().Dimensions) {
		return errors.Errorf("noisy (%s) and clean (%s) arrays have different shapes", noisy.Shape(), clean.Shape())
	}
	if noisy.Shape().Dimensions[0] == 0 {
		return errors.New("empty arrays")
	}
	return nil
}

// SetTrainingData sets the (noisy -> clean) pairs used by TrainEpoch.
// Examples are shuffled at every epoch, with a generator seeded with seed.
func (m *Model) SetTrainingData(noisy, clean *tensors.Tensor, batchSize int, seed int64) error {
	if err := m.checkPair(noisy, clean); err != nil {
		return err
	}
	ds, err := datasets.InMemoryFromData(m.backend, "train", []any{noisy}, []any{clean})
	if err != nil {
		return errors.WithMessage(err, "creating training dataset")
	}
	m.trainDS = ds.BatchSize(batchSize, false).WithRand(rand.New(rand.NewSource(seed))).Shuffle()
	return nil
}

// SetValidationData sets the (noisy -> clean) pairs used by ValidationLoss.
func (m *Model) SetValidationData(noisy, clean *tensors.Tensor, batchSize int) error {
	if err := m.checkPair(noisy, clean); err != nil {
		return err
	}
	ds, err := datasets.InMemoryFromData(m.backend, "validation", []any{noisy}, []any{clean})
	if err != nil {
		return errors.WithMessage(err, "creating validation dataset")
	}
	m.validationDS = ds.BatchSize(batchSize, false)
	return nil
}

// TrainEpoch runs one pass over the training data, updating the weights, and returns the mean batch loss.
func (m *Model) TrainEpoch() (float64, error) {
	if m.trainDS == nil {
		return 0, errors.New("training data not set, see SetTrainingData")
	}
	m.epochLossSum, m.epochSteps = 0, 0
	if _, err := m.loop.RunEpochs(m.trainDS, 1); err != nil {
		return 0, errors.WithMessage(err, "training epoch")
	}
	if m.epochSteps == 0 {
		return 0, errors.New("training epoch ran no steps")
	}
	return m.epochLossSum / float64(m.epochSteps), nil
}

// ValidationLoss returns the mean squared error over the validation data.
func (m *Model) ValidationLoss() (float64, error) {
	if m.validationDS == nil {
		return 0, errors.New("validation data not set, see SetValidationData")
	}
	m.validationDS.Reset()
	results, err := m.trainer.Eval(m.validationDS)
	if err != nil {
		return 0, errors.WithMessage(err, "evaluating validation data")
	}
	if len(results) == 0 {
		return 0, errors.New("evaluation returned no metrics")
	}
	return scalarValue(results[0])
}

// Reconstruct runs the network over noisy images shaped [N, H, W, C], in batches of batchSize (all at once if
// batchSize <= 0), and returns the reconstructed images. The weights are not changed.
func (m *Model) Reconstruct(noisy *tensors.Tensor, batchSize int) (*tensors.Tensor, error) {
	if noisy == nil || noisy.DType() != DType || noisy.Rank() != 4 ||
		!slices.Equal(noisy.Shape().Dimensions[1:], m.spec.InputShape) {
		return nil, errors.Errorf("noisy images must be %s shaped [N, %v]", DType, m.spec.InputShape)
	}
	n := noisy.Shape().Dimensions[0]
	if batchSize <= 0 || batchSize >= n {
		return m.reconstructExec.Exec1(noisy)
	}
	outputs := make([]float32, 0, noisy.Size())
	for start := 0; start < n; start += batchSize {
		indices := make([]int, 0, batchSize)
		for ii := start; ii < min(start+batchSize, n); ii++ {
			indices = append(indices, ii)
		}
		batch, err := dataset.Gather[float32](noisy, indices)
		if err != nil {
			return nil, err
		}
		output, err := m.reconstructExec.Exec1(batch)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, tensors.MustCopyFlatData[float32](output)...)
		_ = batch.FinalizeAll()
		_ = output.FinalizeAll()
	}
	return tensors.FromFlatDataAndDimensions(outputs, noisy.Shape().Dimensions...), nil
}

// Snapshot returns a copy of the current trainable weights.
func (m *Model) Snapshot() (Weights, error) {
	weights := make(Weights)
	for v := range m.ctx.IterVariables() {
		if !v.Trainable {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return nil, err
		}
		clone, err := value.LocalClone()
		if err != nil {
			return nil, errors.WithMessagef(err, "copying variable %q", v.ScopeAndName())
		}
		weights[v.ParameterName()] = clone
	}
	return weights, nil
}

// Restore sets the trainable weights to the values of a previous Snapshot. The snapshot remains valid.
func (m *Model) Restore(weights Weights) error {
	for v := range m.ctx.IterVariables() {
		if !v.Trainable {
			continue
		}
		value, found := weights[v.ParameterName()]
		if !found {
			return errors.Errorf("snapshot has no value for variable %q", v.ScopeAndName())
		}
		clone, err := value.LocalClone()
		if err != nil {
			return err
		}
		if err = v.SetValue(clone); err != nil {
			return errors.WithMessagef(err, "restoring variable %q", v.ScopeAndName())
		}
	}
	return nil
}

// scalarValue converts a float scalar tensor (a loss or the learning rate) to float64.
func scalarValue(t *tensors.Tensor) (float64, error) {
	var value any
	err := exceptions.TryCatch[error](func() { value = t.Value() })
	if err != nil {
		return 0, err
	}
	switch v := value.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	}
	return 0, errors.Errorf("expected a float scalar, got %s", t.Shape())
}
