// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoencoder

import (
	"path/filepath"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/denoiser/pkg/artifacts"
	"github.com/gomlx/denoiser/pkg/diagnostics"
	"github.com/gomlx/denoiser/pkg/failure"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Factory builds, saves and loads autoencoder models.
type Factory struct {
	backend      backends.Backend
	store        *artifacts.Store
	observer     diagnostics.Observer
	progressBars bool
}

// NewFactory creates a Factory that runs models on backend and saves them through store.
// If observer is nil, diagnostics.Klog is used.
func NewFactory(backend backends.Backend, store *artifacts.Store, observer diagnostics.Observer) *Factory {
	return &Factory{backend: backend, store: store, observer: diagnostics.OrDefault(observer)}
}

// WithProgressBars configures whether the models created (or loaded) display a progress bar while training.
// It returns the Factory, so configuration calls can be cascaded.
func (f *Factory) WithProgressBars(show bool) *Factory {
	f.progressBars = show
	return f
}

// Build creates a new network with freshly initialized weights, compiled with the mean squared error loss and
// the Adam optimizer with spec.LearningRate.
//
// It fails with a failure.KindConfig error if the spec is invalid, or failure.KindModel if the network can't be
// built.
func (f *Factory) Build(spec Spec) (*Model, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	spec.InputShape = slices.Clone(spec.InputShape)
	ctx := context.New()
	ctx.SetParam(ParamInputShape, slices.Clone(spec.InputShape))
	ctx.SetParam(optimizers.ParamLearningRate, spec.LearningRate)
	if err := f.initialize(ctx, spec); err != nil {
		return nil, failure.Wrapf(failure.KindModel, "autoencoder.Build", err, "building network for %v", spec.InputShape)
	}
	m := f.newModel(ctx, spec)
	f.observer.Infof("built autoencoder for input shape %v: %s parameters, learning rate %g",
		spec.InputShape, humanize.Comma(int64(m.NumParameters())), spec.LearningRate)
	return m, nil
}

// initialize creates (or loads, if a checkpoint is attached to ctx) the model variables, by building the network
// graph once, and initializes the ones without a value.
func (f *Factory) initialize(ctx *context.Context, spec Spec) error {
	if ctx.Loader() != nil {
		// Variables are loaded from the checkpoint as the graph is built.
		ctx = ctx.Reuse()
	}
	return exceptions.TryCatch[error](func() {
		dims := append([]int{1}, spec.InputShape...)
		sample := tensors.FromShape(shapes.Make(DType, dims...))
		output, err := context.ExecOnce(f.backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return ModelGraph(ctx, nil, []*Node{x})[0]
		}, sample)
		if err != nil {
			panic(err)
		}
		if !slices.Equal(output.Shape().Dimensions, dims) {
			panic(errors.Errorf("network output shape %s doesn't match input shape %v", output.Shape(), dims))
		}
		_ = output.FinalizeAll()
		_ = sample.FinalizeAll()
		_ = optimizers.LearningRateVar(ctx, DType, spec.LearningRate)
		if err = ctx.InitializeVariables(f.backend, nil); err != nil {
			panic(err)
		}
	})
}

func (f *Factory) newModel(ctx *context.Context, spec Spec) *Model {
	m := newModel(f.backend, ctx, spec)
	if f.progressBars {
		m.WithProgressBar()
	}
	return m
}

// Save writes the model (hyperparameters, weights and optimizer state) as a directory artifact at path.
// The previous content of path, if any, is replaced only once the new model is completely written.
func (f *Factory) Save(m *Model, path string) error {
	err := f.store.WriteDir(path, func(tmpDir string) error {
		handler, err := checkpoints.Build(m.ctx).Dir(tmpDir).Done()
		if err != nil {
			return err
		}
		return handler.Save()
	})
	if err != nil {
		return failure.Wrapf(failure.KindModel, "autoencoder.Save", err, "saving model to %q", path)
	}
	f.observer.Infof("saved model to %q", path)
	return nil
}

// Load reads a model saved with Save.
//
// It fails with failure.KindArtifactNotFound if there is no model at path, or failure.KindArtifactCorrupt if it
// can't be loaded back into a network.
func (f *Factory) Load(path string) (*Model, error) {
	const op = "autoencoder.Load"
	if err := f.store.CheckDir(path); err != nil {
		return nil, err
	}
	ctx := context.New()
	if _, err := checkpoints.Load(ctx).Dir(path).Done(); err != nil {
		return nil, failure.Wrapf(failure.KindArtifactCorrupt, op, err, "loading model from %q", path)
	}
	spec := Spec{
		InputShape:   context.GetParamOr(ctx, ParamInputShape, []int(nil)),
		LearningRate: context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0),
	}
	if err := spec.Validate(); err != nil {
		return nil, failure.Wrapf(failure.KindArtifactCorrupt, op, err, "invalid hyperparameters in model %q", path)
	}
	if err := f.initialize(ctx, spec); err != nil {
		return nil, failure.Wrapf(failure.KindArtifactCorrupt, op, err, "restoring network from %q", path)
	}
	m := f.newModel(ctx, spec)
	f.observer.Infof("loaded model from %q: input shape %v, %s parameters",
		path, spec.InputShape, humanize.Comma(int64(m.NumParameters())))
	return m, nil
}

// UpdateBase creates the "updated base model" at updatedPath, from the base model at basePath.
//
// The update is an identity copy: both artifacts hold the same network, but they are distinct, so the model
// trained from the updated one never modifies the base one.
func (f *Factory) UpdateBase(basePath, updatedPath string) error {
	const op = "autoencoder.UpdateBase"
	if filepath.Clean(basePath) == filepath.Clean(updatedPath) {
		return failure.New(failure.KindConfig, op, "updated base model path must differ from the base model path %q",
			basePath)
	}
	if err := f.store.CopyDir(basePath, updatedPath); err != nil {
		if failure.Is(err, failure.KindArtifactNotFound) || failure.Is(err, failure.KindArtifactCorrupt) {
			return err
		}
		return failure.Wrapf(failure.KindModel, op, err, "copying %q to %q", basePath, updatedPath)
	}
	f.observer.Infof("updated base model %q from %q", updatedPath, basePath)
	return nil
}
