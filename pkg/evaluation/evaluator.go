// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package evaluation implements the evaluation stage: it scores the trained model on the held-out (noisy, clean)
// test pair, and saves the Report as JSON.
//
// Auxiliary artifacts (model summary, sample images, loss curve) are handed to an optional Tracker. Tracking is
// best-effort: its failures are reported as warnings, and never fail the evaluation.
package evaluation

import (
	"time"

	"github.com/gomlx/denoiser/pkg/artifacts"
	"github.com/gomlx/denoiser/pkg/autoencoder"
	"github.com/gomlx/denoiser/pkg/config"
	"github.com/gomlx/denoiser/pkg/diagnostics"
	"github.com/gomlx/denoiser/pkg/failure"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Scorer is the trained model, as seen by the Evaluator. *autoencoder.Model implements it.
type Scorer interface {
	// Reconstruct returns the denoised version of noisy. It must not change the model.
	Reconstruct(noisy *tensors.Tensor, batchSize int) (*tensors.Tensor, error)

	// Summary describes the model, for the tracker.
	Summary() string
}

// Loader loads the model to evaluate.
type Loader interface {
	LoadScorer(path string) (Scorer, error)
}

// FactoryLoader adapts an *autoencoder.Factory to Loader.
type FactoryLoader struct {
	Factory *autoencoder.Factory
}

// LoadScorer implements Loader.
func (fl FactoryLoader) LoadScorer(path string) (Scorer, error) {
	m, err := fl.Factory.Load(path)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Run is what the Evaluator hands to the Tracker once the report is written.
// Tensors are owned by the evaluator, and must not be modified.
type Run struct {
	ModelPath    string
	ModelSummary string
	Report       *Report
	ReportPath   string

	// Noisy, Reconstructed and Clean are the test inputs, the model outputs and the targets.
	Noisy, Reconstructed, Clean *tensors.Tensor

	// HistoryPath is the training history, if any.
	HistoryPath string

	Duration time.Duration
}

// Tracker is the experiment tracking collaborator.
type Tracker interface {
	Track(run *Run) error
}

// Evaluator runs the evaluation stage.
type Evaluator struct {
	cfg      config.EvaluationConfig
	loader   Loader
	store    *artifacts.Store
	tracker  Tracker
	observer diagnostics.Observer
}

// NewEvaluator creates an Evaluator without a tracker. If observer is nil, diagnostics.Klog is used.
func NewEvaluator(cfg config.EvaluationConfig, loader Loader, store *artifacts.Store, observer diagnostics.Observer) *Evaluator {
	return &Evaluator{cfg: cfg, loader: loader, store: store, observer: diagnostics.OrDefault(observer)}
}

// WithTracker sets the tracker called after a successful evaluation. It can be nil.
func (e *Evaluator) WithTracker(tracker Tracker) *Evaluator {
	e.tracker = tracker
	return e
}

// Run evaluates the model and writes the report. Failures are failure.KindEvaluation errors.
func (e *Evaluator) Run() (*Report, error) {
	const op = "evaluation.Run"
	start := time.Now()
	cfg := &e.cfg
	if cfg.TestData == nil || cfg.XTestNoisy == nil {
		return nil, failure.New(failure.KindEvaluation, op, "test data and noisy test inputs must be given")
	}
	if !cfg.TestData.Shape().Equal(cfg.XTestNoisy.Shape()) || cfg.TestData.DType() != dtypes.Float32 {
		return nil, failure.New(failure.KindEvaluation, op,
			"noisy inputs %s and clean targets %s must be float32 arrays of the same shape",
			cfg.XTestNoisy.Shape(), cfg.TestData.Shape())
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = cfg.TestData.Shape().Dimensions[0]
	}

	scorer, err := e.loader.LoadScorer(cfg.ModelPath)
	if err != nil {
		return nil, failure.Wrapf(failure.KindEvaluation, op, err, "loading trained model")
	}
	reconstructed, err := scorer.Reconstruct(cfg.XTestNoisy, batchSize)
	if err != nil {
		return nil, failure.Wrapf(failure.KindEvaluation, op, err, "reconstructing test images")
	}
	report, err := NewReport(cfg.TestData, reconstructed)
	if err != nil {
		return nil, failure.Wrap(failure.KindEvaluation, op, err)
	}
	report.ModelPath = cfg.ModelPath
	if err = e.store.WriteJSON(cfg.EvaluationReportPath, report); err != nil {
		return nil, failure.Wrapf(failure.KindEvaluation, op, err, "writing report")
	}
	e.observer.Infof("evaluation of %q on %d examples: mse=%.6g, report saved to %q",
		cfg.ModelPath, report.NumExamples, report.MSE, cfg.EvaluationReportPath)

	if e.tracker != nil {
		run := &Run{
			ModelPath:     cfg.ModelPath,
			ModelSummary:  scorer.Summary(),
			Report:        report,
			ReportPath:    cfg.EvaluationReportPath,
			Noisy:         cfg.XTestNoisy,
			Reconstructed: reconstructed,
			Clean:         cfg.TestData,
			HistoryPath:   cfg.HistoryPath,
			Duration:      time.Since(start),
		}
		e.track(run)
	}
	return report, nil
}

// track calls the tracker, turning its errors and panics into warnings.
func (e *Evaluator) track(run *Run) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("tracker panicked: %v", r)
			}
		}()
		return e.tracker.Track(run)
	}()
	if err != nil {
		e.observer.Warnf("experiment tracking failed, the evaluation report is not affected: %v", err)
	}
}

// ReadReport reads a report written by the Evaluator.
func ReadReport(store *artifacts.Store, path string) (*Report, error) {
	var r Report
	if err := store.ReadJSON(path, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
