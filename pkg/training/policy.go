// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"math"

	"github.com/gomlx/denoiser/pkg/config"
)

// plateau counts the consecutive epochs without improvement of the monitored metric.
type plateau struct {
	patience int
	wait     int
}

// step records one epoch, and returns whether the patience was exhausted.
func (p *plateau) step(improved bool) bool {
	if improved {
		p.wait = 0
		return false
	}
	p.wait++
	return p.wait >= p.patience
}

func (p *plateau) reset() { p.wait = 0 }

// Decision is the outcome of CallbackPolicy.Observe for one epoch.
type Decision struct {
	// Metric is the value of the monitored metric for the epoch.
	Metric float64

	// Improved is set if Metric improved over the best value so far, by more than the policy's min delta.
	Improved bool

	// Stop is set if training should halt: the metric hasn't improved for patience_stop epochs.
	Stop bool

	// LearningRate is the learning rate to use from the next epoch on. It differs from the current one only
	// if ReduceLR is set.
	LearningRate float64
	ReduceLR     bool
}

// CallbackPolicy interprets the callbacks configuration: an early stopping rule and a learning rate decay rule,
// both evaluated once per epoch against the monitored metric, with independent patience counters.
//
// It only keeps counters: the caller applies the decisions (changing the learning rate, stopping, restoring
// weights).
type CallbackPolicy struct {
	cfg config.Callbacks

	stop, decay plateau

	best      float64
	bestEpoch int
}

// NewCallbackPolicy creates a policy for the given configuration.
func NewCallbackPolicy(cfg config.Callbacks) *CallbackPolicy {
	return &CallbackPolicy{
		cfg:       cfg,
		stop:      plateau{patience: cfg.PatienceStop},
		decay:     plateau{patience: cfg.PatienceLR},
		best:      math.Inf(1),
		bestEpoch: -1,
	}
}

// Monitor returns the name of the monitored metric: "val_loss" or "loss".
func (p *CallbackPolicy) Monitor() string { return p.cfg.Monitor }

// Select returns the monitored metric out of an epoch's training and validation losses.
func (p *CallbackPolicy) Select(loss, valLoss float64) float64 {
	if p.cfg.Monitor == "loss" {
		return loss
	}
	return valLoss
}

// Best returns the epoch with the best metric observed so far and its value.
// The epoch is -1 if no epoch improved yet (e.g. only NaN values were observed).
func (p *CallbackPolicy) Best() (epoch int, metric float64) { return p.bestEpoch, p.best }

// Observe records the monitored metric of the given epoch, trained with learningRate, and decides what to do next.
//
// Both patience counters are reset whenever the metric improves. The decay counter is also reset after a
// decay. A NaN metric never counts as an improvement.
func (p *CallbackPolicy) Observe(epoch int, metric, learningRate float64) Decision {
	d := Decision{Metric: metric, LearningRate: learningRate}
	d.Improved = metric < p.best-p.cfg.MinDelta
	if d.Improved {
		p.best = metric
		p.bestEpoch = epoch
	}
	d.Stop = p.stop.step(d.Improved)
	if p.decay.step(d.Improved) {
		p.decay.reset()
		newLR := max(learningRate*p.cfg.Factor, p.cfg.MinLearningRate)
		if newLR < learningRate {
			d.LearningRate = newLR
			d.ReduceLR = true
		}
	}
	return d
}
