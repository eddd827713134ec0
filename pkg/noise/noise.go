// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package noise implements the NoiseInjector: it normalizes images to [0, 1] and creates noisy variants by adding
// Gaussian noise scaled by a noise factor, clipped back to [0, 1].
package noise

import (
	"math"
	"math/rand"
	"time"

	"github.com/gomlx/denoiser/pkg/dataset"
	"github.com/gomlx/denoiser/pkg/failure"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// NoisyPair holds a clean array and its noisy variant, both float32 in [0, 1] with the same shape.
type NoisyPair struct {
	Clean, Noisy *tensors.Tensor
}

// Normalize converts uint8 pixel values to float32 in [0, 1], dividing by 255.
//
// The result is bit-reproducible: the same input always yields the same output.
// It fails with a failure.KindPreprocess error if images is empty or not uint8.
func Normalize(images *tensors.Tensor) (*tensors.Tensor, error) {
	const op = "noise.Normalize"
	if images == nil || images.Size() == 0 || images.Rank() == 0 {
		return nil, failure.New(failure.KindPreprocess, op, "empty input array")
	}
	if images.DType() != dtypes.Uint8 {
		return nil, failure.New(failure.KindPreprocess, op, "expected uint8 pixel values, got %s", images.Shape())
	}
	normalized := make([]float32, images.Size())
	err := dataset.ConstFlat(images, func(flat []uint8) {
		for ii, v := range flat {
			normalized[ii] = float32(v) / 255
		}
	})
	if err != nil {
		return nil, failure.Wrap(failure.KindPreprocess, op, err)
	}
	return tensors.FromFlatDataAndDimensions(normalized, images.Shape().Dimensions...), nil
}

// Injector adds Gaussian noise to clean arrays.
//
// Each call to Inject draws new noise, so injecting into the train and test arrays in sequence gives them
// independent noise realizations.
type Injector struct {
	factor float64
	rng    *rand.Rand
}

// NewInjector creates an Injector with the given noise factor.
//
// If rng is nil, a generator seeded with the current time is used: noise is not expected to be reproducible
// across runs. Tests can pass a seeded generator.
//
// It fails with a failure.KindPreprocess error if noiseFactor is negative (or NaN).
func NewInjector(noiseFactor float64, rng *rand.Rand) (*Injector, error) {
	if !(noiseFactor >= 0) || math.IsInf(noiseFactor, 0) {
		return nil, failure.New(failure.KindPreprocess, "noise.NewInjector",
			"noise_factor must be a finite value >= 0, got %g", noiseFactor)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Injector{factor: noiseFactor, rng: rng}, nil
}

// Factor returns the noise factor.
func (inj *Injector) Factor() float64 { return inj.factor }

// Inject returns clean + factor * N(0, 1), clipped to [0, 1]. clean must be a non-empty float32 array.
// Values are clipped even with a zero noise factor, and NaN values become 0.
func (inj *Injector) Inject(clean *tensors.Tensor) (*tensors.Tensor, error) {
	const op = "noise.Inject"
	if clean == nil || clean.Size() == 0 || clean.Rank() == 0 {
		return nil, failure.New(failure.KindPreprocess, op, "empty input array")
	}
	if clean.DType() != dtypes.Float32 {
		return nil, failure.New(failure.KindPreprocess, op, "expected float32 normalized values, got %s",
			clean.Shape())
	}
	noisy := make([]float32, clean.Size())
	err := dataset.ConstFlat(clean, func(flat []float32) {
		for ii, v := range flat {
			if inj.factor != 0 {
				v = float32(float64(v) + inj.factor*inj.rng.NormFloat64())
			}
			noisy[ii] = clip01(v)
		}
	})
	if err != nil {
		return nil, failure.Wrap(failure.KindPreprocess, op, err)
	}
	return tensors.FromFlatDataAndDimensions(noisy, clean.Shape().Dimensions...), nil
}

// Pair normalizes the uint8 images and injects noise into them.
func (inj *Injector) Pair(images *tensors.Tensor) (NoisyPair, error) {
	clean, err := Normalize(images)
	if err != nil {
		return NoisyPair{}, err
	}
	noisy, err := inj.Inject(clean)
	if err != nil {
		return NoisyPair{}, err
	}
	return NoisyPair{Clean: clean, Noisy: noisy}, nil
}

func clip01(v float32) float32 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
