// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package evaluation

import (
	"math"
	"slices"

	"github.com/gomlx/denoiser/pkg/dataset"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Report is the evaluation report, saved as JSON.
type Report struct {
	// MSE is the mean squared reconstruction error over all pixels of the test set.
	MSE float64 `json:"mse"`

	NumExamples int `json:"num_examples"`

	// PSNR in dB, for signals in [0, 1]. It is omitted when MSE is 0 (infinite PSNR).
	PSNR *float64 `json:"psnr,omitempty"`

	PerImage PerImageStats `json:"per_image"`

	ModelPath string `json:"model_path,omitempty"`
}

// PerImageStats are statistics of the per-image MSE.
type PerImageStats struct {
	Mean float64 `json:"mean"`

	// Std is the population standard deviation.
	Std float64 `json:"std"`

	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// NewReport compares the reconstructions with the clean targets, both float32 shaped [N, H, W, C].
// Errors are accumulated in float64.
func NewReport(clean, reconstructed *tensors.Tensor) (*Report, error) {
	if clean == nil || reconstructed == nil {
		return nil, errors.New("clean targets and reconstructions must be given")
	}
	cleanDims, reconDims := clean.Shape().Dimensions, reconstructed.Shape().Dimensions
	if len(cleanDims) < 2 || !slices.Equal(cleanDims, reconDims) {
		return nil, errors.Errorf("reconstructions shaped %s don't match the clean targets shaped %s",
			reconstructed.Shape(), clean.Shape())
	}
	n := cleanDims[0]
	if n == 0 {
		return nil, errors.Errorf("empty test set %s", clean.Shape())
	}
	imageSize := clean.Shape().Size() / n

	perImage := make([]float64, n)
	var total float64
	var accessErr error
	err := dataset.ConstFlat(clean, func(cleanFlat []float32) {
		accessErr = dataset.ConstFlat(reconstructed, func(reconFlat []float32) {
			for example := range n {
				var sum float64
				for ii := example * imageSize; ii < (example+1)*imageSize; ii++ {
					diff := float64(reconFlat[ii]) - float64(cleanFlat[ii])
					sum += diff * diff
				}
				total += sum
				perImage[example] = sum / float64(imageSize)
			}
		})
	})
	if err != nil {
		return nil, errors.WithMessage(err, "clean targets")
	}
	if accessErr != nil {
		return nil, errors.WithMessage(accessErr, "reconstructions")
	}

	r := &Report{
		MSE:         total / float64(n*imageSize),
		NumExamples: n,
	}
	if math.IsNaN(r.MSE) || math.IsInf(r.MSE, 0) {
		return nil, errors.Errorf("reconstruction error is not finite (%g)", r.MSE)
	}
	if r.MSE > 0 {
		psnr := -10 * math.Log10(r.MSE)
		r.PSNR = &psnr
	}
	r.PerImage.Mean, r.PerImage.Std = stat.PopMeanStdDev(perImage, nil)
	r.PerImage.Min = floats.Min(perImage)
	r.PerImage.Max = floats.Max(perImage)
	return r, nil
}
