// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package autoencoder implements the ModelFactory: the convolutional denoising autoencoder, its compilation
// (mean squared error loss and Adam optimizer) and its model artifacts.
//
// The network has a fixed topology:
//
//   - Encoder: 3 convolutions with 3x3 kernels and stride 2, with 64, 128 and 256 channels, each followed by a
//     ReLU. Each one halves the spatial dimensions.
//   - Decoder: 3 blocks mirroring the encoder, each doubling the spatial dimensions (nearest neighbor up-sampling)
//     followed by a 3x3 convolution with 256, 128 and 64 channels and a ReLU.
//   - Output: a 3x3 convolution back to the input channels, with a sigmoid to bound values to [0, 1].
//
// Because of the 3 halvings, the image height and width must be multiples of 8.
//
// Models are saved as directories holding a GoMLX checkpoint: hyperparameters (input shape and learning rate),
// the weights, and the optimizer state.
package autoencoder

import (
	"github.com/gomlx/denoiser/pkg/failure"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// Scope under which the network variables are created.
	Scope = "autoencoder"

	// ParamInputShape is the context hyperparameter holding the per-example input shape [H, W, C].
	// It is saved along the model, so a loaded model knows its shape.
	ParamInputShape = "autoencoder_input_shape"
)

var (
	// DType of the network inputs, outputs and weights.
	DType = dtypes.Float32

	// EncoderChannels are the channels of the encoder convolutions. The decoder mirrors them.
	EncoderChannels = []int{64, 128, 256}
)

// Spec describes the network to build.
type Spec struct {
	// InputShape is the per-example shape [H, W, C].
	InputShape []int

	// LearningRate of the Adam optimizer.
	LearningRate float64
}

// Validate returns a failure.KindConfig error if the spec can't be built.
func (s Spec) Validate() error {
	const op = "autoencoder.Spec"
	if len(s.InputShape) != 3 {
		return failure.New(failure.KindConfig, op, "input shape must be [height, width, channels], got %v", s.InputShape)
	}
	factor := 1 << len(EncoderChannels)
	for axis, dim := range s.InputShape[:2] {
		if dim <= 0 || dim%factor != 0 {
			return failure.New(failure.KindConfig, op,
				"input shape %v: spatial dimension #%d must be a positive multiple of %d", s.InputShape, axis, factor)
		}
	}
	if s.InputShape[2] <= 0 {
		return failure.New(failure.KindConfig, op, "input shape %v: invalid number of channels", s.InputShape)
	}
	if !(s.LearningRate > 0) {
		return failure.New(failure.KindConfig, op, "learning rate must be > 0, got %g", s.LearningRate)
	}
	return nil
}

// ModelGraph builds the network for a batch of noisy images shaped [batch, H, W, C], with values in [0, 1].
// It returns the reconstructed images, with the same shape.
//
// It implements train.ModelFn.
func ModelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	ctx = ctx.In(Scope)
	x := inputs[0]
	channels := x.Shape().Dimensions[3]
	for ii, numChannels := range EncoderChannels {
		x = layers.Convolution(ctx.Inf("%02d_encoder", ii), x).
			Channels(numChannels).KernelSize(3).PadSame().Strides(2).Done()
		x = activations.Relu(x)
	}
	for ii := range EncoderChannels {
		numChannels := EncoderChannels[len(EncoderChannels)-1-ii]
		x = UpSampleImages(x)
		x = layers.Convolution(ctx.Inf("%02d_decoder", ii), x).
			Channels(numChannels).KernelSize(3).PadSame().Done()
		x = activations.Relu(x)
	}
	x = layers.Convolution(ctx.In("output"), x).Channels(channels).KernelSize(3).PadSame().Done()
	return []*Node{Sigmoid(x)}
}

// UpSampleImages doubles the height and width of images shaped [batch, height, width, channels], repeating
// each pixel in a 2x2 block.
func UpSampleImages(images *Node) *Node {
	dims := images.Shape().Dimensions
	batchSize, height, width, numChannels := dims[0], dims[1], dims[2], dims[3]
	upSampled := Concatenate([]*Node{images, images}, 3)
	upSampled = Reshape(upSampled, batchSize, height, 2*width, numChannels)
	upSampled = Concatenate([]*Node{upSampled, upSampled}, 2)
	return Reshape(upSampled, batchSize, 2*height, 2*width, numChannels)
}
