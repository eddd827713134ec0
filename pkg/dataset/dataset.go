// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset defines the labeled image set, its label index, and the stratified train/test split.
//
// Images and labels are held as GoMLX tensors (github.com/gomlx/gomlx/pkg/core/tensors), so they can be
// saved as .npy artifacts and fed to training without conversions:
//
//   - Images: uint8 shaped [N, H, W, C], with channel values in [0, 255] as ingested.
//   - Labels: uint8 one-hot shaped [N, K], where K is the number of classes.
package dataset

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// LabeledImageSet pairs images with one-hot labels.
// Invariants: both have the same number of examples, and every label is one-hot with its index in [0, K).
type LabeledImageSet struct {
	Images *tensors.Tensor
	Labels *tensors.Tensor
}

// NewLabeledImageSet validates images and labels, and returns the set.
func NewLabeledImageSet(images, labels *tensors.Tensor) (*LabeledImageSet, error) {
	if images == nil || labels == nil {
		return nil, errors.New("images and labels must be given")
	}
	imgShape, labelsShape := images.Shape(), labels.Shape()
	if imgShape.DType != dtypes.Uint8 || imgShape.Rank() != 4 {
		return nil, errors.Errorf("images must be uint8 shaped [N, H, W, C], got %s", imgShape)
	}
	if labelsShape.DType != dtypes.Uint8 || labelsShape.Rank() != 2 {
		return nil, errors.Errorf("labels must be uint8 one-hot shaped [N, K], got %s", labelsShape)
	}
	if imgShape.Dimensions[0] != labelsShape.Dimensions[0] {
		return nil, errors.Errorf("images (%s) and labels (%s) have a different number of examples",
			imgShape, labelsShape)
	}
	set := &LabeledImageSet{Images: images, Labels: labels}
	if _, err := set.ClassIndices(); err != nil {
		return nil, err
	}
	return set, nil
}

// Len returns the number of examples.
func (s *LabeledImageSet) Len() int { return s.Images.Shape().Dimensions[0] }

// NumClasses returns K, the size of the one-hot labels.
func (s *LabeledImageSet) NumClasses() int { return s.Labels.Shape().Dimensions[1] }

// ExampleShape returns the shape of one image, [H, W, C].
func (s *LabeledImageSet) ExampleShape() []int {
	return append([]int(nil), s.Images.Shape().Dimensions[1:]...)
}

// String implements fmt.Stringer.
func (s *LabeledImageSet) String() string {
	return fmt.Sprintf("LabeledImageSet(%d examples, %v, %d classes)", s.Len(), s.ExampleShape(), s.NumClasses())
}

// ClassIndices returns the class index of each example.
// It fails if a label is not one-hot.
func (s *LabeledImageSet) ClassIndices() ([]int, error) {
	n, k := s.Len(), s.NumClasses()
	indices := make([]int, n)
	var labelErr error
	err := ConstFlat(s.Labels, func(flat []uint8) {
		for example := range n {
			row := flat[example*k : (example+1)*k]
			found := -1
			for class, v := range row {
				if v == 0 {
					continue
				}
				if v != 1 || found != -1 {
					labelErr = errors.Errorf("label of example #%d is not one-hot: %v", example, row)
					return
				}
				found = class
			}
			if found == -1 {
				labelErr = errors.Errorf("label of example #%d has no class set", example)
				return
			}
			indices[example] = found
		}
	})
	if err != nil {
		return nil, err
	}
	if labelErr != nil {
		return nil, labelErr
	}
	return indices, nil
}

// Subset returns a new set with the examples at the given indices, in that order.
func (s *LabeledImageSet) Subset(indices []int) (*LabeledImageSet, error) {
	images, err := Gather[uint8](s.Images, indices)
	if err != nil {
		return nil, errors.WithMessage(err, "gathering images")
	}
	labels, err := Gather[uint8](s.Labels, indices)
	if err != nil {
		return nil, errors.WithMessage(err, "gathering labels")
	}
	return &LabeledImageSet{Images: images, Labels: labels}, nil
}

// OneHot creates the uint8 one-hot labels tensor [len(classes), numClasses].
func OneHot(classes []int, numClasses int) (*tensors.Tensor, error) {
	flat := make([]uint8, len(classes)*numClasses)
	for example, class := range classes {
		if class < 0 || class >= numClasses {
			return nil, errors.Errorf("class %d of example #%d out of range [0, %d)", class, example, numClasses)
		}
		flat[example*numClasses+class] = 1
	}
	return tensors.FromFlatDataAndDimensions(flat, len(classes), numClasses), nil
}

// ConstFlat calls fn with the flat data of t, which must be of Go type T.
// The data is only valid during the call and must not be modified.
func ConstFlat[T dtypes.Supported](t *tensors.Tensor, fn func(flat []T)) error {
	var typeErr error
	err := t.ConstFlatData(func(flat any) {
		data, ok := flat.([]T)
		if !ok {
			typeErr = errors.Errorf("expected tensor with %T data, got %T (shape %s)", data, flat, t.Shape())
			return
		}
		fn(data)
	})
	if err != nil {
		return errors.WithMessage(err, "failed to access tensor data")
	}
	return typeErr
}

// Gather returns a new tensor with the slices of t (along its first axis) at the given indices.
func Gather[T dtypes.Supported](t *tensors.Tensor, indices []int) (*tensors.Tensor, error) {
	dims := t.Shape().Dimensions
	if len(dims) == 0 {
		return nil, errors.Errorf("cannot gather from scalar tensor %s", t.Shape())
	}
	n := dims[0]
	exampleSize := 1
	for _, dim := range dims[1:] {
		exampleSize *= dim
	}
	gathered := make([]T, 0, len(indices)*exampleSize)
	var indexErr error
	err := ConstFlat(t, func(flat []T) {
		for _, idx := range indices {
			if idx < 0 || idx >= n {
				indexErr = errors.Errorf("index %d out of range [0, %d)", idx, n)
				return
			}
			gathered = append(gathered, flat[idx*exampleSize:(idx+1)*exampleSize]...)
		}
	})
	if err != nil {
		return nil, err
	}
	if indexErr != nil {
		return nil, indexErr
	}
	newDims := append([]int{len(indices)}, dims[1:]...)
	return tensors.FromFlatDataAndDimensions(gathered, newDims...), nil
}
