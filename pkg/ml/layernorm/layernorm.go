// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layernorm implements Layer Normalization over the trailing axes of a tensor, and its backward pass.
//
// Given an input and a "normalized shape" (which must match the trailing dimensions of the input), the input is
// viewed as M groups of N elements each, where N is the number of elements of the normalized shape, and
// M is the product of the remaining leading dimensions. Each group is normalized independently:
//
//	mean[i] = avg(x_i)
//	rstd[i] = 1/sqrt(var(x_i) + epsilon)  // Population variance.
//	output[i, j] = (x_i[j] - mean[i]) * rstd[i] * scale[j] + bias[j]
//
// The scale and bias are optional, and when present they have the normalized shape (they are
// per normalized element, not per channel).
//
// The numeric work is done by a backends.Kernel, selected by the device of the input (see
// backends.ForDevice), or given explicitly with New. MathForward provides an alternative path
// that re-expresses the layer normalization as a batch normalization, see package
// github.com/gomlx/layernorm/pkg/ml/batchnorm.
//
// Based on paper "Layer Normalization" (Jimmy Lei Ba, Jamie Ryan Kiros, Geoffrey E. Hinton),
// https://arxiv.org/abs/1607.06450.
package layernorm

import (
	"github.com/gomlx/layernorm/pkg/core/shapes"
	"github.com/gomlx/layernorm/pkg/core/tensors"
	"github.com/gomlx/layernorm/pkg/support/xslices"
	"github.com/pkg/errors"
)

// DefaultEpsilon is the usual value of epsilon added to the variance to avoid dividing by zero.
const DefaultEpsilon = 1e-5

// ErrInvalidShape is returned (wrapped) when the normalized shape doesn't match the trailing dimensions of the
// input, or when scale, bias (or other tensors passed along) don't have the expected shapes or dtypes.
//
// Test for it with errors.Is.
var ErrInvalidShape = errors.New("invalid shape for layer normalization")

// Split describes how an input is viewed as M groups of N elements to normalize.
//
// Invariant: M*N == input.Size().
type Split struct {
	// M is the number of normalization groups: the product of the leading dimensions, not normalized.
	M int

	// N is the number of elements normalized together: the product of the normalized (trailing) dimensions.
	N int

	// Axis is the first normalized axis: input.Rank() - len(normalizedShape).
	Axis int
}

// ResolveShapes validates the input shape against the normalized shape and the optional scale and bias,
// and returns how the input is split in normalization groups.
//
// The normalized shape must have at least one axis and it must match the trailing dimensions of the input.
// Scale and bias, if present, must have exactly the normalized shape, and the dtype of the input.
// It returns an error wrapping ErrInvalidShape otherwise.
func ResolveShapes(input shapes.Shape, normalizedShape []int, scale, bias tensors.Optional) (Split, error) {
	if len(normalizedShape) == 0 {
		return Split{}, errors.Wrapf(ErrInvalidShape, "normalized shape must have at least one axis")
	}
	if len(normalizedShape) > input.Rank() {
		return Split{}, errors.Wrapf(ErrInvalidShape, "normalized shape %v has more axes than the input %s",
			normalizedShape, input)
	}
	if !input.HasTrailingDimensions(normalizedShape) {
		return Split{}, errors.Wrapf(ErrInvalidShape,
			"normalized shape %v doesn't match the trailing dimensions of the input %s", normalizedShape, input)
	}
	for _, param := range []struct {
		name  string
		value tensors.Optional
	}{{"scale", scale}, {"bias", bias}} {
		if !param.value.IsPresent() {
			continue
		}
		if err := param.value.Shape().Check(input.DType, normalizedShape...); err != nil {
			return Split{}, errors.Wrapf(ErrInvalidShape, "%s must have the normalized shape %v and dtype %s: %v",
				param.name, normalizedShape, input.DType, err)
		}
	}
	axis := input.Rank() - len(normalizedShape)
	return Split{
		M:    xslices.Product(input.Dimensions[:axis]),
		N:    xslices.Product(normalizedShape),
		Axis: axis,
	}, nil
}

// StatisticShape returns the dimensions of the per-group statistics (mean and rstd) for the input:
// the leading dimensions before axis are preserved, and the normalized dimensions are collapsed to 1,
// so they broadcast against the input.
func StatisticShape(input shapes.Shape, axis int) []int {
	dims := make([]int, input.Rank())
	copy(dims, input.Dimensions[:axis])
	for ii := axis; ii < input.Rank(); ii++ {
		dims[ii] = 1
	}
	return dims
}

// BroadcastStatistic reshapes the flat statistic with M elements to the shape given by StatisticShape.
//
// It is a metadata-only operation: the returned tensor shares the storage of stat, which must be contiguous.
func BroadcastStatistic(stat *tensors.Tensor, input shapes.Shape, axis int) (*tensors.Tensor, error) {
	if axis < 0 || axis > input.Rank() {
		return nil, errors.Wrapf(ErrInvalidShape, "axis %d out-of-bounds for input %s", axis, input)
	}
	m, _ := input.SplitAt(axis)
	if stat.Size() != m {
		return nil, errors.Wrapf(ErrInvalidShape, "statistic %s has %d elements, but input %s has %d groups",
			stat, stat.Size(), input, m)
	}
	if !stat.IsContiguous() {
		return nil, errors.Errorf("statistic %s is not contiguous, it can't be reshaped", stat)
	}
	return stat.Reshape(StatisticShape(input, axis)...)
}

// contiguous returns an Optional with a contiguous version of the tensor, if present.
func contiguous(o tensors.Optional) tensors.Optional {
	if !o.IsPresent() {
		return o
	}
	return tensors.Some(o.Get().Contiguous())
}

// releaseAll releases the given tensors, skipping nils.
func releaseAll(ts ...*tensors.Tensor) {
	for _, t := range ts {
		if t != nil {
			t.Release()
		}
	}
}
