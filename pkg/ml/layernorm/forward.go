// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layernorm

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/layernorm/backends"
	"github.com/gomlx/layernorm/pkg/core/shapes"
	"github.com/gomlx/layernorm/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Normalizer runs layer normalizations with a given kernel.
//
// It holds no state across calls, and it is safe for concurrent use if the kernel is.
type Normalizer struct {
	kernel backends.Kernel
}

// New returns a Normalizer that uses the given kernel.
func New(kernel backends.Kernel) *Normalizer {
	return &Normalizer{kernel: kernel}
}

// Kernel used by the Normalizer.
func (ln *Normalizer) Kernel() backends.Kernel { return ln.kernel }

// forDevice returns a Normalizer with the kernel registered for the device.
func forDevice(device tensors.Device) (*Normalizer, error) {
	kernel, err := backends.ForDevice(device)
	if err != nil {
		return nil, err
	}
	return New(kernel), nil
}

// Forward normalizes input over the trailing normalizedShape dimensions, using the kernel registered for the
// device of the input. See Normalizer.Forward.
func Forward(input *tensors.Tensor, normalizedShape []int, scale, bias tensors.Optional, epsilon float64) (
	output, mean, rstd *tensors.Tensor, err error) {
	ln, err := forDevice(input.Device())
	if err != nil {
		return nil, nil, nil, err
	}
	return ln.Forward(input, normalizedShape, scale, bias, epsilon)
}

// ForwardInto is like Forward, but writes the normalized values into output, using the kernel registered
// for the device of the input. See Normalizer.ForwardInto.
func ForwardInto(output, input *tensors.Tensor, normalizedShape []int, scale, bias tensors.Optional,
	epsilon float64) (mean, rstd *tensors.Tensor, err error) {
	ln, err := forDevice(input.Device())
	if err != nil {
		return nil, nil, err
	}
	return ln.ForwardInto(output, input, normalizedShape, scale, bias, epsilon)
}

// LayerNorm returns only the normalized output of Forward, using the kernel registered for the
// device of the input.
func LayerNorm(input *tensors.Tensor, normalizedShape []int, scale, bias tensors.Optional, epsilon float64) (
	*tensors.Tensor, error) {
	ln, err := forDevice(input.Device())
	if err != nil {
		return nil, err
	}
	return ln.LayerNorm(input, normalizedShape, scale, bias, epsilon)
}

// Forward normalizes input over the trailing normalizedShape dimensions.
//
// Scale and bias are optional, and when present they must have exactly the normalized shape.
// It returns the output, with the shape of the input, and the mean and rstd (inverse of the
// standard deviation) of each of the normalized groups, shaped with the leading dimensions of
// the input followed by 1s, so they broadcast against it (see StatisticShape).
//
// If the input has no groups (M == 0), it returns zero-sized results without calling the kernel.
// If the groups are empty (N == 0), mean and rstd are NaN.
//
// If the kernel doesn't support the forward operation for the dtype of the input, it falls back
// to MathForward.
//
// It returns an error wrapping ErrInvalidShape for invalid shapes, and any kernel error unchanged.
func (ln *Normalizer) Forward(input *tensors.Tensor, normalizedShape []int, scale, bias tensors.Optional,
	epsilon float64) (output, mean, rstd *tensors.Tensor, err error) {
	split, err := ResolveShapes(input.Shape(), normalizedShape, scale, bias)
	if err != nil {
		return nil, nil, nil, err
	}
	if split.M <= 0 {
		output, mean, rstd = emptyResults(input, split)
		return output, mean, rstd, nil
	}
	output = tensors.Empty(input.Device(), input.Shape())
	mean, rstd, err = ln.forward(output, input, split, scale, bias, epsilon)
	if err != nil {
		output.Release()
		return nil, nil, nil, err
	}
	return output, mean, rstd, nil
}

// ForwardInto is like Forward, but it writes the normalized values into the given output, which must be
// contiguous and have the same shape (and dtype) as the input. It returns the mean and rstd.
func (ln *Normalizer) ForwardInto(output, input *tensors.Tensor, normalizedShape []int, scale, bias tensors.Optional,
	epsilon float64) (mean, rstd *tensors.Tensor, err error) {
	split, err := ResolveShapes(input.Shape(), normalizedShape, scale, bias)
	if err != nil {
		return nil, nil, err
	}
	if !output.Shape().Equal(input.Shape()) {
		return nil, nil, errors.Wrapf(ErrInvalidShape, "output %s must have the shape of the input %s",
			output.Shape(), input.Shape())
	}
	if !output.IsContiguous() {
		return nil, nil, errors.Wrapf(ErrInvalidShape, "output %s must be contiguous", output)
	}
	if split.M <= 0 {
		_, mean, rstd = emptyResults(input, split)
		return mean, rstd, nil
	}
	return ln.forward(output, input, split, scale, bias, epsilon)
}

// LayerNorm returns only the normalized output of Normalizer.Forward.
func (ln *Normalizer) LayerNorm(input *tensors.Tensor, normalizedShape []int, scale, bias tensors.Optional,
	epsilon float64) (*tensors.Tensor, error) {
	output, mean, rstd, err := ln.Forward(input, normalizedShape, scale, bias, epsilon)
	if err != nil {
		return nil, err
	}
	releaseAll(mean, rstd)
	return output, nil
}

// forward fills output and returns the broadcast mean and rstd, for split.M > 0.
func (ln *Normalizer) forward(output, input *tensors.Tensor, split Split, scale, bias tensors.Optional,
	epsilon float64) (mean, rstd *tensors.Tensor, err error) {
	dtype := input.DType()
	if !ln.kernel.Capabilities().Supports(backends.OpTypeLayerNormForward, dtype) {
		klog.V(1).Infof("layernorm: kernel %q doesn't support %s for %s, using MathForward",
			ln.kernel.Name(), backends.OpTypeLayerNormForward, dtype)
		return mathForwardInto(output, input, split, scale, bias, epsilon)
	}
	klog.V(2).Infof("layernorm.Forward(%s): M=%d, N=%d, axis=%d, scale=%v, bias=%v",
		input.Shape(), split.M, split.N, split.Axis, scale.IsPresent(), bias.IsPresent())

	statShape := shapes.Make(dtype, split.M)
	mean = tensors.Empty(input.Device(), statShape)
	rstd = tensors.Empty(input.Device(), statShape)
	if split.N == 0 {
		fillWith(mean, math.NaN())
		fillWith(rstd, math.NaN())
	} else {
		err = ln.kernel.LayerNormForward(input.Contiguous(), contiguous(scale), contiguous(bias),
			split.M, split.N, epsilon, output, mean, rstd)
		if err != nil {
			releaseAll(mean, rstd)
			return nil, nil, err
		}
	}
	return broadcastStatistics(mean, rstd, input.Shape(), split.Axis)
}

// broadcastStatistics applies BroadcastStatistic to both mean and rstd.
func broadcastStatistics(mean, rstd *tensors.Tensor, input shapes.Shape, axis int) (*tensors.Tensor, *tensors.Tensor, error) {
	broadcastMean, err := BroadcastStatistic(mean, input, axis)
	if err != nil {
		return nil, nil, err
	}
	broadcastRstd, err := BroadcastStatistic(rstd, input, axis)
	if err != nil {
		return nil, nil, err
	}
	return broadcastMean, broadcastRstd, nil
}

// emptyResults returns the zero-sized output and statistics for inputs with no normalization groups.
func emptyResults(input *tensors.Tensor, split Split) (output, mean, rstd *tensors.Tensor) {
	klog.V(2).Infof("layernorm: input %s has no groups to normalize", input.Shape())
	statShape := shapes.Make(input.DType(), StatisticShape(input.Shape(), split.Axis)...)
	return tensors.Zeros(input.Device(), input.Shape()),
		tensors.Zeros(input.Device(), statShape),
		tensors.Zeros(input.Device(), statShape)
}

// fillWith sets all the elements of the float tensor t to value.
func fillWith(t *tensors.Tensor, value float64) {
	switch t.DType() {
	case dtypes.Float32:
		tensors.MutableFlatData(t, func(flat []float32) {
			for ii := range flat {
				flat[ii] = float32(value)
			}
		})
	case dtypes.Float64:
		tensors.MutableFlatData(t, func(flat []float64) {
			for ii := range flat {
				flat[ii] = value
			}
		})
	}
}
