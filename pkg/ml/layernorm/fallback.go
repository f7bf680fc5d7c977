// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layernorm

import (
	"math"
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/layernorm/pkg/core/tensors"
	"github.com/gomlx/layernorm/pkg/ml/batchnorm"
	"k8s.io/klog/v2"
)

// MathForward computes the same as Forward, but re-expressing the layer normalization as a batch normalization
// over the input viewed as [1, M, N]: each of the M normalization groups is a batch normalization "feature".
// The scale and bias are applied afterward, since they are per normalized element, and not per feature.
//
// It doesn't use any backends.Kernel, and it has no backward counterpart.
func MathForward(input *tensors.Tensor, normalizedShape []int, scale, bias tensors.Optional, epsilon float64) (
	output, mean, rstd *tensors.Tensor, err error) {
	split, err := ResolveShapes(input.Shape(), normalizedShape, scale, bias)
	if err != nil {
		return nil, nil, nil, err
	}
	if split.M <= 0 {
		output, mean, rstd = emptyResults(input, split)
		return output, mean, rstd, nil
	}
	output, mean, rstd, err = mathForward(input, split, scale, bias, epsilon)
	if err != nil {
		return nil, nil, nil, err
	}
	mean, rstd, err = broadcastStatistics(mean, rstd, input.Shape(), split.Axis)
	if err != nil {
		return nil, nil, nil, err
	}
	return output, mean, rstd, nil
}

// mathForwardInto runs mathForward and copies the result to output. It returns the broadcast statistics.
func mathForwardInto(output, input *tensors.Tensor, split Split, scale, bias tensors.Optional, epsilon float64) (
	mean, rstd *tensors.Tensor, err error) {
	result, mean, rstd, err := mathForward(input, split, scale, bias, epsilon)
	if err != nil {
		return nil, nil, err
	}
	output.MutableFlatData(func(outFlat any) {
		result.ConstFlatData(func(resultFlat any) {
			reflect.Copy(reflect.ValueOf(outFlat), reflect.ValueOf(resultFlat))
		})
	})
	result.Release()
	return broadcastStatistics(mean, rstd, input.Shape(), split.Axis)
}

// mathForward returns the output and the flat mean and rstd, for split.M > 0.
func mathForward(input *tensors.Tensor, split Split, scale, bias tensors.Optional, epsilon float64) (
	output, mean, rstd *tensors.Tensor, err error) {
	klog.V(2).Infof("layernorm.MathForward(%s): M=%d, N=%d, axis=%d", input.Shape(), split.M, split.N, split.Axis)
	view, err := input.Contiguous().Reshape(1, split.M, split.N)
	if err != nil {
		return nil, nil, nil, err
	}
	none := tensors.None()
	normalized, mean, rstd, err := batchnorm.ForTraining(view, 1, none, none, none, none, true, 0, epsilon)
	if err != nil {
		return nil, nil, nil, err
	}
	output, err = normalized.Reshape(input.Shape().Dimensions...)
	if err != nil {
		releaseAll(normalized, mean, rstd)
		return nil, nil, nil, err
	}
	scale, bias = contiguous(scale), contiguous(bias)
	switch output.DType() {
	case dtypes.Float32:
		applyAffine[float32](output, scale, bias)
	case dtypes.Float64:
		applyAffine[float64](output, scale, bias)
	}
	return output, mean, rstd, nil
}

// applyAffine applies the per normalized element scale and bias in place. The output is viewed as
// groups of len(scale) (or len(bias)) elements.
//
// When both are present it uses a fused multiply-add, `bias + out*scale`, with a single rounding.
func applyAffine[T float32 | float64](output *tensors.Tensor, scale, bias tensors.Optional) {
	tensors.MutableFlatData(output, func(out []T) {
		switch {
		case scale.IsPresent() && bias.IsPresent():
			tensors.ConstFlatData(scale.Get(), func(scaleData []T) {
				tensors.ConstFlatData(bias.Get(), func(biasData []T) {
					n := len(scaleData)
					for ii, v := range out {
						out[ii] = T(math.FMA(float64(v), float64(scaleData[ii%n]), float64(biasData[ii%n])))
					}
				})
			})
		case scale.IsPresent():
			tensors.ConstFlatData(scale.Get(), func(scaleData []T) {
				n := len(scaleData)
				for ii := range out {
					out[ii] *= scaleData[ii%n]
				}
			})
		case bias.IsPresent():
			tensors.ConstFlatData(bias.Get(), func(biasData []T) {
				n := len(biasData)
				for ii := range out {
					out[ii] += biasData[ii%n]
				}
			})
		}
	})
}
