// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package batchnorm implements the batch normalization of tensors, over all axes except the feature axis.
//
// Based on paper "Batch Normalization: Accelerating Deep Network Training by Reducing
// Internal Covariate Shift" (Sergey Ioffe, Christian Szegedy), https://arxiv.org/abs/1502.03167.
package batchnorm

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/layernorm/pkg/core/shapes"
	"github.com/gomlx/layernorm/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrInvalidArgument is returned (wrapped) for invalid arguments: mismatched shapes or dtypes, invalid axis,
// unsupported dtypes, or missing running statistics for inference.
var ErrInvalidArgument = errors.New("invalid batch normalization argument")

// ForTraining normalizes x per feature (channel), given by featureAxis, over all the other axes.
//
// featureAxis is the axis over which **not to normalize**, and it can be negative, in which case it counts
// from the end. Let C be the dimension of the feature axis:
//
//   - weight and bias are optional per-feature affine parameters, shaped [C].
//   - runningMean and runningVar are optional running statistics, shaped [C].
//
// If training is true, the statistics (mean and population variance) are computed from x. If the
// running statistics are present, they are updated in place with
// `running = (1-momentum)*running + momentum*batch`, where the running variance uses the unbiased
// estimate of the batch variance. If training is false, the running statistics must be present and are
// used for normalization.
//
// It returns the normalized output, shaped as x, and the mean and inverse standard deviation
// (1/sqrt(variance+epsilon)) used for each feature, shaped [C].
//
// Only float32 and float64 are supported.
func ForTraining(x *tensors.Tensor, featureAxis int, weight, bias, runningMean, runningVar tensors.Optional,
	training bool, momentum, epsilon float64) (output, mean, invStd *tensors.Tensor, err error) {
	shape := x.Shape()
	rank := shape.Rank()
	adjustedAxis := featureAxis
	if adjustedAxis < 0 {
		adjustedAxis += rank
	}
	if adjustedAxis < 0 || adjustedAxis >= rank {
		return nil, nil, nil, errors.Wrapf(ErrInvalidArgument, "feature axis %d out-of-bounds for x shaped %s",
			featureAxis, shape)
	}
	dtype := shape.DType
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		return nil, nil, nil, errors.Wrapf(ErrInvalidArgument, "dtype %s not supported", dtype)
	}
	numFeatures := shape.Dimensions[adjustedAxis]
	paramNames := []string{"weight", "bias", "runningMean", "runningVar"}
	for ii, param := range []tensors.Optional{weight, bias, runningMean, runningVar} {
		if !param.IsPresent() {
			continue
		}
		if err := param.Shape().Check(dtype, numFeatures); err != nil {
			return nil, nil, nil, errors.Wrapf(ErrInvalidArgument, "%s: %v", paramNames[ii], err)
		}
	}
	if !training && (!runningMean.IsPresent() || !runningVar.IsPresent()) {
		return nil, nil, nil, errors.Wrapf(ErrInvalidArgument, "inference requires runningMean and runningVar")
	}
	for _, param := range []tensors.Optional{runningMean, runningVar} {
		if param.IsPresent() && !param.Get().IsContiguous() {
			return nil, nil, nil, errors.Wrapf(ErrInvalidArgument, "running statistics must be contiguous, "+
				"they are updated in place")
		}
	}

	outer, _ := shape.SplitAt(adjustedAxis)
	_, inner := shape.SplitAt(adjustedAxis + 1)
	klog.V(2).Infof("batchnorm.ForTraining(x=%s, featureAxis=%d, training=%v): outer=%d, features=%d, inner=%d",
		shape, featureAxis, training, outer, numFeatures, inner)

	x = x.Contiguous()
	output = tensors.Empty(x.Device(), shape)
	mean = tensors.Empty(x.Device(), shapes.Make(dtype, numFeatures))
	invStd = tensors.Empty(x.Device(), shapes.Make(dtype, numFeatures))
	p := params{
		outer: outer, features: numFeatures, inner: inner,
		training: training, momentum: momentum, epsilon: epsilon,
	}
	switch dtype {
	case dtypes.Float32:
		forTraining[float32](p, x, weight, bias, runningMean, runningVar, output, mean, invStd)
	case dtypes.Float64:
		forTraining[float64](p, x, weight, bias, runningMean, runningVar, output, mean, invStd)
	}
	return output, mean, invStd, nil
}

// params of the batch normalization: x is viewed as [outer, features, inner].
type params struct {
	outer, features, inner int
	training               bool
	momentum, epsilon      float64
}

func optionalFlat[T float32 | float64](o tensors.Optional) []T {
	if !o.IsPresent() {
		return nil
	}
	var flat []T
	tensors.MutableFlatData(o.Get(), func(data []T) { flat = data })
	return flat
}

func forTraining[T float32 | float64](p params, x *tensors.Tensor, weight, bias, runningMean, runningVar tensors.Optional,
	output, mean, invStd *tensors.Tensor) {
	weightData := optionalFlat[T](weight)
	biasData := optionalFlat[T](bias)
	runningMeanData := optionalFlat[T](runningMean)
	runningVarData := optionalFlat[T](runningVar)
	tensors.ConstFlatData(x, func(xData []T) {
		tensors.MutableFlatData(output, func(outData []T) {
			tensors.MutableFlatData(mean, func(meanData []T) {
				tensors.MutableFlatData(invStd, func(invStdData []T) {
					count := p.outer * p.inner
					for c := range p.features {
						var featureMean, featureVar float64
						if p.training {
							featureMean, featureVar = featureMoments(xData, p, c)
							if runningMeanData != nil {
								runningMeanData[c] = T((1-p.momentum)*float64(runningMeanData[c]) + p.momentum*featureMean)
							}
							if runningVarData != nil {
								unbiased := featureVar
								if count > 1 {
									unbiased = featureVar * float64(count) / float64(count-1)
								}
								runningVarData[c] = T((1-p.momentum)*float64(runningVarData[c]) + p.momentum*unbiased)
							}
						} else {
							featureMean, featureVar = float64(runningMeanData[c]), float64(runningVarData[c])
						}
						cMean := T(featureMean)
						cInvStd := T(1.0 / math.Sqrt(featureVar+p.epsilon))
						meanData[c] = cMean
						invStdData[c] = cInvStd
						scale, offset := T(1), T(0)
						if weightData != nil {
							scale = weightData[c]
						}
						if biasData != nil {
							offset = biasData[c]
						}
						for o := range p.outer {
							base := (o*p.features + c) * p.inner
							for i := range p.inner {
								outData[base+i] = (xData[base+i]-cMean)*cInvStd*scale + offset
							}
						}
					}
				})
			})
		})
	})
}

// featureMoments returns the mean and population variance of feature c, accumulated in float64.
// It returns NaNs if there are no elements.
func featureMoments[T float32 | float64](xData []T, p params, c int) (mean, variance float64) {
	count := float64(p.outer * p.inner)
	var sum float64
	for o := range p.outer {
		base := (o*p.features + c) * p.inner
		for _, v := range xData[base : base+p.inner] {
			sum += float64(v)
		}
	}
	mean = sum / count
	var varSum float64
	for o := range p.outer {
		base := (o*p.features + c) * p.inner
		for _, v := range xData[base : base+p.inner] {
			diff := float64(v) - mean
			varSum += diff * diff
		}
	}
	variance = varSum / count
	return
}
