// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/layernorm/backends"
	"github.com/gomlx/layernorm/internal/workerspool"
	"github.com/gomlx/layernorm/pkg/core/shapes"
	"github.com/gomlx/layernorm/pkg/core/tensors"
	"github.com/pkg/errors"
)

// minParallelizeChunk is the minimum number of elements to parallelize over.
const minParallelizeChunk = 4096

// rowsPerChunk returns the minimum number of rows of n elements each parallel task should handle.
func rowsPerChunk(n int) int {
	return max(1, minParallelizeChunk/max(n, 1))
}

// flatOrNil returns the flat data of the optional tensor, or nil if it is absent.
func flatOrNil[T float32 | float64](o tensors.Optional) []T {
	if !o.IsPresent() {
		return nil
	}
	var flat []T
	tensors.MutableFlatData(o.Get(), func(data []T) { flat = data })
	return flat
}

func flatOf[T float32 | float64](t *tensors.Tensor) []T {
	var flat []T
	tensors.MutableFlatData(t, func(data []T) { flat = data })
	return flat
}

// checkCall validates the arguments common to the forward and backward calls. The statistics
// (mean and rstd) must have shape [m].
func (b *Backend) checkCall(opName string, input *tensors.Tensor, m, n int, statistics ...*tensors.Tensor) error {
	if b.isFinalized {
		return errors.Errorf("%s: SimpleGo kernel was already finalized", opName)
	}
	if !Capabilities.DTypes[input.DType()] {
		return errors.Wrapf(backends.ErrNotImplemented, "%s: dtype %s", opName, input.DType())
	}
	if m*n != input.Size() {
		return errors.Errorf("%s: m=%d, n=%d don't match input %s", opName, m, n, input)
	}
	for _, stat := range statistics {
		if err := shapes.CheckDims(stat, m); err != nil {
			return errors.WithMessagef(err, "%s: mean and rstd must be shaped [m=%d]", opName, m)
		}
	}
	return nil
}

// LayerNormForward implements backends.Kernel.
func (b *Backend) LayerNormForward(input *tensors.Tensor, gamma, beta tensors.Optional, m, n int, epsilon float64,
	output, mean, rstd *tensors.Tensor) error {
	if err := b.checkCall("LayerNormForward", input, m, n, mean, rstd); err != nil {
		return err
	}
	switch input.DType() {
	case dtypes.Float32:
		layerNormForward(b.workers, flatOf[float32](input), flatOrNil[float32](gamma), flatOrNil[float32](beta),
			m, n, epsilon, flatOf[float32](output), flatOf[float32](mean), flatOf[float32](rstd))
	case dtypes.Float64:
		layerNormForward(b.workers, flatOf[float64](input), flatOrNil[float64](gamma), flatOrNil[float64](beta),
			m, n, epsilon, flatOf[float64](output), flatOf[float64](mean), flatOf[float64](rstd))
	}
	return nil
}

// layerNormForward normalizes each contiguous block of n elements, one normalization group per row.
func layerNormForward[T float32 | float64](workers *workerspool.Pool, inData, gammaData, betaData []T,
	m, n int, epsilon float64, outData, meanData, rstdData []T) {
	workers.ParallelFor(m, rowsPerChunk(n), func(rowStart, rowEnd int) {
		layerNormForwardRows(inData, gammaData, betaData, n, epsilon, outData, meanData, rstdData, rowStart, rowEnd)
	})
}

func layerNormForwardRows[T float32 | float64](inData, gammaData, betaData []T, n int, epsilon float64,
	outData, meanData, rstdData []T, rowStart, rowEnd int) {
	normSizeF := T(n)
	for row := rowStart; row < rowEnd; row++ {
		x := inData[row*n : (row+1)*n]
		out := outData[row*n : (row+1)*n]

		// Compute mean.
		var sum T
		for _, v := range x {
			sum += v
		}
		mean := sum / normSizeF

		// Compute (population) variance.
		var varSum T
		for _, v := range x {
			diff := v - mean
			varSum += diff * diff
		}
		variance := varSum / normSizeF
		invStd := T(1.0 / math.Sqrt(float64(variance)+epsilon))
		meanData[row] = mean
		rstdData[row] = invStd

		// Normalize and apply scale/offset.
		for i, v := range x {
			normalized := (v - mean) * invStd
			if gammaData != nil {
				normalized *= gammaData[i]
			}
			if betaData != nil {
				normalized += betaData[i]
			}
			out[i] = normalized
		}
	}
}

// LayerNormBackward implements backends.Kernel.
func (b *Backend) LayerNormBackward(dOutput, input, mean, rstd *tensors.Tensor, gamma tensors.Optional, m, n int,
	dInput, dGamma, dBeta tensors.Optional) error {
	if err := b.checkCall("LayerNormBackward", input, m, n, mean, rstd); err != nil {
		return err
	}
	switch input.DType() {
	case dtypes.Float32:
		layerNormBackward(b.workers, flatOf[float32](dOutput), flatOf[float32](input),
			flatOf[float32](mean), flatOf[float32](rstd), flatOrNil[float32](gamma), m, n,
			flatOrNil[float32](dInput), flatOrNil[float32](dGamma), flatOrNil[float32](dBeta))
	case dtypes.Float64:
		layerNormBackward(b.workers, flatOf[float64](dOutput), flatOf[float64](input),
			flatOf[float64](mean), flatOf[float64](rstd), flatOrNil[float64](gamma), m, n,
			flatOrNil[float64](dInput), flatOrNil[float64](dGamma), flatOrNil[float64](dBeta))
	}
	return nil
}

// layerNormBackward fills the non-nil gradients among dInData, dGammaData and dBetaData.
//
// With xhat = (x-mean)*rstd and g = dy*gamma:
//
//	dx = rstd * (g - mean_j(g) - xhat*mean_j(g*xhat))
//	dgamma_j = sum_i(dy_ij * xhat_ij)
//	dbeta_j = sum_i(dy_ij)
func layerNormBackward[T float32 | float64](workers *workerspool.Pool, dOutData, inData, meanData, rstdData, gammaData []T,
	m, n int, dInData, dGammaData, dBetaData []T) {
	if dInData != nil {
		workers.ParallelFor(m, rowsPerChunk(n), func(rowStart, rowEnd int) {
			layerNormInputGradRows(dOutData, inData, meanData, rstdData, gammaData, n, dInData, rowStart, rowEnd)
		})
	}
	if dGammaData != nil || dBetaData != nil {
		// Column-wise reductions over the m rows: split over the n columns.
		workers.ParallelFor(n, max(1, minParallelizeChunk/max(m, 1)), func(colStart, colEnd int) {
			layerNormParamsGradColumns(dOutData, inData, meanData, rstdData, m, n, dGammaData, dBetaData, colStart, colEnd)
		})
	}
}

func layerNormInputGradRows[T float32 | float64](dOutData, inData, meanData, rstdData, gammaData []T, n int,
	dInData []T, rowStart, rowEnd int) {
	normSizeF := T(n)
	for row := rowStart; row < rowEnd; row++ {
		base := row * n
		mean, invStd := meanData[row], rstdData[row]
		var sumG, sumGXhat T
		for j := range n {
			g := dOutData[base+j]
			if gammaData != nil {
				g *= gammaData[j]
			}
			xhat := (inData[base+j] - mean) * invStd
			sumG += g
			sumGXhat += g * xhat
		}
		meanG := sumG / normSizeF
		meanGXhat := sumGXhat / normSizeF
		for j := range n {
			g := dOutData[base+j]
			if gammaData != nil {
				g *= gammaData[j]
			}
			xhat := (inData[base+j] - mean) * invStd
			dInData[base+j] = invStd * (g - meanG - xhat*meanGXhat)
		}
	}
}

func layerNormParamsGradColumns[T float32 | float64](dOutData, inData, meanData, rstdData []T, m, n int,
	dGammaData, dBetaData []T, colStart, colEnd int) {
	for j := colStart; j < colEnd; j++ {
		var sumDyXhat, sumDy T
		for row := range m {
			pos := row*n + j
			dy := dOutData[pos]
			sumDy += dy
			sumDyXhat += dy * (inData[pos] - meanData[row]) * rstdData[row]
		}
		if dGammaData != nil {
			dGammaData[j] = sumDyXhat
		}
		if dBetaData != nil {
			dBetaData[j] = sumDy
		}
	}
}
