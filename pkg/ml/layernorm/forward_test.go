// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layernorm

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/layernorm/backends"
	"github.com/gomlx/layernorm/backends/notimplemented"
	"github.com/gomlx/layernorm/pkg/core/shapes"
	"github.com/gomlx/layernorm/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func TestForward_Concrete(t *testing.T) {
	input := tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})
	scale := tensors.Some(tensors.FromValue([]float32{1, 1, 1}))
	bias := tensors.Some(tensors.FromValue([]float32{0, 0, 0}))
	output, mean, rstd, err := Forward(input, []int{3}, scale, bias, 1e-5)
	require.NoError(t, err)
	require.Equal(t, tensors.CPU, output.Device())

	require.Equal(t, []int{2, 1}, mean.Shape().Dimensions)
	require.Equal(t, []int{2, 1}, rstd.Shape().Dimensions)
	wantRstd := float32(1 / math.Sqrt(2.0/3.0+1e-5))
	assert.InDeltaSlice(t, []float32{2, 5}, tensors.CopyFlatData[float32](mean), 1e-6)
	assert.InDeltaSlice(t, []float32{wantRstd, wantRstd}, tensors.CopyFlatData[float32](rstd), 1e-5)
	assert.InDeltaSlice(t, []float32{-wantRstd, 0, wantRstd, -wantRstd, 0, wantRstd},
		tensors.CopyFlatData[float32](output), 1e-5)

	// LayerNorm returns only the output.
	output2, err := LayerNorm(input, []int{3}, scale, bias, 1e-5)
	require.NoError(t, err)
	assert.Equal(t, tensors.CopyFlatData[float32](output), tensors.CopyFlatData[float32](output2))
}

// checkForward verifies the numerical contract of the forward pass, in float64.
func checkForward(t *testing.T, input *tensors.Tensor, normalizedShape []int, scale, bias tensors.Optional,
	epsilon float64, output, mean, rstd *tensors.Tensor) {
	split := must.M1(ResolveShapes(input.Shape(), normalizedShape, scale, bias))
	x := tensors.CopyFlatData[float64](input)
	out := tensors.CopyFlatData[float64](output)
	gotMean := tensors.CopyFlatData[float64](mean)
	gotRstd := tensors.CopyFlatData[float64](rstd)
	require.Equal(t, StatisticShape(input.Shape(), split.Axis), mean.Shape().Dimensions)
	require.Equal(t, StatisticShape(input.Shape(), split.Axis), rstd.Shape().Dimensions)
	var scaleData, biasData []float64
	if scale.IsPresent() {
		scaleData = tensors.CopyFlatData[float64](scale.Get())
	}
	if bias.IsPresent() {
		biasData = tensors.CopyFlatData[float64](bias.Get())
	}
	for i := range split.M {
		group := x[i*split.N : (i+1)*split.N]
		wantMean, wantVar := stat.PopMeanVariance(group, nil)
		require.InDelta(t, wantMean, gotMean[i], 1e-9)
		require.InDelta(t, 1/math.Sqrt(wantVar+epsilon), gotRstd[i], 1e-9)
		for j, v := range group {
			want := (v - gotMean[i]) * gotRstd[i]
			if scaleData != nil {
				want *= scaleData[j]
			}
			if biasData != nil {
				want += biasData[j]
			}
			require.InDelta(t, want, out[i*split.N+j], 1e-9, "group %d, element %d", i, j)
		}
	}
}

func TestForward_Formula(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	ln := New(newCountingKernel())
	testCases := []struct {
		dims, normalizedShape []int
	}{
		{[]int{4, 7}, []int{7}},
		{[]int{2, 3, 5}, []int{3, 5}},
		{[]int{2, 3, 5}, []int{5}},
		{[]int{6}, []int{6}},
		{[]int{2, 2, 2, 3}, []int{2, 2, 3}},
	}
	for _, tc := range testCases {
		for _, affine := range [][2]bool{{false, false}, {true, false}, {false, true}, {true, true}} {
			input := randomTensor[float64](rng, tc.dims...)
			scale, bias := tensors.None(), tensors.None()
			if affine[0] {
				scale = tensors.Some(randomTensor[float64](rng, tc.normalizedShape...))
			}
			if affine[1] {
				bias = tensors.Some(randomTensor[float64](rng, tc.normalizedShape...))
			}
			output, mean, rstd, err := ln.Forward(input, tc.normalizedShape, scale, bias, 1e-3)
			require.NoError(t, err)
			checkForward(t, input, tc.normalizedShape, scale, bias, 1e-3, output, mean, rstd)
		}
	}
}

func TestForward_KernelCalledOnce(t *testing.T) {
	kernel := newCountingKernel()
	ln := New(kernel)
	require.Same(t, kernel, ln.Kernel())
	input := tensors.FromValue([][]float64{{1, 2}, {3, 5}})
	_, _, _, err := ln.Forward(input, []int{2}, tensors.None(), tensors.None(), DefaultEpsilon)
	require.NoError(t, err)
	require.Equal(t, 1, kernel.forwardCalls)
}

func TestForward_EmptyBatch(t *testing.T) {
	kernel := newCountingKernel()
	ln := New(kernel)
	input := tensors.FromShape(shapes.Make(dtypes.Float32, 0, 3, 4))
	output, mean, rstd, err := ln.Forward(input, []int{4}, tensors.None(), tensors.None(), DefaultEpsilon)
	require.NoError(t, err)
	require.Equal(t, 0, kernel.forwardCalls)
	require.Equal(t, []int{0, 3, 4}, output.Shape().Dimensions)
	require.Equal(t, []int{0, 3, 1}, mean.Shape().Dimensions)
	require.Equal(t, []int{0, 3, 1}, rstd.Shape().Dimensions)
	require.Equal(t, 0, mean.Size())

	// MathForward also short-circuits.
	output, mean, _, err = MathForward(input, []int{3, 4}, tensors.None(), tensors.None(), DefaultEpsilon)
	require.NoError(t, err)
	require.Equal(t, 0, output.Size())
	require.Equal(t, []int{0, 1, 1}, mean.Shape().Dimensions)
}

func TestForward_EmptyGroups(t *testing.T) {
	kernel := newCountingKernel()
	ln := New(kernel)
	input := tensors.FromShape(shapes.Make(dtypes.Float64, 2, 0))
	output, mean, rstd, err := ln.Forward(input, []int{0}, tensors.None(), tensors.None(), DefaultEpsilon)
	require.NoError(t, err)
	require.Equal(t, 0, kernel.forwardCalls)
	require.Equal(t, 0, output.Size())
	require.Equal(t, []int{2, 1}, mean.Shape().Dimensions)
	for _, v := range tensors.CopyFlatData[float64](mean) {
		require.True(t, math.IsNaN(v))
	}
	for _, v := range tensors.CopyFlatData[float64](rstd) {
		require.True(t, math.IsNaN(v))
	}
}

func TestForward_InvalidShape(t *testing.T) {
	kernel := newCountingKernel()
	ln := New(kernel)
	input := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 3, 4))
	_, _, _, err := ln.Forward(input, []int{5}, tensors.None(), tensors.None(), DefaultEpsilon)
	require.True(t, errors.Is(err, ErrInvalidShape))

	input = tensors.FromShape(shapes.Make(dtypes.Float32, 3, 4, 5))
	scale := tensors.Some(tensors.FromShape(shapes.Make(dtypes.Float32, 5, 4)))
	_, _, _, err = ln.Forward(input, []int{4, 5}, scale, tensors.None(), DefaultEpsilon)
	require.True(t, errors.Is(err, ErrInvalidShape))
	_, _, _, err = ln.Forward(input, []int{4, 5}, tensors.None(), scale, DefaultEpsilon)
	require.True(t, errors.Is(err, ErrInvalidShape))
	_, _, _, err = MathForward(input, []int{4, 5}, scale, tensors.None(), DefaultEpsilon)
	require.True(t, errors.Is(err, ErrInvalidShape))
	require.Equal(t, 0, kernel.forwardCalls)
}

func TestForward_NonContiguousInput(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	original := randomTensor[float64](rng, 5, 4)
	originalData := tensors.CopyFlatData[float64](original)
	input := original.Transpose(1, 0) // Shape [4, 5], strided.
	require.False(t, input.IsContiguous())

	ln := New(newCountingKernel())
	output, mean, rstd, err := ln.Forward(input, []int{5}, tensors.None(), tensors.None(), DefaultEpsilon)
	require.NoError(t, err)
	require.True(t, output.IsContiguous())
	checkForward(t, input.Contiguous(), []int{5}, tensors.None(), tensors.None(), DefaultEpsilon, output, mean, rstd)

	// The caller's data is untouched, and it is still a strided view.
	require.Equal(t, originalData, tensors.CopyFlatData[float64](original))
	require.False(t, input.IsContiguous())
}

func TestForwardInto(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	input := randomTensor[float32](rng, 3, 8)
	output := tensors.Zeros(tensors.CPU, input.Shape())
	mean, rstd, err := ForwardInto(output, input, []int{8}, tensors.None(), tensors.None(), DefaultEpsilon)
	require.NoError(t, err)
	require.Equal(t, []int{3, 1}, mean.Shape().Dimensions)
	want := must.M1(LayerNorm(input, []int{8}, tensors.None(), tensors.None(), DefaultEpsilon))
	assert.Equal(t, tensors.CopyFlatData[float32](want), tensors.CopyFlatData[float32](output))
	assert.Equal(t, 3, rstd.Size())

	_, _, err = ForwardInto(tensors.Zeros(tensors.CPU, shapes.Make(dtypes.Float32, 8, 3)), input, []int{8},
		tensors.None(), tensors.None(), DefaultEpsilon)
	require.True(t, errors.Is(err, ErrInvalidShape))
	_, _, err = ForwardInto(tensors.Zeros(tensors.CPU, shapes.Make(dtypes.Float64, 3, 8)), input, []int{8},
		tensors.None(), tensors.None(), DefaultEpsilon)
	require.True(t, errors.Is(err, ErrInvalidShape))
	strided := tensors.Zeros(tensors.CPU, shapes.Make(dtypes.Float32, 8, 3)).Transpose(1, 0)
	_, _, err = ForwardInto(strided, input, []int{8}, tensors.None(), tensors.None(), DefaultEpsilon)
	require.True(t, errors.Is(err, ErrInvalidShape))
}

func TestForward_KernelErrorPassThrough(t *testing.T) {
	deviceErr := errors.New("device out of memory")
	kernel := &failingKernel{}
	kernel.ErrFn = func(op backends.OpType) error { return deviceErr }
	ln := New(kernel)
	input := tensors.FromValue([][]float32{{1, 2}})
	output, mean, rstd, err := ln.Forward(input, []int{2}, tensors.None(), tensors.None(), DefaultEpsilon)
	require.Same(t, deviceErr, err)
	require.Nil(t, output)
	require.Nil(t, mean)
	require.Nil(t, rstd)

	_, _, err = ln.ForwardInto(tensors.Zeros(tensors.CPU, input.Shape()), input, []int{2},
		tensors.None(), tensors.None(), DefaultEpsilon)
	require.Same(t, deviceErr, err)
}

func TestForward_CapabilityFallback(t *testing.T) {
	// The notimplemented kernel has no capabilities: Forward uses MathForward.
	ln := New(&notimplemented.Backend{})
	rng := rand.New(rand.NewPCG(7, 8))
	input := randomTensor[float64](rng, 3, 4)
	scale := tensors.Some(randomTensor[float64](rng, 4))
	output, mean, rstd, err := ln.Forward(input, []int{4}, scale, tensors.None(), DefaultEpsilon)
	require.NoError(t, err)
	checkForward(t, input, []int{4}, scale, tensors.None(), DefaultEpsilon, output, mean, rstd)

	into := tensors.Zeros(tensors.CPU, input.Shape())
	_, _, err = ln.ForwardInto(into, input, []int{4}, scale, tensors.None(), DefaultEpsilon)
	require.NoError(t, err)
	assert.Equal(t, tensors.CopyFlatData[float64](output), tensors.CopyFlatData[float64](into))

	// Backward has no fallback.
	_, err = ln.Backward(input, input, []int{4}, mean, rstd, scale, tensors.None(), AllGradients())
	require.True(t, errors.Is(err, backends.ErrNotImplemented))
}

func TestForward_RegisteredDevice(t *testing.T) {
	// A CPU kernel configuration doesn't affect the kernel of other devices.
	t.Setenv(backends.LAYERNORM_BACKEND, "simplego:parallelism=2")
	kernel := must.M1(backends.ForDevice(testDevice)).(*countingKernel)
	callsBefore := kernel.forwardCalls
	input := tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}).WithDevice(testDevice)
	output, mean, _, err := Forward(input, []int{3}, tensors.None(), tensors.None(), DefaultEpsilon)
	require.NoError(t, err)
	require.Equal(t, testDevice, output.Device())
	require.Equal(t, testDevice, mean.Device())
	require.Equal(t, callsBefore+1, kernel.forwardCalls)

	_, _, _, err = Forward(input.WithDevice("unregistered_device"), []int{3}, tensors.None(), tensors.None(),
		DefaultEpsilon)
	require.Error(t, err)
}
