// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"slices"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Len(t, shape0.Dimensions, 0)
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Len(t, shape1.Dimensions, 3)
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))
	require.Equal(t, 2, shape1.Dim(-1))
	require.Panics(t, func() { _ = shape1.Dim(3) })
	require.Equal(t, "(Float32)[4 3 2]", shape1.String())
}

func TestZeroSize(t *testing.T) {
	shape := Make(dtypes.Float32, 0, 3)
	require.True(t, shape.Ok())
	require.True(t, shape.IsZeroSize())
	require.Equal(t, 0, shape.Size())
	require.Equal(t, []int{3, 1}, shape.Strides())
	require.Panics(t, func() { _ = Make(dtypes.Float32, 2, -1) })
}

func TestEqualAndClone(t *testing.T) {
	s0 := Make(dtypes.Float32, 2, 3)
	s1 := s0.Clone()
	require.True(t, s0.Equal(s1))
	s1.Dimensions[0] = 5
	require.Equal(t, 2, s0.Dimensions[0], "Clone must not share the dimensions slice")
	require.False(t, s0.Equal(s1))
	require.True(t, s0.EqualDimensions(Make(dtypes.Float64, 2, 3)))
	require.False(t, s0.Equal(Make(dtypes.Float64, 2, 3)))
}

func TestReshape(t *testing.T) {
	s := Make(dtypes.Float64, 2, 3, 4)
	require.Equal(t, []int{1, 6, 4}, s.Reshape(1, 6, 4).Dimensions)
	require.Panics(t, func() { _ = s.Reshape(5, 5) })
}

func TestHasTrailingDimensions(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3, 4)
	require.True(t, s.HasTrailingDimensions([]int{4}))
	require.True(t, s.HasTrailingDimensions([]int{3, 4}))
	require.True(t, s.HasTrailingDimensions([]int{2, 3, 4}))
	require.True(t, s.HasTrailingDimensions(nil))
	require.False(t, s.HasTrailingDimensions([]int{5}))
	require.False(t, s.HasTrailingDimensions([]int{2, 3}))
	require.False(t, s.HasTrailingDimensions([]int{1, 2, 3, 4}))
}

func TestSplitAt(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3, 4)
	outer, inner := s.SplitAt(1)
	require.Equal(t, 2, outer)
	require.Equal(t, 12, inner)
	outer, inner = s.SplitAt(3)
	require.Equal(t, 24, outer)
	require.Equal(t, 1, inner)
	outer, inner = Make(dtypes.Float32, 0, 5).SplitAt(1)
	require.Equal(t, 0, outer)
	require.Equal(t, 5, inner)
	require.Panics(t, func() { _, _ = s.SplitAt(4) })
}

func TestCheckDims(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	require.NoError(t, s.CheckDims(2, 3))
	require.NoError(t, s.CheckDims(UncheckedAxis, 3))
	require.Error(t, s.CheckDims(3, 2))
	require.Error(t, s.CheckDims(2))
	require.NoError(t, s.Check(dtypes.Float32, 2, 3))
	require.Error(t, s.Check(dtypes.Float64, 2, 3))
	require.Error(t, CheckDims(s, 1, 1))
	require.NoError(t, CheckDims(s, 2, UncheckedAxis))
}

func TestShape_Strides(t *testing.T) {
	require.Equal(t, []int{12, 4, 1}, Make(dtypes.Float32, 2, 3, 4).Strides())
	require.Equal(t, []int{1}, Make(dtypes.Float32, 5).Strides())
	require.Equal(t, []int{2, 2, 1}, Make(dtypes.Float32, 3, 1, 2).Strides())
	require.Nil(t, Make(dtypes.Float32).Strides())
}

func TestShape_Iter(t *testing.T) {
	shape := Make(dtypes.Float64, 3, 1, 2)
	collect := make([][]int, 0, shape.Size())
	var counter int
	for flatIdx, indices := range shape.Iter() {
		collect = append(collect, slices.Clone(indices))
		require.Equal(t, counter, flatIdx)
		counter++
	}
	want := [][]int{
		{0, 0, 0},
		{0, 0, 1},
		{1, 0, 0},
		{1, 0, 1},
		{2, 0, 0},
		{2, 0, 1},
	}
	require.Equal(t, want, collect)

	// Scalar yields exactly once.
	counter = 0
	for range Make(dtypes.Float32).Iter() {
		counter++
	}
	require.Equal(t, 1, counter)

	// Zero-sized shapes yield nothing.
	for range Make(dtypes.Float32, 2, 0).Iter() {
		t.Fatal("zero-sized shape should not yield")
	}
}
