// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/layernorm/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	dtype, err := parseDType("float64")
	require.NoError(t, err)
	require.Equal(t, dtypes.Float64, dtype)
	_, err = parseDType("int8")
	require.Error(t, err)

	require.NoError(t, validateReps(1))
	require.Error(t, validateReps(0))
	require.Error(t, validateReps(-3))
}

func TestNewDifference(t *testing.T) {
	a := tensors.FromValue([]float32{1, 2, 3})
	b := tensors.FromValue([]float32{1, 2.5, 2})
	require.Equal(t, difference{name: "x", maxAbs: 1}, newDifference("x", a, b))
	require.True(t, math.IsInf(newDifference("x", a, tensors.FromValue([]float32{1})).maxAbs, 1))
}

func TestCheck(t *testing.T) {
	*flagShape = []int{3, 2, 5}
	*flagNormalized = []int{2, 5}
	*flagReps = 1
	*flagAffine = true
	*flagBackward = true
	ok, err := check(dtypes.Float64)
	require.NoError(t, err)
	require.True(t, ok)
}
