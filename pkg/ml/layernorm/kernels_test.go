// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layernorm

import (
	"math/rand/v2"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/layernorm/backends"
	"github.com/gomlx/layernorm/backends/notimplemented"
	"github.com/gomlx/layernorm/backends/simplego"
	"github.com/gomlx/layernorm/pkg/core/shapes"
	"github.com/gomlx/layernorm/pkg/core/tensors"
	"github.com/janpfeifer/must"
)

// backwardCall records the arguments of a call to LayerNormBackward.
type backwardCall struct {
	m, n      int
	requested [3]bool
}

// countingKernel wraps the SimpleGo kernel and records the calls it receives.
type countingKernel struct {
	*simplego.Backend
	forwardCalls  int
	backwardCalls []backwardCall
}

func newCountingKernel() *countingKernel {
	return &countingKernel{Backend: must.M1(simplego.New(""))}
}

func (k *countingKernel) LayerNormForward(input *tensors.Tensor, gamma, beta tensors.Optional, m, n int, epsilon float64,
	output, mean, rstd *tensors.Tensor) error {
	k.forwardCalls++
	return k.Backend.LayerNormForward(input, gamma, beta, m, n, epsilon, output, mean, rstd)
}

func (k *countingKernel) LayerNormBackward(dOutput, input, mean, rstd *tensors.Tensor, gamma tensors.Optional, m, n int,
	dInput, dGamma, dBeta tensors.Optional) error {
	k.backwardCalls = append(k.backwardCalls, backwardCall{
		m: m, n: n,
		requested: [3]bool{dInput.IsPresent(), dGamma.IsPresent(), dBeta.IsPresent()},
	})
	return k.Backend.LayerNormBackward(dOutput, input, mean, rstd, gamma, m, n, dInput, dGamma, dBeta)
}

// failingKernel advertises the layer normalization operations, but fails all of them with ErrFn.
type failingKernel struct {
	notimplemented.Backend
}

func (k *failingKernel) Capabilities() backends.Capabilities {
	return simplego.Capabilities
}

// testDevice has the countingKernel registered, and it is used to test the registry lookup.
const testDevice tensors.Device = "layernorm_test"

func init() {
	backends.Register(testDevice, "counting", func(config string) (backends.Kernel, error) {
		return newCountingKernel(), nil
	})
}

// randomTensor returns a tensor with normally distributed values with the given dimensions.
func randomTensor[T float32 | float64](rng *rand.Rand, dims ...int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.FromGenericsType[T](), dims...))
	tensors.MutableFlatData(t, func(flat []T) {
		for ii := range flat {
			flat[ii] = T(rng.NormFloat64()*2 + 0.5)
		}
	})
	return t
}
