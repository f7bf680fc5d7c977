// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package notimplemented implements a backends.Kernel interface that returns a "Not implemented"
// error for all operations.
//
// This can help bootstrap any kernel implementation, and it can be used to create mock kernels in tests.
package notimplemented

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/layernorm/backends"
	"github.com/gomlx/layernorm/pkg/core/tensors"
	"github.com/pkg/errors"
)

// NotImplementedError is returned by every method.
//
// It doesn't contain a stack, attach a stack to it with errors.Wrapf(NotImplementedError, "...") when using it.
var NotImplementedError = backends.ErrNotImplemented

// Backend is a dummy kernel that can be embedded to create mock kernels.
type Backend struct {
	// ErrFn is called to generate the error returned, if not nil.
	// Otherwise NotImplementedError is returned, wrapped with the name of the operation.
	ErrFn func(op backends.OpType) error
}

var _ backends.Kernel = &Backend{}

// baseErrFn returns the error corresponding to the op.
// It falls back to Backend.ErrFn if it is defined.
func (b *Backend) baseErrFn(op backends.OpType) error {
	if b.ErrFn == nil {
		return errors.Wrapf(NotImplementedError, "%s", op)
	}
	return b.ErrFn(op)
}

// Name returns the short name of the kernel.
func (b *Backend) Name() string {
	return "notimplemented"
}

// String returns the same as Name.
func (b *Backend) String() string {
	return b.Name()
}

// Description is a longer description of the kernel.
func (b *Backend) Description() string {
	return "Not Implemented Kernel (mock kernel for testing)"
}

// Capabilities returns empty capabilities.
func (b *Backend) Capabilities() backends.Capabilities {
	return backends.Capabilities{
		Operations: make(map[backends.OpType]bool),
		DTypes:     make(map[dtypes.DType]bool),
	}
}

// LayerNormForward implements backends.Kernel.
func (b *Backend) LayerNormForward(input *tensors.Tensor, gamma, beta tensors.Optional, m, n int, epsilon float64,
	output, mean, rstd *tensors.Tensor) error {
	return b.baseErrFn(backends.OpTypeLayerNormForward)
}

// LayerNormBackward implements backends.Kernel.
func (b *Backend) LayerNormBackward(dOutput, input, mean, rstd *tensors.Tensor, gamma tensors.Optional, m, n int,
	dInput, dGamma, dBeta tensors.Optional) error {
	return b.baseErrFn(backends.OpTypeLayerNormBackward)
}

// Finalize is a no-op.
func (b *Backend) Finalize() {}
