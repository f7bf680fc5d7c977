// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/layernorm/pkg/core/shapes"
)

// Optional holds a tensor that may be absent. The zero value is an absent tensor.
//
// It is used for optional operands (like the scale and bias of a normalization) and for outputs
// that may not be requested.
type Optional struct {
	t *Tensor
}

// Some returns a present Optional holding t. It panics if t is nil: use None for absent tensors.
func Some(t *Tensor) Optional {
	if t == nil {
		exceptions.Panicf("tensors.Some(nil): use tensors.None() for an absent tensor")
	}
	return Optional{t: t}
}

// None returns an absent Optional.
func None() Optional { return Optional{} }

// IsPresent returns whether the Optional holds a tensor.
func (o Optional) IsPresent() bool { return o.t != nil }

// Get returns the tensor held, or nil if absent.
func (o Optional) Get() *Tensor { return o.t }

// Shape returns the shape of the tensor held, or an invalid shape if absent.
func (o Optional) Shape() shapes.Shape {
	if o.t == nil {
		return shapes.Invalid()
	}
	return o.t.Shape()
}

// String implements fmt.Stringer.
func (o Optional) String() string {
	if o.t == nil {
		return "None"
	}
	return o.t.String()
}

// Release the tensor held, if present.
func (o Optional) Release() {
	if o.t != nil {
		o.t.Release()
	}
}
