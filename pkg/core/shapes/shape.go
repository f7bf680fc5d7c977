// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and associated tools.
//
// Shape represents the shape (rank, dimensions and DType) of a Tensor. DType indicates the type of the
// unit element of a Tensor, and it is the enumeration defined in github.com/gomlx/gopjrt/dtypes.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a Tensor.
//   - Axis: is the index of a dimension on a multidimensional Tensor. Sometimes used
//     interchangeably with Dimension, but here we try to refer to a dimension index as "axis"
//     (plural axes), and its size as its dimension.
//   - Dimension: the size of a multi-dimensions Tensor in one of its axes.
//   - Scalar: is a shape where there are no axes (or dimensions), only a single value
//     of the associated DType.
//   - Zero-sized: a shape where at least one axis has dimension 0. It holds no elements, and
//     it is used to represent an empty batch.
//
// Example: The multi-dimensional array `[][]float32{{0, 1, 2}, {3, 4, 5}}` if converted to a Tensor
// would have shape `(Float32)[2 3]`. We say it has rank 2 (so 2 axes), axis 0 has
// dimension 2, and axis 1 has dimension 3. This shape could be created with
// `shapes.Make(dtypes.Float32, 2, 3)`.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape represents the shape of a Tensor.
//
// Use Make to create a new shape. See example in package shapes documentation.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
//
// Dimensions can be 0 (an empty axis), but it panics for negative dimensions.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension < 0", s)
		}
	}
	return s
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// IsZeroSize returns whether any of the axes has dimension 0, in which case the shape holds no elements.
func (s Shape) IsZeroSize() bool {
	return slices.Contains(s.Dimensions, 0)
}

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the memory used to store an array of the given shape, the same as the size in bytes.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	return s.EqualDimensions(s2)
}

// EqualDimensions compares two shapes for equality of dimensions. Dtypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}

// Reshape returns a new shape with the same DType and the given dimensions.
//
// It panics if the number of elements differs.
func (s Shape) Reshape(dimensions ...int) Shape {
	s2 := Make(s.DType, dimensions...)
	if s2.Size() != s.Size() {
		exceptions.Panicf("Shape.Reshape(%v): shape %s has %d elements, new dimensions have %d",
			dimensions, s, s.Size(), s2.Size())
	}
	return s2
}

// Strides returns the strides for each axis of the shape, assuming a "row-major" layout
// in memory.
//
// Notice the strides are **not in bytes**, but in indices.
func (s Shape) Strides() (strides []int) {
	rank := s.Rank()
	if rank == 0 {
		return
	}
	strides = make([]int, rank)
	currentStride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = currentStride
		currentStride *= max(s.Dimensions[axis], 1)
	}
	return
}

// HasTrailingDimensions returns whether the last len(dimensions) axes of the shape match exactly the
// given dimensions. An empty list of dimensions is trivially a suffix of any shape.
func (s Shape) HasTrailingDimensions(dimensions []int) bool {
	if len(dimensions) > s.Rank() {
		return false
	}
	return slices.Equal(s.Dimensions[s.Rank()-len(dimensions):], dimensions)
}

// SplitAt returns the product of the dimensions before axis (outer size) and from axis on (inner size).
// It panics if axis is out of the range [0, rank].
func (s Shape) SplitAt(axis int) (outerSize, innerSize int) {
	if axis < 0 || axis > s.Rank() {
		exceptions.Panicf("Shape.SplitAt(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	outerSize, innerSize = 1, 1
	for _, dim := range s.Dimensions[:axis] {
		outerSize *= dim
	}
	for _, dim := range s.Dimensions[axis:] {
		innerSize *= dim
	}
	return
}
