// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a `Tensor`, a representation of a dense multi-dimensional array.
//
// Tensors are multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large dimensions), defined
// by their shape (a data type and its axes dimensions), the device they are associated with, and their actual
// content, stored as a flat Go slice of the dtype.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - Zeros(device, shape) and Empty(device, shape): creates a tensor on the given device. Zeros initializes
//     the contents with zeros, while Empty takes the storage from a pool of buffers, and its contents are
//     left unspecified (whatever the previous user of the buffer left there).
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions, and set the flattened values with a copy of the given data. Example:
//
//     t := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromValue(value any): works with any arbitrary multidimensional slice of a supported dtype.
//     Slices of rank > 1 must be regular, that is all the sub-slices must have the same shape. Example:
//
//     t := FromValue([][]float64{{1,2}, {3, 5}, {7, 11}})
//
// Tensors created by the constructors are contiguous, in row-major order. Views created with Tensor.Transpose
// share the storage but are not contiguous: use Tensor.Contiguous to get a contiguous version (a copy is
// made only if needed). Tensor.Reshape and Tensor.WithDevice are metadata-only views of the same storage.
package tensors

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/layernorm/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Device is a tag that identifies where the data of a tensor lives, and which kernels can operate on it.
//
// The tensors package doesn't interpret it: it is carried along and used to select the kernels
// (see package backends).
type Device string

// CPU is the default device of tensors.
const CPU Device = "cpu"

// Tensor represents a dense multidimensional array, defined by its shape, a data type (dtypes.DType) and
// its axes' dimensions, and the actual content stored as a flat (1D) slice of values.
//
// The storage can be shared among views (see Reshape, Transpose and WithDevice): mutating the data of one
// view is visible on the others.
type Tensor struct {
	shape  shapes.Shape
	device Device

	// flat is a slice of the Go type corresponding to shape.DType. It may be larger than
	// the tensor, when it is a view.
	flat    any
	offset  int
	strides []int

	// pooled indicates the storage came from the buffers pool, and can be returned with Release.
	pooled bool
}

// newTensor returns a contiguous Tensor backed by flat.
func newTensor(device Device, shape shapes.Shape, flat any) *Tensor {
	return &Tensor{
		shape:   shape,
		device:  device,
		flat:    flat,
		strides: shape.Strides(),
	}
}

func makeFlat(dtype dtypes.DType, size int) any {
	return reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), size, size).Interface()
}

// FromShape returns a Tensor on the CPU device with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	return Zeros(CPU, shape)
}

// Zeros returns a new tensor on the given device with the data initialized with zeros.
func Zeros(device Device, shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		panic(errors.New("invalid shape"))
	}
	return newTensor(device, shape.Clone(), makeFlat(shape.DType, shape.Size()))
}

// FromFlatDataAndDimensions creates a tensor on the CPU device with the given dimensions, filled with a copy
// of the given flat values.
//
// It panics if len(data) doesn't match the number of elements of the given dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions: got %d values, but dimensions %v require %d values",
			len(data), dimensions, shape.Size())
	}
	t := Zeros(CPU, shape)
	copy(t.flat.([]T), data)
	return t
}

// FromScalarAndDimensions creates a tensor on the CPU device with the given dimensions, filled with value.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	t := Zeros(CPU, shapes.Make(dtypes.FromGenericsType[T](), dimensions...))
	flat := t.flat.([]T)
	for ii := range flat {
		flat[ii] = value
	}
	return t
}

// FromValue converts a scalar or a multidimensional slice of a supported dtype to a tensor on the CPU device.
// The multidimensional slice must be regular: all sub-slices of the same level have the same length.
//
// It panics if the value is not supported.
func FromValue(value any) *Tensor {
	if t, ok := value.(*Tensor); ok {
		return t
	}
	v := reflect.ValueOf(value)
	var dimensions []int
	elemType := v.Type()
	for elemType.Kind() == reflect.Slice {
		elemType = elemType.Elem()
	}
	dtype := dtypes.FromGoType(elemType)
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("FromValue: type %T not supported", value)
	}
	for probe := v; probe.Kind() == reflect.Slice; {
		dimensions = append(dimensions, probe.Len())
		if probe.Len() == 0 {
			for probe.Type().Elem().Kind() == reflect.Slice {
				dimensions = append(dimensions, 0)
				probe = reflect.New(probe.Type().Elem()).Elem()
			}
			break
		}
		probe = probe.Index(0)
	}
	t := Zeros(CPU, shapes.Make(dtype, dimensions...))
	flatV := reflect.ValueOf(t.flat)
	pos := 0
	var fill func(v reflect.Value, depth int)
	fill = func(v reflect.Value, depth int) {
		if depth == len(dimensions) {
			flatV.Index(pos).Set(v)
			pos++
			return
		}
		if v.Len() != dimensions[depth] {
			exceptions.Panicf("FromValue: irregular slice at depth %d: got length %d, wanted %d",
				depth, v.Len(), dimensions[depth])
		}
		for ii := range v.Len() {
			fill(v.Index(ii), depth+1)
		}
	}
	fill(v, 0)
	return t
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
// It is a shortcut to `Tensor.Shape().DType`.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the rank of the tensor's shape.
// It is a shortcut to `Tensor.Shape().Rank()`.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor.
// It is a shortcut to `Tensor.Shape().Size()`.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor. An alias to Tensor.Shape().Memory().
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Device the tensor is associated with.
func (t *Tensor) Device() Device { return t.device }

// Ok returns whether the Tensor is in a valid state: it is not nil, and it hasn't been released.
func (t *Tensor) Ok() bool {
	return t != nil && t.shape.Ok() && t.flat != nil
}

// AssertValid panics if t is nil, if its shape is invalid or if it has been released.
func (t *Tensor) AssertValid() {
	if t == nil {
		panic(errors.New("Tensor is nil"))
	}
	if !t.shape.Ok() {
		panic(errors.New("Tensor shape is invalid"))
	}
	if t.flat == nil {
		panic(errors.New("Tensor storage has been released"))
	}
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if !t.Ok() {
		return "Tensor(invalid)"
	}
	return fmt.Sprintf("Tensor%s@%s", t.shape, t.device)
}

// Strides returns the strides (in number of elements, not bytes) of each axis of the tensor view.
func (t *Tensor) Strides() []int { return slices.Clone(t.strides) }

// IsContiguous returns whether the tensor elements are stored in row-major order without gaps.
// Axes of dimension 1 are ignored, since their stride is irrelevant.
func (t *Tensor) IsContiguous() bool {
	expected := 1
	for axis := t.Rank() - 1; axis >= 0; axis-- {
		dim := t.shape.Dimensions[axis]
		if dim == 0 {
			return true
		}
		if dim != 1 && t.strides[axis] != expected {
			return false
		}
		expected *= dim
	}
	return true
}

// WithDevice returns a view of the tensor (sharing the same storage) associated with the given device.
func (t *Tensor) WithDevice(device Device) *Tensor {
	t.AssertValid()
	view := *t
	view.device = device
	view.shape = t.shape.Clone()
	view.strides = slices.Clone(t.strides)
	view.pooled = false
	return &view
}

// Reshape returns a view of the tensor (sharing the same storage) with the new dimensions.
// It is a metadata-only operation: no data is copied.
//
// It returns an error if the tensor is not contiguous or if the number of elements differs.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	t.AssertValid()
	if !t.IsContiguous() {
		return nil, errors.Errorf("Tensor.Reshape(%v): tensor %s is not contiguous", dimensions, t)
	}
	for _, dim := range dimensions {
		if dim < 0 {
			return nil, errors.Errorf("Tensor.Reshape(%v): negative dimension", dimensions)
		}
	}
	newShape := shapes.Make(t.shape.DType, dimensions...)
	if newShape.Size() != t.Size() {
		return nil, errors.Errorf("Tensor.Reshape(%v): tensor %s has %d elements, new dimensions have %d",
			dimensions, t, t.Size(), newShape.Size())
	}
	return &Tensor{
		shape:   newShape,
		device:  t.device,
		flat:    t.flat,
		offset:  t.offset,
		strides: newShape.Strides(),
	}, nil
}

// Transpose returns a view of the tensor (sharing the same storage) with the axes permuted:
// axis `i` of the result is axis `permutation[i]` of t. The result is usually not contiguous.
func (t *Tensor) Transpose(permutation ...int) *Tensor {
	t.AssertValid()
	rank := t.Rank()
	if len(permutation) != rank {
		exceptions.Panicf("Tensor.Transpose(%v): permutation must have %d axes", permutation, rank)
	}
	used := make([]bool, rank)
	dims := make([]int, rank)
	strides := make([]int, rank)
	for ii, axis := range permutation {
		if axis < 0 || axis >= rank || used[axis] {
			exceptions.Panicf("Tensor.Transpose(%v): invalid permutation for rank %d", permutation, rank)
		}
		used[axis] = true
		dims[ii] = t.shape.Dimensions[axis]
		strides[ii] = t.strides[axis]
	}
	return &Tensor{
		shape:   shapes.Make(t.shape.DType, dims...),
		device:  t.device,
		flat:    t.flat,
		offset:  t.offset,
		strides: strides,
	}
}

// Contiguous returns t itself if it is already contiguous, otherwise it returns a new contiguous
// copy of the tensor (on the same device). The original tensor is never modified.
func (t *Tensor) Contiguous() *Tensor {
	t.AssertValid()
	if t.IsContiguous() {
		return t
	}
	return t.Clone()
}

// Clone returns a new contiguous copy of the tensor, on the same device.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	clone := Zeros(t.device, t.shape)
	if t.IsContiguous() {
		reflect.Copy(reflect.ValueOf(clone.flat), reflect.ValueOf(t.contiguousFlat()))
		return clone
	}
	switch src := t.flat.(type) {
	case []float32:
		gatherStrided(t, src, clone.flat.([]float32))
	case []float64:
		gatherStrided(t, src, clone.flat.([]float64))
	default:
		srcV, dstV := reflect.ValueOf(t.flat), reflect.ValueOf(clone.flat)
		for flatIdx, indices := range t.shape.Iter() {
			dstV.Index(flatIdx).Set(srcV.Index(t.storageIndex(indices)))
		}
	}
	return clone
}

// gatherStrided copies the elements of the strided view t (backed by src) in row-major order to dst.
func gatherStrided[T any](t *Tensor, src, dst []T) {
	for flatIdx, indices := range t.shape.Iter() {
		dst[flatIdx] = src[t.storageIndex(indices)]
	}
}

// storageIndex returns the position in the storage of the element at the given indices.
func (t *Tensor) storageIndex(indices []int) int {
	pos := t.offset
	for axis, idx := range indices {
		pos += idx * t.strides[axis]
	}
	return pos
}

// contiguousFlat returns the slice of the storage holding the tensor. It must be contiguous.
func (t *Tensor) contiguousFlat() any {
	return reflect.ValueOf(t.flat).Slice(t.offset, t.offset+t.Size()).Interface()
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType type.
// Even scalar values have a flattened data representation of one element.
//
// This provides accessFn with the actual Tensor data (not a copy): it should not be changed.
// See Tensor.MutableFlatData to access a mutable version of the flat data.
//
// It panics if the tensor is in an invalid state (if it was released), or if it is not contiguous.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.AssertValid()
	if !t.IsContiguous() {
		exceptions.Panicf("ConstFlatData: tensor %s is not contiguous, use Tensor.Contiguous() first", t)
	}
	accessFn(t.contiguousFlat())
}

// MutableFlatData calls accessFn with a flat slice pointing to the Tensor data. The type of the slice corresponds
// to the DType of the tensor. The contents of the slice itself can be changed.
//
// It panics if the tensor is in an invalid state (if it was released), or if it is not contiguous.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	t.ConstFlatData(accessFn)
}

// ConstFlatData calls accessFn with the flattened data as a slice of T.
// It is the "generics" version of Tensor.ConstFlatData().
//
// It panics if T doesn't match the tensor DType, or if the tensor is not contiguous.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("ConstFlatData[%T] is incompatible with Tensor's dtype %s -- expected dtype %s",
			v, t.shape.DType, dtypes.FromGenericsType[T]())
	}
	t.ConstFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// MutableFlatData calls accessFn with a flat slice of T pointing to the Tensor data.
// It is the "generics" version of Tensor.MutableFlatData().
//
// It panics if T doesn't match the tensor DType, or if the tensor is not contiguous.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("MutableFlatData[%T] is incompatible with Tensor's dtype %s",
			v, t.shape.DType)
	}
	t.MutableFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// CopyFlatData returns a copy of the flat data of the Tensor, in row-major order.
// It works also for non-contiguous tensors.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var flatCopy []T
	ConstFlatData(t.Contiguous(), func(flat []T) {
		flatCopy = slices.Clone(flat)
	})
	return flatCopy
}

// Value returns a multidimensional slice (except if shape is a scalar) containing a copy of the values stored
// in the tensor.
// This is expensive, and usually only used for smaller tensors in tests and to print results.
func (t *Tensor) Value() any {
	var mdSlice any
	t.Contiguous().ConstFlatData(func(flat any) {
		srcV := reflect.ValueOf(flat)
		if t.shape.IsScalar() {
			mdSlice = srcV.Index(0).Interface()
			return
		}
		flatCopyV := reflect.MakeSlice(srcV.Type(), srcV.Len(), srcV.Len())
		reflect.Copy(flatCopyV, srcV)
		mdSlice = convertDataToSlices(flatCopyV, t.shape.Dimensions...).Interface()
	})
	return mdSlice
}

// convertDataToSlices takes a flat slice and creates the sub-slices, pointing to the flat data.
func convertDataToSlices(dataV reflect.Value, dimensions ...int) reflect.Value {
	if len(dimensions) <= 1 {
		return dataV
	}
	numParts := dimensions[0]
	sliceType := dataV.Type()
	for range len(dimensions) - 1 {
		sliceType = reflect.SliceOf(sliceType)
	}
	partsV := reflect.MakeSlice(sliceType, numParts, numParts)
	if numParts == 0 {
		return partsV
	}
	partSize := dataV.Len() / numParts
	for ii := range numParts {
		partV := dataV.Slice(ii*partSize, (ii+1)*partSize)
		partsV.Index(ii).Set(convertDataToSlices(partV, dimensions[1:]...))
	}
	return partsV
}
