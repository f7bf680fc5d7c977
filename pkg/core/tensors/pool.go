// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/layernorm/pkg/core/shapes"
	"github.com/pkg/errors"
)

type storagePoolKey struct {
	dtype  dtypes.DType
	length int
}

// storagePools maps storagePoolKey to a *sync.Pool of flat slices.
var storagePools sync.Map

// getStoragePool for given dtype/length.
func getStoragePool(dtype dtypes.DType, length int) *sync.Pool {
	key := storagePoolKey{dtype: dtype, length: length}
	poolInterface, ok := storagePools.Load(key)
	if !ok {
		poolInterface, _ = storagePools.LoadOrStore(key, &sync.Pool{
			New: func() any {
				return reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface()
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

// Empty returns a new contiguous tensor on the given device, whose storage is taken from a pool of buffers.
// Its contents are unspecified: they may hold values left by a previous user of the storage.
//
// Call Tensor.Release when the tensor is no longer needed, to return the storage to the pool.
func Empty(device Device, shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		panic(errors.New("invalid shape"))
	}
	flat := getStoragePool(shape.DType, shape.Size()).Get()
	t := newTensor(device, shape.Clone(), flat)
	t.pooled = true
	return t
}

// Release the tensor storage. If the storage was taken from the pool (see Empty), it is returned to it.
//
// Views sharing the storage (see Reshape, Transpose and WithDevice) must not be used after the
// original tensor is released. It is a no-op on a nil or already released tensor.
func (t *Tensor) Release() {
	if t == nil || t.flat == nil {
		return
	}
	if t.pooled {
		length := reflect.ValueOf(t.flat).Len()
		getStoragePool(t.shape.DType, length).Put(t.flat)
	}
	t.flat = nil
	t.pooled = false
}
