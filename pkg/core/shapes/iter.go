// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import "iter"

// Iter iterates sequentially over all possible indices of the given shape, in row-major order (the
// last axis changes fastest).
//
// It yields the flat index (counter) and a slice of indices for each axis. The slice is owned by Iter
// and reused across iterations: don't change it inside the loop.
// Zero-sized shapes yield nothing.
func (s Shape) Iter() iter.Seq2[int, []int] {
	return func(yield func(int, []int) bool) {
		if !s.Ok() || s.IsZeroSize() {
			return
		}
		rank := s.Rank()
		indices := make([]int, rank)
		flatIdx := 0
	yielder:
		for {
			if !yield(flatIdx, indices) {
				return
			}
			flatIdx++
			for axis := rank - 1; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < s.Dimensions[axis] {
					continue yielder
				}
				indices[axis] = 0
			}
			// Every axis overflowed (or it is a scalar): iteration is complete.
			return
		}
	}
}
