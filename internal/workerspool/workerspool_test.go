// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_StartIfAvailable(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(1)
	require.True(t, pool.IsEnabled())
	require.False(t, pool.IsUnlimited())

	// With maxParallelism=1, up to goroutineToParallelismRatio tasks can run at the same time.
	release := make(chan struct{})
	var wg sync.WaitGroup
	for range goroutineToParallelismRatio {
		wg.Add(1)
		require.True(t, pool.StartIfAvailable(func() {
			<-release
			wg.Done()
		}))
	}
	require.False(t, pool.StartIfAvailable(func() {}))

	// A sleeping worker frees one extra slot.
	pool.WorkerIsAsleep()
	wg.Add(1)
	require.True(t, pool.StartIfAvailable(func() {
		<-release
		wg.Done()
	}))
	pool.WorkerRestarted()
	close(release)
	wg.Wait()

	// Disabled pool never starts anything.
	pool.SetMaxParallelism(0)
	require.False(t, pool.IsEnabled())
	require.False(t, pool.StartIfAvailable(func() {}))
}

func TestPool_ParallelFor(t *testing.T) {
	for _, parallelism := range []int{-1, 0, 1, 4} {
		pool := New()
		pool.SetMaxParallelism(parallelism)
		for _, n := range []int{0, 1, 7, 100, 1001} {
			visited := make([]int32, n)
			pool.ParallelFor(n, 8, func(start, end int) {
				for ii := start; ii < end; ii++ {
					atomic.AddInt32(&visited[ii], 1)
				}
			})
			for ii, v := range visited {
				require.Equalf(t, int32(1), v, "parallelism=%d, n=%d: element %d visited %d times",
					parallelism, n, ii, v)
			}
		}
	}

	// A nil pool runs inline.
	var nilPool *Pool
	var calls int
	nilPool.ParallelFor(10, 1, func(start, end int) {
		calls++
		assert.Equal(t, 0, start)
		assert.Equal(t, 10, end)
	})
	assert.Equal(t, 1, calls)
}

func TestPool_ParallelForSaturated(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(2)
	release := make(chan struct{})
	var wg sync.WaitGroup
	for range 2 * goroutineToParallelismRatio {
		wg.Add(1)
		require.True(t, pool.StartIfAvailable(func() {
			<-release
			wg.Done()
		}))
	}

	// All workers are busy: the chunks run inline, and ParallelFor still completes.
	var sum atomic.Int64
	pool.ParallelFor(100, 10, func(start, end int) {
		for ii := start; ii < end; ii++ {
			sum.Add(int64(ii))
		}
	})
	assert.Equal(t, int64(99*100/2), sum.Load())
	close(release)
	wg.Wait()
}
