// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool limits the number of goroutines used by the CPU kernels.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool keeps tabs on the goroutines started by the kernels, so that nested or concurrent
// calls don't oversubscribe the CPU.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	maxParallelism int

	mu         sync.Mutex
	numRunning int

	// extraParallelism is temporarily increased when a worker goes to sleep.
	extraParallelism atomic.Int32
}

// New returns a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return &Pool{maxParallelism: runtime.NumCPU()}
}

// IsEnabled returns whether parallelism is enabled (maxParallelism != 0).
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0).
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism is a soft-target for parallelism: 0 means parallelism is disabled, and -1 means
// it is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// It should only be changed before any work starts: changing it during the execution leads to
// undefined behavior.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// goroutineToParallelismRatio is the number of goroutines allowed per unit of maxParallelism, since
// some of them are usually waiting.
const goroutineToParallelismRatio = 2

// lockedIsFull returns whether all available workers are in use. It must be called with w.mu held.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= goroutineToParallelismRatio*w.maxParallelism+int(w.extraParallelism.Load())
}

// StartIfAvailable runs the task in a separate goroutine, if there are workers available.
// It returns true if it started the task, false otherwise.
//
// It's up to the caller to synchronize on the end of the task.
func (w *Pool) StartIfAvailable(task func()) bool {
	if w.IsUnlimited() {
		go task()
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.mu.Unlock()
	}()
	return true
}

// WorkerIsAsleep indicates the calling worker is going to wait for other workers, and it temporarily
// increases the number of available workers.
//
// Call WorkerRestarted when it is ready to run again.
func (w *Pool) WorkerIsAsleep() {
	w.extraParallelism.Add(1)
}

// WorkerRestarted indicates the calling worker is running again. It must follow a call to WorkerIsAsleep.
func (w *Pool) WorkerRestarted() {
	w.extraParallelism.Add(-1)
}

// ParallelFor splits the range [0, n) into chunks of at least minChunk elements and calls fn(start, end)
// for each of them, and returns when all chunks are done.
//
// Chunks are started in other goroutines while there are workers available, and run inline otherwise.
// The caller always runs the last chunk.
//
// If the pool is nil, parallelism is disabled, or n <= minChunk, fn(0, n) is called inline.
// fn must be safe to call concurrently on disjoint ranges.
func (w *Pool) ParallelFor(n, minChunk int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	minChunk = max(minChunk, 1)
	if w == nil || !w.IsEnabled() || n <= minChunk {
		fn(0, n)
		return
	}
	chunk := minChunk
	if !w.IsUnlimited() {
		// Don't create more chunks than there is parallelism to use.
		chunk = max(chunk, (n+w.maxParallelism-1)/w.maxParallelism)
	}
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		if end == n {
			fn(start, end)
			break
		}
		wg.Add(1)
		task := func() {
			fn(start, end)
			wg.Done()
		}
		if !w.StartIfAvailable(task) {
			task()
		}
	}
	w.WorkerIsAsleep()
	wg.Wait()
	w.WorkerRestarted()
}
