// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a pool of workers used by op kernels to fan out work.
//
// Each interpreter owns its pool, so the parallelism of different interpreters can be configured
// independently.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits the number of goroutines running tasks in parallel.
type Pool struct {
	// maxParallelism is the limit of tasks running in parallel.
	// If 0 tasks run inline, if < 0 parallelism is unlimited.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning is decreased.
	numRunning     int
}

// New returns a new Pool with the given parallelism. If maxParallelism is 0, tasks are run inline.
// If it is negative, the parallelism is unlimited.
func New(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// NewDefault returns a new Pool with runtime.NumCPU() parallelism.
func NewDefault() *Pool {
	return New(runtime.NumCPU())
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0)
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism returns the limit of tasks running in parallel.
// If 0 parallelism is disabled, if -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// It should only be changed when no tasks are running: the interpreter only does it between invocations.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.maxParallelism = maxParallelism
	w.cond.Broadcast()
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// lockedRunTaskInGoroutine and keep tabs on w.numRunning.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// WaitToStart waits until there is a worker available to run the task.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	w.mu.Lock()
	for w.maxParallelism > 0 && w.numRunning >= w.maxParallelism {
		w.cond.Wait()
	}
	if w.maxParallelism == 0 {
		w.mu.Unlock()
		task()
		return
	}
	w.lockedRunTaskInGoroutine(task)
	w.mu.Unlock()
}

// StartIfAvailable runs the task in a separate goroutine, if there are enough workers left.
// It returns true if it found workers to run the function, false otherwise.
//
// It's up to the client to synchronize the end of the function execution.
func (w *Pool) StartIfAvailable(task func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.lockedRunTaskInGoroutine(task)
	return true
}

// ParallelFor splits the range [0, n) in chunks of at least minChunk elements, and calls fn(start, end)
// for each of them, using the available workers. The calling goroutine also works on chunks, so it
// never deadlocks even if the pool is saturated.
//
// It returns when all chunks are processed.
func (w *Pool) ParallelFor(n, minChunk int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	minChunk = max(minChunk, 1)
	numChunks := (n + minChunk - 1) / minChunk
	if w.maxParallelism > 0 {
		numChunks = min(numChunks, w.maxParallelism)
	}
	if numChunks <= 1 || !w.IsEnabled() {
		fn(0, n)
		return
	}
	chunkSize := (n + numChunks - 1) / numChunks
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		if end < n {
			wg.Add(1)
			task := func() {
				defer wg.Done()
				fn(start, end)
			}
			if w.StartIfAvailable(task) {
				continue
			}
			task()
			continue
		}
		// Last chunk runs in the calling goroutine.
		fn(start, end)
	}
	wg.Wait()
}
