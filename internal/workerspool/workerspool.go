// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs tasks in goroutines, with a bound on how many run at the same time.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers. Start tasks with Go and wait for them with Wait.
type Pool struct {
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning decreases.
	numRunning int
	wg         sync.WaitGroup
}

// New returns a new Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{maxParallelism: runtime.NumCPU()}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism returns the maximum number of tasks running at the same time.
// 0 means tasks run inline, and -1 means unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maximum number of tasks running at the same time.
// It must be called before any task is started. It returns itself.
func (w *Pool) SetMaxParallelism(maxParallelism int) *Pool {
	w.maxParallelism = maxParallelism
	return w
}

// Go runs the task in a new goroutine, blocking until fewer than MaxParallelism tasks are running.
// If MaxParallelism is 0, the task is run inline.
func (w *Pool) Go(task func()) {
	if w.maxParallelism == 0 {
		task()
		return
	}
	w.wg.Add(1)
	if w.maxParallelism < 0 {
		go func() {
			defer w.wg.Done()
			task()
		}()
		return
	}

	w.mu.Lock()
	for w.numRunning >= w.maxParallelism {
		w.cond.Wait()
	}
	w.numRunning++
	w.mu.Unlock()
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// Wait until all tasks started with Go have finished.
func (w *Pool) Wait() {
	w.wg.Wait()
}
