// Package workerpool provides the bounded goroutine pool every engine phase
// drains its work queue through. Each phase owns one pool so its width can be
// tuned independently.
package workerpool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool manages a fixed number of worker goroutines fed from a task queue.
type Pool struct {
	workers int32
	tasks   chan func()

	running   atomic.Int32
	completed atomic.Int64
	panics    atomic.Int64
	closed    atomic.Bool

	// OnPanic, when set, receives values recovered from tasks.
	onPanic func(any)

	startOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithPanicHandler registers fn to observe recovered task panics.
func WithPanicHandler(fn func(any)) Option {
	return func(p *Pool) { p.onPanic = fn }
}

// New creates a pool with the given number of workers.
// Workers start on the first Submit.
func New(workers int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		workers: int32(workers),
		tasks:   make(chan func(), workers*4),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pool) start() {
	for range p.workers {
		p.running.Add(1)
		p.wg.Add(1)
		go p.worker()
	}
}

// Submit queues a task, blocking while the queue is full.
// Returns false if the pool is closed.
func (p *Pool) Submit(task func()) bool {
	if p.closed.Load() {
		return false
	}
	p.startOnce.Do(p.start)
	p.tasks <- task
	return true
}

func (p *Pool) worker() {
	defer func() {
		p.running.Add(-1)
		p.wg.Done()
	}()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			if p.onPanic != nil {
				p.onPanic(r)
			}
		}
		p.completed.Add(1)
	}()
	if task != nil {
		task()
	}
}

// Cap returns the worker capacity.
func (p *Pool) Cap() int {
	return int(p.workers)
}

// Running returns the number of live workers.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Waiting returns the number of tasks waiting in the queue.
func (p *Pool) Waiting() int {
	return len(p.tasks)
}

// Completed returns the number of tasks that finished, panicked ones included.
func (p *Pool) Completed() int64 {
	return p.completed.Load()
}

// Panics returns the number of recovered task panics.
func (p *Pool) Panics() int64 {
	return p.panics.Load()
}

// Close stops accepting tasks and blocks until every queued task has run.
// This is the phase barrier: nothing downstream reads results before it.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.tasks)
	p.wg.Wait()
}

// IsClosed returns true if the pool is closed.
func (p *Pool) IsClosed() bool {
	return p.closed.Load()
}

// Map applies fn to each item on the pool and returns results in order.
// The pool is not closed.
func Map[T, R any](p *Pool, items []T, fn func(T) R) []R {
	results := make([]R, len(items))
	var wg sync.WaitGroup
	wg.Add(len(items))
	for i, item := range items {
		if !p.Submit(func() {
			defer wg.Done()
			results[i] = fn(item)
		}) {
			wg.Done()
		}
	}
	wg.Wait()
	return results
}
