// Package scheduler executes storage operations on a small fixed pool of
// workers and hands the result back to the caller synchronously.
//
// The pool is sized small on purpose: the manager assumes the embedding host
// runs its own scheduler and is responsible for parallelism across calls.
// A Pool is an explicitly constructed, explicitly owned resource; the shared
// process-wide pool returned by Shared lives for the process lifetime.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when work is submitted to a closed pool.
var ErrClosed = errors.New("scheduler: pool closed")

// DefaultWorkers is the worker count used when none is configured.
const DefaultWorkers = 4

// Pool is a bounded worker pool. All storage operations of all open indexes
// sharing the pool run on its workers.
type Pool struct {
	numWorkers int
	workCh     chan func()
	stopCh     chan struct{}
	wg         sync.WaitGroup
	closed     atomic.Bool
	submitMu   sync.RWMutex
}

// NewPool creates a pool with numWorkers goroutines.
// numWorkers <= 0 selects DefaultWorkers.
func NewPool(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = DefaultWorkers
	}

	p := &Pool{
		numWorkers: numWorkers,
		workCh:     make(chan func(), numWorkers*2),
		stopCh:     make(chan struct{}),
	}

	p.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			// Drain remaining work before exiting.
			for {
				select {
				case task, ok := <-p.workCh:
					if !ok {
						return
					}
					task()
				default:
					return
				}
			}
		case task, ok := <-p.workCh:
			if !ok {
				return
			}
			task()
		}
	}
}

// Submit enqueues a task and returns immediately.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if p.closed.Load() {
		return ErrClosed
	}

	select {
	case p.workCh <- task:
		return nil
	case <-p.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes fn on a pool worker and blocks until it completes, returning
// fn's error. This is the synchronous bridge the index manager is built on:
// enqueueing honors ctx, but once a worker picks the task up it runs to
// completion regardless of cancellation.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)

	if err := p.Submit(ctx, func() {
		done <- fn()
	}); err != nil {
		return err
	}

	return <-done
}

// Close shuts the pool down gracefully, waiting for in-flight work.
// Idempotent.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	p.submitMu.Lock()
	close(p.stopCh)
	close(p.workCh)
	p.submitMu.Unlock()

	p.wg.Wait()
}

var (
	sharedOnce sync.Once
	sharedPool *Pool
)

// Shared returns the process-wide pool, creating it on first use.
// It is never closed; its lifetime is the process lifetime.
func Shared() *Pool {
	sharedOnce.Do(func() {
		sharedPool = NewPool(DefaultWorkers)
	})
	return sharedPool
}
