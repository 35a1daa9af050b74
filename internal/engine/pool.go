package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rendis/plangraph/pkg/schema"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a closed pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// Pool is a bounded goroutine pool for one concurrent group. Work is admitted
// in submission order: Submit blocks the caller until a slot frees up, so a
// single submitting goroutine never lets a later task overtake an earlier one.
type Pool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewPool creates a pool with the given max concurrency.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit runs fn on its own goroutine once a slot is free. It blocks while
// the pool is at capacity and respects ctx and Close while waiting. A panic
// in fn is recovered and passed to onPanic as a STEP_FAILED error.
func (p *Pool) Submit(ctx context.Context, fn func() error, onPanic func(error)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Re-check closed after acquiring the slot, in case Close raced.
	// wg.Add(1) must happen under the lock to pair with Shutdown's wg.Wait().
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
				if onPanic != nil {
					onPanic(schema.NewErrorf(schema.ErrCodeStepFailed, "panic: %v", r))
				}
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()

	return nil
}

// Wait blocks until all admitted work completes.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close stops admission without waiting for running work. Pending and
// future Submit calls return ErrPoolShutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
}

// Shutdown closes the pool and waits for running work to complete.
func (p *Pool) Shutdown() {
	p.Close()
	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}

// runGroup runs tasks through a fresh pool of the given size and returns the
// first task error as soon as it happens. Once a task fails no further task
// starts; tasks already running finish in the background and their results
// are discarded by the caller. Tasks run with ctx, never with a context
// cancelled by a sibling failure.
func runGroup(ctx context.Context, size int, tasks []func(context.Context) error) (PoolMetrics, error) {
	pool := NewPool(size)

	var once sync.Once
	failed := make(chan error, 1)
	fail := func(err error) {
		once.Do(func() {
			failed <- err
			pool.Close()
		})
	}

	finished := make(chan error, 1)
	go func() {
		var submitErr error
		for _, task := range tasks {
			if err := ctx.Err(); err != nil {
				submitErr = err
				break
			}
			err := pool.Submit(ctx, func() error {
				err := task(ctx)
				if err != nil {
					fail(err)
				}
				return err
			}, fail)
			if err != nil {
				submitErr = err
				break
			}
		}
		pool.Wait()
		finished <- submitErr
	}()

	select {
	case err := <-failed:
		return pool.Metrics(), err
	case submitErr := <-finished:
		select {
		case err := <-failed:
			return pool.Metrics(), err
		default:
		}
		if submitErr != nil {
			if ctx.Err() != nil {
				return pool.Metrics(), cancelled(ctx)
			}
			return pool.Metrics(), fmt.Errorf("submit group task: %w", submitErr)
		}
		return pool.Metrics(), nil
	}
}
