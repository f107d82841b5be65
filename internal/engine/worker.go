package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool is a bounded goroutine pool for concurrent execution runs.
// Run outcomes live on the execution rows, not here; the pool only tracks
// how many runs are in flight.
type WorkerPool struct {
	sem      chan struct{}
	wg       sync.WaitGroup
	inFlight atomic.Int64

	mu     sync.Mutex
	quit   chan struct{}
	closed bool
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:  make(chan struct{}, size),
		quit: make(chan struct{}),
	}
}

// Submit enqueues work into the pool. It blocks while the pool is at
// capacity (backpressure) and respects context cancellation while waiting.
// Returns ErrPoolShutdown if the pool has been shut down.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
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
	case <-p.quit:
		return ErrPoolShutdown
	}

	// Re-check closed after acquiring the slot, in case Shutdown raced.
	// wg.Add(1) MUST be inside the lock to prevent a race with Shutdown's
	// wg.Wait().
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.inFlight.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			// A panicking run must not kill the process or leak its slot;
			// the run itself already persisted whatever outcome it reached.
			_ = recover()
			p.inFlight.Add(-1)
			<-p.sem
			p.wg.Done()
		}()
		_ = fn(ctx)
	}()

	return nil
}

// InFlight reports how many runs are currently executing.
func (p *WorkerPool) InFlight() int {
	return int(p.inFlight.Load())
}

// Capacity reports the maximum number of concurrent runs.
func (p *WorkerPool) Capacity() int {
	return cap(p.sem)
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown gracefully stops the pool. It prevents new submissions and waits
// for all active work to complete.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()

	p.wg.Wait()
}
