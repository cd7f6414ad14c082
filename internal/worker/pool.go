// Package worker provides the bounded pool that processes pages and publish calls.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// PoolState represents the current state of the pool.
type PoolState int32

const (
	// PoolStateStopped means the pool does not accept tasks.
	PoolStateStopped PoolState = iota

	// PoolStateRunning means the pool accepts and runs tasks.
	PoolStateRunning

	// PoolStateDraining means the pool waits for in-flight tasks before stopping.
	PoolStateDraining

	poolPercentageMultiplier = 100
)

var (
	// ErrPoolNotRunning is returned by Submit once the pool stopped accepting work.
	ErrPoolNotRunning = errors.New("pool is not running")
	// ErrInvalidSize is returned for a non-positive pool size.
	ErrInvalidSize = errors.New("pool size must be positive")
)

// String returns the string representation of a pool state.
func (s PoolState) String() string {
	switch s {
	case PoolStateStopped:
		return "stopped"
	case PoolStateRunning:
		return "running"
	case PoolStateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Task is one unit of work. The context passed to it is the pool's task
// context, so tasks keep running when the submitter stops dispatching.
type Task func(ctx context.Context) error

// Pool runs at most Size tasks concurrently.
type Pool struct {
	size   int
	state  atomic.Int32
	sem    chan struct{} // Semaphore for bounded concurrency
	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once
	// mu orders Submit's wg.Add before Close's wg.Wait.
	mu sync.RWMutex

	taskCtx context.Context

	busy      atomic.Int64
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// NewPool creates a running pool. Tasks receive taskCtx; cancelling it is
// how callers abort in-flight work, separately from stopping dispatch.
func NewPool(taskCtx context.Context, size int) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	p := &Pool{
		size:    size,
		sem:     make(chan struct{}, size),
		stopCh:  make(chan struct{}),
		taskCtx: taskCtx,
	}
	p.state.Store(int32(PoolStateRunning))

	return p, nil
}

// Submit runs task on a free slot, blocking while all slots are busy.
// It returns ctx.Err() if ctx ends first and ErrPoolNotRunning after Close.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.State() != PoolStateRunning {
		return ErrPoolNotRunning
	}

	// Acquire semaphore (blocks if pool is full)
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return ErrPoolNotRunning
	}

	p.wg.Add(1)
	p.busy.Add(1)

	go func() {
		defer func() {
			p.busy.Add(-1)
			<-p.sem
			p.wg.Done()
		}()

		err := task(p.taskCtx)

		p.processed.Add(1)
		if err != nil {
			p.failed.Add(1)
		} else {
			p.succeeded.Add(1)
		}
	}()

	return nil
}

// Wait blocks until every submitted task returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close stops accepting tasks and waits for in-flight ones, or for ctx.
func (p *Pool) Close(ctx context.Context) error {
	p.once.Do(func() {
		p.state.Store(int32(PoolStateDraining))
		close(p.stopCh)
	})

	// Wait out submitters that already passed the state check.
	p.mu.Lock()
	p.mu.Unlock() //nolint:staticcheck // barrier

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.state.Store(int32(PoolStateStopped))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain worker pool: %w", ctx.Err())
	}
}

// State returns the current pool state.
func (p *Pool) State() PoolState {
	return PoolState(p.state.Load())
}

// Size returns the pool size.
func (p *Pool) Size() int {
	return p.size
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		State:          p.State(),
		PoolSize:       p.size,
		BusyWorkers:    int(p.busy.Load()),
		TasksRun:       p.processed.Load(),
		TasksSucceeded: p.succeeded.Load(),
		TasksFailed:    p.failed.Load(),
	}
}

// PoolStats holds statistics for the pool.
type PoolStats struct {
	State          PoolState
	PoolSize       int
	BusyWorkers    int
	TasksRun       int64
	TasksSucceeded int64
	TasksFailed    int64
}

// SuccessRate returns the success rate as a percentage.
func (s PoolStats) SuccessRate() float64 {
	if s.TasksRun == 0 {
		return 0
	}
	return float64(s.TasksSucceeded) / float64(s.TasksRun) * poolPercentageMultiplier
}

// Utilization returns the pool utilization as a percentage.
func (s PoolStats) Utilization() float64 {
	if s.PoolSize == 0 {
		return 0
	}
	return float64(s.BusyWorkers) / float64(s.PoolSize) * poolPercentageMultiplier
}
