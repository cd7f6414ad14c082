package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonesrussell/north-cloud/product-ingest/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool_RejectsInvalidSize(t *testing.T) {
	t.Parallel()

	_, err := worker.NewPool(context.Background(), 0)
	require.ErrorIs(t, err, worker.ErrInvalidSize)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	const size = 3
	pool, err := worker.NewPool(context.Background(), size)
	require.NoError(t, err)

	var running, peak atomic.Int64
	for range 20 {
		submitErr := pool.Submit(context.Background(), func(context.Context) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		})
		require.NoError(t, submitErr)
	}
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(size))
	stats := pool.Stats()
	assert.Equal(t, int64(20), stats.TasksRun)
	assert.Equal(t, int64(20), stats.TasksSucceeded)
	assert.InDelta(t, 100.0, stats.SuccessRate(), 0.001)
}

func TestPool_CountsFailures(t *testing.T) {
	t.Parallel()

	pool, err := worker.NewPool(context.Background(), 2)
	require.NoError(t, err)

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { return nil }))
	pool.Wait()

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.TasksFailed)
	assert.Equal(t, int64(1), stats.TasksSucceeded)
}

func TestPool_SubmitHonoursContextWhenFull(t *testing.T) {
	t.Parallel()

	pool, err := worker.NewPool(context.Background(), 1)
	require.NoError(t, err)

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = pool.Submit(ctx, func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Wait()
}

func TestPool_CloseDrainsInFlightTasks(t *testing.T) {
	t.Parallel()

	pool, err := worker.NewPool(context.Background(), 2)
	require.NoError(t, err)

	var finished atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return nil
	}))

	require.NoError(t, pool.Close(context.Background()))
	assert.True(t, finished.Load())
	assert.Equal(t, worker.PoolStateStopped, pool.State())

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	require.ErrorIs(t, err, worker.ErrPoolNotRunning)
}

func TestPool_TasksSeeTaskContext(t *testing.T) {
	t.Parallel()

	taskCtx, cancel := context.WithCancel(context.Background())
	pool, err := worker.NewPool(taskCtx, 1)
	require.NoError(t, err)

	seen := make(chan error, 1)
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		seen <- ctx.Err()
		return ctx.Err()
	}))

	cancel()
	pool.Wait()
	assert.ErrorIs(t, <-seen, context.Canceled)
}
