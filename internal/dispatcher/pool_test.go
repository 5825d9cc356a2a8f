package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllTasks(t *testing.T) {
	pool := NewPool(PoolConfig{Workers: 4, QueueSize: 32}, zerolog.Nop())

	var count atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) { count.Add(1) }))
	}
	require.NoError(t, pool.Close(context.Background()))
	assert.Equal(t, int32(20), count.Load())
}

func TestPoolSaturation(t *testing.T) {
	pool := NewPool(PoolConfig{Workers: 1, QueueSize: 1, MaxConcurrency: 1}, zerolog.Nop())

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, pool.Submit(func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started

	require.NoError(t, pool.Submit(func(ctx context.Context) {}))
	assert.ErrorIs(t, pool.Submit(func(ctx context.Context) {}), ErrPoolSaturated)

	close(release)
	require.NoError(t, pool.Close(context.Background()))
}

func TestPoolMaxConcurrency(t *testing.T) {
	pool := NewPool(PoolConfig{Workers: 6, QueueSize: 16, MaxConcurrency: 2}, zerolog.Nop())

	var current, peak atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
		}))
	}
	require.NoError(t, pool.Close(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(0), current.Load())
}

func TestPoolClosedRejectsWork(t *testing.T) {
	pool := NewPool(PoolConfig{Workers: 1}, zerolog.Nop())
	require.NoError(t, pool.Close(context.Background()))
	require.NoError(t, pool.Close(context.Background()))

	assert.ErrorIs(t, pool.Submit(func(ctx context.Context) {}), ErrPoolClosed)
}

func TestPoolSurvivesPanickingTask(t *testing.T) {
	pool := NewPool(PoolConfig{Workers: 1, QueueSize: 4}, zerolog.Nop())

	var ran atomic.Bool
	require.NoError(t, pool.Submit(func(ctx context.Context) { panic("boom") }))
	require.NoError(t, pool.Submit(func(ctx context.Context) { ran.Store(true) }))
	require.NoError(t, pool.Close(context.Background()))

	assert.True(t, ran.Load())
}

func TestPoolCloseDeadlineCancelsTasks(t *testing.T) {
	pool := NewPool(PoolConfig{Workers: 1, QueueSize: 1}, zerolog.Nop())

	started := make(chan struct{})
	var cancelled atomic.Bool
	require.NoError(t, pool.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Close(ctx), context.DeadlineExceeded)
	assert.True(t, cancelled.Load())
}
