package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 2, QueueSize: 16, Logger: zap.NewNop()})
	defer pool.Stop(time.Second)

	var ran int32
	for i := 0; i < 10; i++ {
		ok := pool.TrySubmit(Task{ID: "t", Fn: func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}})
		require.True(t, ok)
	}

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 10 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return pool.Stats().Completed == 10 }, time.Second, 5*time.Millisecond)
}

func TestWorkerPool_CountsFailuresAndPanics(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, QueueSize: 4})
	defer pool.Stop(time.Second)

	pool.TrySubmit(Task{ID: "err", Fn: func(ctx context.Context) error { return errors.New("boom") }})
	pool.TrySubmit(Task{ID: "panic", Fn: func(ctx context.Context) error { panic("boom") }})

	assert.Eventually(t, func() bool { return pool.Stats().Failed == 2 }, time.Second, 5*time.Millisecond)
}

func TestWorkerPool_RejectsWhenFullOrStopped(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, QueueSize: 1})

	block := make(chan struct{})
	started := make(chan struct{})
	require.True(t, pool.TrySubmit(Task{ID: "block", Fn: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started

	require.True(t, pool.TrySubmit(Task{ID: "queued", Fn: func(ctx context.Context) error { return nil }}))
	assert.False(t, pool.TrySubmit(Task{ID: "dropped", Fn: func(ctx context.Context) error { return nil }}))

	close(block)
	require.NoError(t, pool.Stop(time.Second))
	assert.False(t, pool.TrySubmit(Task{ID: "late", Fn: func(ctx context.Context) error { return nil }}))
	assert.GreaterOrEqual(t, pool.Stats().Rejected, uint64(2))
}
