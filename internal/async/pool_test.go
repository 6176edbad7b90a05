package async

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/muzz-connect/internal/config"
	"github.com/oggyb/muzz-connect/internal/logger"
)

func TestPool_RunsDetachedFromCaller(t *testing.T) {
	p, err := New(config.AsyncConfig{PoolSize: 4, TaskTimeout: time.Second}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Release() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	p.Go(ctx, "detached", func(ctx context.Context) {
		if ctx.Err() == nil {
			ran.Store(true)
		}
	})

	assert.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)
}

func TestPool_RecoversPanics(t *testing.T) {
	p, err := New(config.AsyncConfig{PoolSize: 1, TaskTimeout: time.Second}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Release() })

	p.Go(context.Background(), "boom", func(context.Context) { panic("boom") })

	var ran atomic.Bool
	assert.Eventually(t, func() bool {
		p.Go(context.Background(), "after", func(context.Context) { ran.Store(true) })
		return ran.Load()
	}, time.Second, 10*time.Millisecond)
}

func TestPool_TaskTimeout(t *testing.T) {
	p, err := New(config.AsyncConfig{PoolSize: 1, TaskTimeout: 20 * time.Millisecond}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Release() })

	done := make(chan error, 1)
	p.Go(context.Background(), "slow", func(ctx context.Context) {
		<-ctx.Done()
		done <- ctx.Err()
	})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("task was not bounded by the timeout")
	}
}

func TestInline(t *testing.T) {
	var n int
	Inline{}.Go(context.Background(), "inc", func(context.Context) { n++ })
	Inline{}.Go(context.Background(), "panics", func(context.Context) { panic("x") })
	assert.Equal(t, 1, n)
}
