package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerTicksAndStops(t *testing.T) {
	var ticks int64
	w := NewWorker(WorkerConfig{
		Name:     "test",
		Interval: 5 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			atomic.AddInt64(&ticks, 1)
			return nil
		},
	})

	require.NoError(t, w.Start(context.Background()))
	time.Sleep(40 * time.Millisecond)
	w.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt64(&ticks), int64(2))
	assert.False(t, w.IsRunning())
}

func TestWorkerErrorsDoNotStopLoop(t *testing.T) {
	var ticks int64
	var errs int64
	w := NewWorker(WorkerConfig{
		Name:     "failing",
		Interval: 5 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			atomic.AddInt64(&ticks, 1)
			return assertableErr
		},
		OnError: func(name string, err error) {
			atomic.AddInt64(&errs, 1)
		},
	})

	require.NoError(t, w.Start(context.Background()))
	time.Sleep(40 * time.Millisecond)
	w.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt64(&ticks), int64(2))
	assert.Equal(t, atomic.LoadInt64(&ticks), atomic.LoadInt64(&errs))
}

var assertableErr = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestWorkerGroupStartStop(t *testing.T) {
	g := NewWorkerGroup()
	var a, b int64
	g.AddFunc("a", 5*time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt64(&a, 1)
		return nil
	}, nil)
	g.AddFunc("b", 5*time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt64(&b, 1)
		return nil
	}, nil)

	require.NoError(t, g.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	g.Stop()

	assert.Greater(t, atomic.LoadInt64(&a), int64(0))
	assert.Greater(t, atomic.LoadInt64(&b), int64(0))
	for _, w := range g.Workers() {
		assert.False(t, w.IsRunning())
	}
}
