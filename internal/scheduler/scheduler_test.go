package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/regulens/compliance-core/internal/domain"
	"github.com/regulens/compliance-core/internal/eventsink"
	"github.com/regulens/compliance-core/internal/obs/logging"
	"github.com/regulens/compliance-core/internal/store"
	"github.com/regulens/compliance-core/internal/store/memstore"
)

func testLogger() *logging.Logger { return logging.New("test", "error", "text") }

// TestScheduler_RetryThenDisable exercises S4: a handler that always fails
// transiently causes failure_count to climb and the task to auto-disable
// after max_failures, with the correct retry backoff offsets.
func TestScheduler_RetryThenDisable(t *testing.T) {
	st := memstore.New()
	sink := eventsink.NewRecordingSink()
	s := New(Config{MaxConcurrent: 2, TickInterval: 30 * time.Second, DefaultTimeout: time.Second}, st, sink, testLogger(), nil)
	s.RegisterHandler(domain.HandlerCustom, func(ctx context.Context, task domain.ScheduledTask) (map[string]any, error) {
		return nil, errors.New("boom")
	})

	ctx := context.Background()
	task := domain.ScheduledTask{
		ID: "t1", Name: "flaky", Kind: domain.HandlerCustom, Enabled: true,
		Interval: time.Minute, MaxFailures: 3, RetryDelayBase: time.Minute,
	}
	require.NoError(t, st.Upsert(ctx, store.TableScheduledTasks, task.ID, &task))

	for i := 0; i < 3; i++ {
		s.dispatch(ctx, fetchTask(t, st, "t1"))
		waitForIdle(s)
	}

	final := fetchTask(t, st, "t1")
	require.Equal(t, domain.ScheduledTaskDisabled, final.Status)
	require.False(t, final.Enabled)
	require.Equal(t, 3, final.FailureCount)
	require.Equal(t, 1, sink.Len())
	require.Equal(t, eventsink.SeverityWarning, sink.Events[0].Severity)
}

// TestScheduler_TimeoutCancelsHandler exercises S5: a handler that blocks
// past its timeout is cancelled and the task is marked failed.
func TestScheduler_TimeoutCancelsHandler(t *testing.T) {
	st := memstore.New()
	s := New(Config{MaxConcurrent: 2, TickInterval: 30 * time.Second}, st, nil, testLogger(), nil)
	started := make(chan struct{})
	s.RegisterHandler(domain.HandlerCustom, func(ctx context.Context, task domain.ScheduledTask) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx := context.Background()
	task := domain.ScheduledTask{
		ID: "t2", Name: "slow", Kind: domain.HandlerCustom, Enabled: true,
		Interval: time.Minute, MaxFailures: 5, RetryDelayBase: time.Second,
		Timeout: 50 * time.Millisecond,
	}
	require.NoError(t, st.Upsert(ctx, store.TableScheduledTasks, task.ID, &task))

	s.dispatch(ctx, task)
	<-started
	waitForIdle(s)

	final := fetchTask(t, st, "t2")
	require.Equal(t, domain.ScheduledTaskScheduled, final.Status) // rescheduled after first failure
	require.Equal(t, 1, final.FailureCount)
}

func TestScheduler_UnknownKindFailsWithNoHandler(t *testing.T) {
	st := memstore.New()
	s := New(Config{}, st, nil, testLogger(), nil)
	ctx := context.Background()
	task := domain.ScheduledTask{ID: "t3", Kind: "mystery", Enabled: true, Interval: time.Minute, MaxFailures: 5, RetryDelayBase: time.Second}
	require.NoError(t, st.Upsert(ctx, store.TableScheduledTasks, task.ID, &task))

	s.dispatch(ctx, task)
	waitForIdle(s)

	final := fetchTask(t, st, "t3")
	require.Equal(t, 1, final.FailureCount)
}

func TestScheduledTask_NextRetryDelay(t *testing.T) {
	task := domain.ScheduledTask{RetryDelayBase: time.Minute}
	task.FailureCount = 1
	require.Equal(t, time.Minute, task.NextRetryDelay())
	task.FailureCount = 2
	require.Equal(t, 2*time.Minute, task.NextRetryDelay())
	task.FailureCount = 3
	require.Equal(t, 4*time.Minute, task.NextRetryDelay())
}

func fetchTask(t *testing.T, st store.Store, id string) domain.ScheduledTask {
	t.Helper()
	var task domain.ScheduledTask
	require.NoError(t, st.GetByID(context.Background(), store.TableScheduledTasks, id, &task))
	return task
}

func waitForIdle(s *Scheduler) {
	for {
		s.mu.Lock()
		n := len(s.running)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
