// Package scheduler implements the Scheduler (C3): durable, cron-like
// execution of named recurring tasks with retry, timeout, and cooldown
// (§4.3).
package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/regulens/compliance-core/internal/domain"
	"github.com/regulens/compliance-core/internal/errs"
	"github.com/regulens/compliance-core/internal/eventsink"
	"github.com/regulens/compliance-core/internal/lifecycle"
	"github.com/regulens/compliance-core/internal/obs/logging"
	"github.com/regulens/compliance-core/internal/obs/metrics"
	"github.com/regulens/compliance-core/internal/store"
)

// Handler executes one ScheduledTask run and returns its result variables.
// Handlers are registered by HandlerKind (§4.3 "handler registry").
type Handler func(ctx context.Context, task domain.ScheduledTask) (map[string]any, error)

// Config controls the dispatcher (§4.3, §6 Scheduler config).
type Config struct {
	MaxConcurrent  int
	TickInterval   time.Duration
	DefaultTimeout time.Duration
}

// DefaultConfig matches §4.3's bound: tick period <= 30s.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 10, TickInterval: 15 * time.Second, DefaultTimeout: 5 * time.Minute}
}

// Scheduler is the single dispatcher loop over ScheduledTask rows, with one
// goroutine per due task (§4.3, §5).
type Scheduler struct {
	cfg      Config
	store    store.Store
	sink     eventsink.Sink
	log      *logging.Logger
	metrics  *metrics.Metrics
	worker   *lifecycle.Worker

	mu       sync.Mutex
	handlers map[domain.HandlerKind]Handler
	running  map[string]context.CancelFunc // task id -> cancel for in-flight execution (P5)
	sem      chan struct{}
}

// New constructs a Scheduler.
func New(cfg Config, st store.Store, sink eventsink.Sink, log *logging.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.TickInterval <= 0 || cfg.TickInterval > 30*time.Second {
		cfg.TickInterval = 15 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	s := &Scheduler{
		cfg:      cfg,
		store:    st,
		sink:     sink,
		log:      log,
		metrics:  m,
		handlers: make(map[domain.HandlerKind]Handler),
		running:  make(map[string]context.CancelFunc),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
	s.worker = lifecycle.NewWorker(lifecycle.WorkerConfig{
		Name:     "scheduler",
		Interval: cfg.TickInterval,
		Fn:       s.tick,
		OnError: func(name string, err error) {
			log.WithComponent("scheduler").WithError(err).Warn("tick failed, continuing")
		},
	})
	return s
}

// RegisterHandler binds a handler to a HandlerKind.
func (s *Scheduler) RegisterHandler(kind domain.HandlerKind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Start starts the dispatcher loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.worker.IsRunning() {
		return nil
	}
	return s.worker.Start(ctx)
}

// Stop stops the dispatcher loop and cancels the context of every in-flight
// execution. It returns without waiting for those handlers to return.
func (s *Scheduler) Stop() {
	s.worker.Stop()
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.running))
	for _, c := range s.running {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// tick implements §4.3's dispatch algorithm, run once per tick.
func (s *Scheduler) tick(ctx context.Context) error {
	var tasks []domain.ScheduledTask
	if err := s.store.QueryByIndex(ctx, store.TableScheduledTasks, "Enabled", true, &tasks); err != nil {
		return errs.Transient("query scheduled tasks", err)
	}

	now := time.Now()
	for i := range tasks {
		task := tasks[i]
		if task.Status == domain.ScheduledTaskRunning {
			s.checkTimeout(ctx, task, now)
			continue
		}
		if !s.due(task, now) {
			continue
		}
		if s.atCapacity() {
			continue // excess dues re-evaluated next tick
		}
		s.dispatch(ctx, task)
	}
	return nil
}

func (s *Scheduler) due(task domain.ScheduledTask, now time.Time) bool {
	if !task.Enabled {
		return false
	}
	if task.Status == domain.ScheduledTaskRunning {
		return false
	}
	return task.NextRun == nil || !now.Before(*task.NextRun)
}

func (s *Scheduler) atCapacity() bool {
	return len(s.sem) >= cap(s.sem)
}

// checkTimeout implements step 2 of §4.3's dispatch algorithm.
func (s *Scheduler) checkTimeout(ctx context.Context, task domain.ScheduledTask, now time.Time) {
	if task.LastRun == nil {
		return
	}
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	if now.Sub(*task.LastRun) <= timeout {
		return
	}
	s.mu.Lock()
	cancel, ok := s.running[task.ID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// dispatch marks a task running and spawns its executor goroutine (§4.3
// step 1).
func (s *Scheduler) dispatch(ctx context.Context, task domain.ScheduledTask) {
	now := time.Now()
	task.Status = domain.ScheduledTaskRunning
	task.LastRun = &now
	next := now.Add(task.Interval)
	task.NextRun = &next
	if err := s.store.Upsert(ctx, store.TableScheduledTasks, task.ID, &task); err != nil {
		s.log.WithComponent("scheduler").WithError(err).Warn("failed to persist pre-dispatch transition")
		return
	}

	s.sem <- struct{}{}
	execCtx, cancel := context.WithTimeout(context.Background(), s.timeoutOf(task))
	s.mu.Lock()
	s.running[task.ID] = cancel
	inFlight := len(s.running)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetScheduledTasksInFlight(inFlight)
	}

	go s.execute(execCtx, cancel, task)
}

func (s *Scheduler) timeoutOf(task domain.ScheduledTask) time.Duration {
	if task.Timeout > 0 {
		return task.Timeout
	}
	return s.cfg.DefaultTimeout
}

// execute runs the task's handler, persists the TaskExecution record, and
// applies the retry/disable/reschedule logic of §4.3.
func (s *Scheduler) execute(ctx context.Context, cancel context.CancelFunc, task domain.ScheduledTask) {
	defer func() {
		<-s.sem
		s.mu.Lock()
		delete(s.running, task.ID)
		s.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	execID := uuid.New().String()

	s.mu.Lock()
	handler, ok := s.handlers[task.Kind]
	s.mu.Unlock()

	var (
		result map[string]any
		runErr error
	)
	if !ok {
		runErr = errs.Validation("kind", "no_handler").WithDetail("kind", task.Kind)
	} else {
		result, runErr = s.runHandler(ctx, handler, task)
	}

	ended := time.Now()
	exec := domain.TaskExecution{
		ID: execID, ScheduledTaskID: task.ID, StartedAt: start, EndedAt: &ended,
		Duration: ended.Sub(start), Result: result,
	}

	if runErr != nil {
		exec.Status = domain.ScheduledTaskFailed
		exec.Error = runErr.Error()
	} else {
		exec.Status = domain.ScheduledTaskCompleted
	}
	_ = s.store.Upsert(context.Background(), store.TableTaskExecutions, execID, &exec)

	if s.metrics != nil {
		s.metrics.RecordScheduledTaskDispatch("compliance-core", string(task.Kind), string(exec.Status), exec.Duration)
	}

	if runErr == nil {
		task.Status = domain.ScheduledTaskScheduled
		task.FailureCount = 0
		_ = s.store.Upsert(context.Background(), store.TableScheduledTasks, task.ID, &task)
		return
	}

	s.handleFailure(task, runErr)
}

func (s *Scheduler) runHandler(ctx context.Context, h Handler, task domain.ScheduledTask) (map[string]any, error) {
	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errs.Fatal("handler panicked", nil)}
			}
		}()
		res, err := h(ctx, task)
		done <- outcome{result: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, errs.Timeout("scheduled task " + task.ID)
	case o := <-done:
		return o.result, o.err
	}
}

// handleFailure applies §4.3's retry-then-disable rules.
func (s *Scheduler) handleFailure(task domain.ScheduledTask, runErr error) {
	task.FailureCount++
	task.Status = domain.ScheduledTaskFailed

	if task.ShouldAutoDisable() {
		task.Enabled = false
		task.Status = domain.ScheduledTaskDisabled
		if s.metrics != nil {
			s.metrics.RecordScheduledTaskDisabled("compliance-core", string(task.Kind))
		}
		s.emitDisabledEvent(task)
	} else {
		delay := task.NextRetryDelay()
		next := time.Now().Add(delay)
		task.NextRun = &next
		task.Status = domain.ScheduledTaskScheduled
	}

	if err := s.store.Upsert(context.Background(), store.TableScheduledTasks, task.ID, &task); err != nil {
		s.log.WithComponent("scheduler").WithError(err).Warn("failed to persist post-failure transition")
	}
}

func (s *Scheduler) emitDisabledEvent(task domain.ScheduledTask) {
	if s.sink == nil {
		return
	}
	_ = s.sink.Emit(context.Background(), eventsink.Event{
		Kind:     "scheduled_task_disabled",
		Severity: eventsink.SeverityWarning,
		Subject:  "scheduled task auto-disabled after exceeding max failures",
		Body:     "task " + task.Name + " disabled after " + strconv.Itoa(task.FailureCount) + " consecutive failures",
		DedupKey: task.ID,
	})
}

// CancelTask cancels an in-flight execution and marks the task cancelled.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	cancel, running := s.running[taskID]
	s.mu.Unlock()
	if running {
		cancel()
	}

	var task domain.ScheduledTask
	if err := s.store.GetByID(ctx, store.TableScheduledTasks, taskID, &task); err != nil {
		return err
	}
	task.Status = domain.ScheduledTaskCancelled
	task.Enabled = false
	return s.store.Upsert(ctx, store.TableScheduledTasks, taskID, &task)
}

