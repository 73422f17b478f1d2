// Package scheduler implements the task scheduler of spec.md 4.C: named
// task registration, one-shot/periodic/immediate execution, a bounded
// worker pool, retries, timeouts, and single-flight periodic dispatch. The
// master tick is driven by robfig/cron (the teacher's own go.mod carries
// it as a direct dependency without ever wiring it into a file); this
// package is that wiring.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/jstittsworth/wagering-core/internal/apperr"
)

// Status is an execution's lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Callable is the unit of work a registered task performs. It must observe
// ctx cancellation cooperatively for timeouts and shutdown to work.
type Callable func(ctx context.Context) (interface{}, error)

// taskDef is a registered, named task.
type taskDef struct {
	name       string
	callable   Callable
	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration
}

// ScheduledTask is a registered one-shot or periodic schedule.
type ScheduledTask struct {
	ID        string
	TaskName  string
	Periodic  bool
	Interval  time.Duration
	Jitter    time.Duration
	NextRun   time.Time
	Enabled   bool
	CreatedAt time.Time
}

// Execution records one run of a task, per spec.md 4.C.
type Execution struct {
	ID           string
	TaskName     string
	Status       Status
	StartedAt    *time.Time
	CompletedAt  *time.Time
	RetryCount   int
	ErrorMessage string
	Result       interface{}
	CreatedAt    time.Time
}

// Config bounds the scheduler's resources.
type Config struct {
	Workers      int
	QueueDepth   int
	TickInterval time.Duration
	EnqueueRate  float64 // tokens/sec; 0 disables rate limiting
}

func DefaultConfig() Config {
	return Config{
		Workers:      10,
		QueueDepth:   1000,
		TickInterval: 5 * time.Second,
		EnqueueRate:  0,
	}
}

type job struct {
	execution *Execution
	task      *taskDef
}

// Scheduler is the process-singleton task runner. Per spec.md §9 it must
// expose explicit Start/Shutdown entry points; tests construct a fresh
// instance per test.
type Scheduler struct {
	cfg Config
	log *logrus.Entry

	mu         sync.RWMutex
	tasks      map[string]*taskDef
	scheduled  map[string]*ScheduledTask
	executions map[string]*Execution
	inFlight   map[string]bool // task name -> periodic tick currently queued/running

	queue   chan job
	limiter *rate.Limiter
	cron    *cron.Cron
	cronIDs map[string]cron.EntryID

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg Config, log *logrus.Entry) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1000
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	s := &Scheduler{
		cfg:        cfg,
		log:        log,
		tasks:      make(map[string]*taskDef),
		scheduled:  make(map[string]*ScheduledTask),
		executions: make(map[string]*Execution),
		inFlight:   make(map[string]bool),
		queue:      make(chan job, cfg.QueueDepth),
		cronIDs:    make(map[string]cron.EntryID),
	}
	if cfg.EnqueueRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.EnqueueRate), int(cfg.EnqueueRate))
	}
	return s
}

// Register adds a named task definition. Calling Register twice with the
// same name replaces the definition (idempotent upsert).
func (s *Scheduler) Register(name string, callable Callable, maxRetries int, retryDelay, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[name] = &taskDef{
		name:       name,
		callable:   callable,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		timeout:    timeout,
	}
}

// Start launches the worker pool and the cron-driven periodic tick.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.TickInterval)
	id, err := s.cron.AddFunc(spec, func() { s.tick(ctx) })
	if err != nil && s.log != nil {
		s.log.WithError(err).Error("failed to register scheduler master tick")
	} else {
		s.cronIDs["master-tick"] = id
	}
	s.cron.Start()
}

// Shutdown stops accepting new ticks and waits for in-flight work.
func (s *Scheduler) Shutdown(ctx context.Context) {
	if s.cron != nil {
		cronCtx := s.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// ScheduleOnce runs the named task once after delay.
func (s *Scheduler) ScheduleOnce(name string, delay time.Duration) (string, error) {
	s.mu.RLock()
	_, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return "", apperr.New(apperr.KindNotFound, "no registered task: "+name)
	}

	id := uuid.NewString()
	st := &ScheduledTask{ID: id, TaskName: name, Periodic: false, NextRun: time.Now().Add(delay), Enabled: true, CreatedAt: time.Now()}
	s.mu.Lock()
	s.scheduled[id] = st
	s.mu.Unlock()

	time.AfterFunc(delay, func() {
		s.enqueue(name)
	})
	return id, nil
}

// SchedulePeriodic runs the named task every interval+jitter, after an
// initial delay. The schedule can be Enabled=false without deleting it.
func (s *Scheduler) SchedulePeriodic(name string, delay, interval, jitter time.Duration) (string, error) {
	s.mu.RLock()
	_, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return "", apperr.New(apperr.KindNotFound, "no registered task: "+name)
	}

	id := uuid.NewString()
	st := &ScheduledTask{
		ID: id, TaskName: name, Periodic: true,
		Interval: interval, Jitter: jitter,
		NextRun: time.Now().Add(delay), Enabled: true, CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.scheduled[id] = st
	s.mu.Unlock()
	return id, nil
}

// SetEnabled toggles a scheduled task without deleting it.
func (s *Scheduler) SetEnabled(scheduleID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scheduled[scheduleID]
	if !ok {
		return apperr.New(apperr.KindNotFound, "no scheduled task: "+scheduleID)
	}
	st.Enabled = enabled
	return nil
}

// RunNow enqueues an immediate execution of the named task.
func (s *Scheduler) RunNow(name string) (string, error) {
	s.mu.RLock()
	_, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return "", apperr.New(apperr.KindNotFound, "no registered task: "+name)
	}
	return s.enqueue(name)
}

// tick fires on the cron cadence and checks every periodic ScheduledTask
// for due work, single-flighting by task name.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	due := make([]*ScheduledTask, 0)
	for _, st := range s.scheduled {
		if !st.Periodic || !st.Enabled {
			continue
		}
		if now.After(st.NextRun) || now.Equal(st.NextRun) {
			jitterNs := int64(0)
			if st.Jitter > 0 {
				jitterNs = rand.Int63n(2*int64(st.Jitter)) - int64(st.Jitter)
			}
			st.NextRun = now.Add(st.Interval + time.Duration(jitterNs))
			due = append(due, st)
		}
	}
	s.mu.Unlock()

	for _, st := range due {
		s.mu.Lock()
		busy := s.inFlight[st.TaskName]
		s.mu.Unlock()
		if busy {
			continue // single-flight: prior execution still queued/running
		}
		if _, err := s.enqueue(st.TaskName); err != nil && s.log != nil {
			s.log.WithError(err).WithField("task_name", st.TaskName).Warn("periodic tick failed to enqueue")
		}
	}
}

// enqueue places a new PENDING execution on the work queue, rejecting with
// QueueFull when the bounded queue is saturated, per spec.md §5.
func (s *Scheduler) enqueue(name string) (string, error) {
	if s.limiter != nil && !s.limiter.Allow() {
		return "", apperr.New(apperr.KindQueueFull, "enqueue rate exceeded for task: "+name)
	}

	s.mu.RLock()
	def := s.tasks[name]
	s.mu.RUnlock()

	execID := uuid.NewString()
	exec := &Execution{ID: execID, TaskName: name, Status: StatusPending, CreatedAt: time.Now()}
	s.mu.Lock()
	s.executions[execID] = exec
	s.inFlight[name] = true
	s.mu.Unlock()

	select {
	case s.queue <- job{execution: exec, task: def}:
		return execID, nil
	default:
		s.mu.Lock()
		delete(s.executions, execID)
		s.inFlight[name] = false
		s.mu.Unlock()
		return "", apperr.New(apperr.KindQueueFull, "task queue is at capacity")
	}
}

func (s *Scheduler) worker(ctx context.Context, idx int) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-s.queue:
			if !ok {
				return
			}
			s.run(ctx, j)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, j job) {
	exec := j.execution
	def := j.task

	s.setStatus(exec.ID, StatusRunning, func(e *Execution) {
		now := time.Now()
		e.StartedAt = &now
	})

	runCtx := ctx
	var cancel context.CancelFunc
	if def != nil && def.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, def.timeout)
		defer cancel()
	}

	var result interface{}
	var runErr error
	if def == nil {
		runErr = apperr.New(apperr.KindNotFound, "task definition vanished: "+exec.TaskName)
	} else {
		result, runErr = def.callable(runCtx)
	}

	if runErr == nil {
		s.setStatus(exec.ID, StatusCompleted, func(e *Execution) {
			now := time.Now()
			e.CompletedAt = &now
			e.Result = result
		})
		s.clearInFlight(exec.TaskName)
		return
	}

	if runCtx.Err() == context.DeadlineExceeded {
		s.finishFailed(exec, def, "timeout exceeded", true)
		return
	}
	if runCtx.Err() == context.Canceled {
		s.setStatus(exec.ID, StatusCancelled, func(e *Execution) {
			now := time.Now()
			e.CompletedAt = &now
			e.ErrorMessage = "cancelled"
		})
		s.clearInFlight(exec.TaskName)
		return
	}

	appErr, isApp := runErr.(*apperr.Error)
	noRetryKind := isApp && (appErr.Kind == apperr.KindInvalidInput || appErr.Kind == apperr.KindInsufficientData || appErr.Kind == apperr.KindConflict)

	if !noRetryKind && def != nil && exec.RetryCount < def.maxRetries {
		s.mu.Lock()
		exec.RetryCount++
		s.mu.Unlock()
		time.AfterFunc(def.retryDelay, func() {
			s.requeue(exec, def)
		})
		return
	}

	s.finishFailed(exec, def, runErr.Error(), false)
}

func (s *Scheduler) requeue(exec *Execution, def *taskDef) {
	s.setStatus(exec.ID, StatusPending, func(e *Execution) {})
	select {
	case s.queue <- job{execution: exec, task: def}:
	default:
		s.finishFailed(exec, def, "queue full on retry", false)
	}
}

func (s *Scheduler) finishFailed(exec *Execution, def *taskDef, msg string, timedOut bool) {
	status := StatusFailed
	s.setStatus(exec.ID, status, func(e *Execution) {
		now := time.Now()
		e.CompletedAt = &now
		e.ErrorMessage = msg
	})
	s.clearInFlight(exec.TaskName)
}

func (s *Scheduler) clearInFlight(name string) {
	s.mu.Lock()
	s.inFlight[name] = false
	s.mu.Unlock()
}

func (s *Scheduler) setStatus(execID string, status Status, mutate func(*Execution)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[execID]
	if !ok {
		return
	}
	e.Status = status
	mutate(e)
}

// Execution returns a snapshot of a recorded execution by ID.
func (s *Scheduler) Execution(execID string) (Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[execID]
	if !ok {
		return Execution{}, apperr.New(apperr.KindNotFound, "no such execution: "+execID)
	}
	return *e, nil
}

// CleanupCompletedExecutions drops finished executions (COMPLETED, FAILED,
// CANCELLED) whose CompletedAt is older than olderThan, bounding the
// in-memory execution map the way a long-lived process must. Returns the
// number removed.
func (s *Scheduler) CleanupCompletedExecutions(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.executions {
		if e.CompletedAt == nil {
			continue
		}
		switch e.Status {
		case StatusCompleted, StatusFailed, StatusCancelled:
		default:
			continue
		}
		if e.CompletedAt.Before(cutoff) {
			delete(s.executions, id)
			removed++
		}
	}
	if removed > 0 && s.log != nil {
		s.log.WithField("removed", removed).Info("cleaned up old task executions")
	}
	return removed
}
