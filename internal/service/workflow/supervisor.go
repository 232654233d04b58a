package workflow

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/logging"
)

// TaskKind names what a background task does.
type TaskKind string

const (
	TaskKindExecute TaskKind = "execute"
	TaskKindResume  TaskKind = "resume"
)

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskPanicked  TaskStatus = "panicked"
)

// IsFinal reports whether the task has stopped.
func (s TaskStatus) IsFinal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskPanicked
}

// Task is the record of one supervised goroutine.
type Task struct {
	ID         string     `json:"id"`
	Kind       TaskKind   `json:"kind"`
	RunID      core.RunID `json:"run_id"`
	Status     TaskStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	QueuedAt   time.Time  `json:"queued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TaskFunc is the body of a task. ctx is cancelled only on forced shutdown.
type TaskFunc func(ctx context.Context) error

// FailureHook is called after a task fails or panics.
type FailureHook func(task Task, err error)

// Supervisor runs background work with a concurrency cap and keeps a record
// of every task it started.
type Supervisor struct {
	sem        *semaphore.Weighted
	maxHistory int
	onFailure  FailureHook
	logger     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	tasks  map[string]*Task
	order  []string
	closed bool
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithMaxConcurrent caps the number of tasks running at once.
func WithMaxConcurrent(n int) SupervisorOption {
	return func(s *Supervisor) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithMaxHistory bounds how many finished task records are kept.
func WithMaxHistory(n int) SupervisorOption {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

// WithFailureHook sets the function told about failed or panicked tasks.
func WithFailureHook(h FailureHook) SupervisorOption {
	return func(s *Supervisor) {
		s.onFailure = h
	}
}

// WithSupervisorLogger sets the logger.
func WithSupervisorLogger(l *logging.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = l
	}
}

// NewSupervisor creates a Supervisor. The default cap is 10 concurrent tasks.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		sem:        semaphore.NewWeighted(10),
		maxHistory: 1000,
		logger:     logging.NewNop(),
		ctx:        ctx,
		cancel:     cancel,
		tasks:      make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// setFailureHook is used by the orchestrator when it owns the supervisor.
func (s *Supervisor) setFailureHook(h FailureHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onFailure == nil {
		s.onFailure = h
	}
}

// Submit starts fn on its own goroutine once a slot is free.
func (s *Supervisor) Submit(kind TaskKind, runID core.RunID, fn TaskFunc) (Task, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Task{}, core.ErrState("SUPERVISOR_CLOSED", "supervisor is shutting down")
	}
	task := &Task{
		ID:       "task-" + uuid.NewString(),
		Kind:     kind,
		RunID:    runID,
		Status:   TaskQueued,
		QueuedAt: time.Now().UTC(),
	}
	s.tasks[task.ID] = task
	s.order = append(s.order, task.ID)
	s.pruneLocked()
	snapshot := *task
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(task.ID, fn)
	return snapshot, nil
}

func (s *Supervisor) run(id string, fn TaskFunc) {
	defer s.wg.Done()

	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		s.finish(id, TaskFailed, fmt.Errorf("waiting for a slot: %w", err))
		return
	}
	defer s.sem.Release(1)

	s.update(id, func(t *Task) {
		now := time.Now().UTC()
		t.Status = TaskRunning
		t.StartedAt = &now
	})

	status, err := s.call(id, fn)
	s.finish(id, status, err)
}

func (s *Supervisor) call(id string, fn TaskFunc) (status TaskStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", "task_id", id, "panic", r, "stack", string(debug.Stack()))
			status = TaskPanicked
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := fn(s.ctx); err != nil {
		return TaskFailed, err
	}
	return TaskSucceeded, nil
}

func (s *Supervisor) finish(id string, status TaskStatus, err error) {
	var snapshot Task
	s.update(id, func(t *Task) {
		now := time.Now().UTC()
		t.Status = status
		t.FinishedAt = &now
		if err != nil {
			t.Error = err.Error()
		}
		snapshot = *t
	})

	logger := s.logger.WithTask(id).WithRun(string(snapshot.RunID))
	if status == TaskSucceeded {
		logger.Debug("task finished", "kind", snapshot.Kind)
		return
	}
	logger.Warn("task failed", "kind", snapshot.Kind, "status", status, "error", err)

	s.mu.RLock()
	hook := s.onFailure
	s.mu.RUnlock()
	if hook != nil {
		hook(snapshot, err)
	}
}

func (s *Supervisor) update(id string, fn func(*Task)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		fn(t)
	}
}

// pruneLocked drops the oldest finished records beyond maxHistory.
func (s *Supervisor) pruneLocked() {
	excess := len(s.order) - s.maxHistory
	if excess <= 0 {
		return
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if excess > 0 && s.tasks[id].Status.IsFinal() {
			delete(s.tasks, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

// Tasks returns all task records in submission order.
func (s *Supervisor) Tasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.tasks[id])
	}
	return out
}

// Active counts tasks that are queued or running.
func (s *Supervisor) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tasks {
		if !t.Status.IsFinal() {
			n++
		}
	}
	return n
}

// Task returns one task record.
func (s *Supervisor) Task(id string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Shutdown stops accepting tasks and waits for running ones. If ctx expires
// first, running tasks are cancelled and ctx's error is returned.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
