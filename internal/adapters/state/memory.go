package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
)

// MemoryStore keeps runs in process memory. Used by tests and by
// deployments that accept losing history on restart.
type MemoryStore struct {
	mu    sync.Mutex
	runs  map[core.RunID]*core.WorkflowRun
	steps map[core.RunID][]core.StepRecord
	index map[string]core.RunID
	seq   int64
	now   func() time.Time
}

// MemoryStoreOption configures the store.
type MemoryStoreOption func(*MemoryStore)

// WithMemoryClock overrides the time source.
func WithMemoryClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		runs:  make(map[core.RunID]*core.WorkflowRun),
		steps: make(map[core.RunID][]core.StepRecord),
		index: make(map[string]core.RunID),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create persists a new run.
func (s *MemoryStore) Create(_ context.Context, run *core.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return runExists(run.ID)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// Load returns a copy of the run.
func (s *MemoryStore) Load(_ context.Context, id core.RunID) (*core.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, core.ErrNotFound("run", string(id))
	}
	return run.Clone(), nil
}

// UpdateStatus applies update only if the stored status equals expected.
func (s *MemoryStore) UpdateStatus(_ context.Context, id core.RunID, expected core.RunStatus, update core.RunUpdate) (*core.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.runs[id]
	if !ok {
		return nil, core.ErrNotFound("run", string(id))
	}
	// Apply on a copy so a rejected update leaves the stored run untouched.
	next := stored.Clone()
	if err := next.Apply(expected, update, s.now()); err != nil {
		return nil, err
	}
	s.runs[id] = next
	return next.Clone(), nil
}

// AppendStep records the start of a stage attempt.
func (s *MemoryStore) AppendStep(_ context.Context, step core.StepRecord) error {
	if err := validateNewStep(step); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[step.RunID]; !ok {
		return core.ErrNotFound("run", string(step.RunID))
	}
	if _, ok := s.index[step.ID]; ok {
		return core.ErrConflict("STEP_EXISTS", fmt.Sprintf("step %s already exists", step.ID))
	}
	if step.Attempt < 1 {
		step.Attempt = 1
	}
	s.seq++
	step.Seq = s.seq
	step.StartedAt = step.StartedAt.UTC()
	step.CompletedAt = nil
	step.Result = nil
	step.Error = ""
	s.steps[step.RunID] = append(s.steps[step.RunID], step)
	s.index[step.ID] = step.RunID
	return nil
}

// CompleteStep finalizes a step that is still started.
func (s *MemoryStore) CompleteStep(_ context.Context, step core.StepRecord) error {
	if err := validateFinalStep(step); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	runID, ok := s.index[step.ID]
	if !ok {
		return core.ErrNotFound("step", step.ID)
	}
	steps := s.steps[runID]
	for i := range steps {
		if steps[i].ID != step.ID {
			continue
		}
		if steps[i].Status.IsFinal() {
			return stepFinalized(step.ID)
		}
		completed := step.CompletedAt.UTC()
		steps[i].Status = step.Status
		steps[i].CompletedAt = &completed
		steps[i].Result = append([]byte(nil), step.Result...)
		if len(step.Result) == 0 {
			steps[i].Result = nil
		}
		steps[i].Error = step.Error
		return nil
	}
	return core.ErrNotFound("step", step.ID)
}

// ListSteps returns the run's steps in append order.
func (s *MemoryStore) ListSteps(_ context.Context, id core.RunID) ([]core.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.StepRecord, len(s.steps[id]))
	copy(out, s.steps[id])
	return out, nil
}

// ListRuns returns run summaries, newest first.
func (s *MemoryStore) ListRuns(_ context.Context, filter core.RunFilter) ([]core.RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.RunSummary{}
	for _, run := range s.runs {
		if filter.Matches(run.Status) {
			out = append(out, run.Summary())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
