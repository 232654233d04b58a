package core

import (
	"context"
	"encoding/json"
	"time"
)

// =============================================================================
// Store Port
// =============================================================================

// RunStore persists workflow runs and their step audit trail.
// All status writes are compare-and-set on the stored status.
type RunStore interface {
	// Create persists a new run. Returns a conflict error if the ID exists.
	Create(ctx context.Context, run *WorkflowRun) error

	// Load retrieves a run. Returns a not found error if absent.
	Load(ctx context.Context, id RunID) (*WorkflowRun, error)

	// UpdateStatus applies the update only if the stored status equals expected.
	// Stage results are write-once; terminal runs are never updated.
	UpdateStatus(ctx context.Context, id RunID, expected RunStatus, update RunUpdate) (*WorkflowRun, error)

	// AppendStep records the start of a stage attempt.
	AppendStep(ctx context.Context, step StepRecord) error

	// CompleteStep finalizes a step that is still started.
	CompleteStep(ctx context.Context, step StepRecord) error

	// ListSteps returns the run's steps in append order.
	ListSteps(ctx context.Context, id RunID) ([]StepRecord, error)

	// ListRuns returns run summaries, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]RunSummary, error)

	// Close releases resources.
	Close() error
}

// =============================================================================
// Agent Port
// =============================================================================

// InvokeRequest describes one outbound call to a stage agent.
type InvokeRequest struct {
	AgentURL           string
	AgentID            string
	Stage              StageName
	Simple             bool
	InvocationID       string
	ParentInvocationID string
	Input              any
	// Timeout bounds the call; zero uses the invoker default.
	Timeout time.Duration
}

// Invoker calls stage agents. Implementations never touch the run store.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (json.RawMessage, error)
}
