package events

import (
	"fmt"
	"time"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
)

// Event type constants.
const (
	TypeRunStatus    = "run_status"
	TypeStageStarted = "stage_started"
	TypeStageRetry   = "stage_retry"
	TypeTaskFailed   = "task_failed"
)

// RunEvent is the notification published for every run mutation.
type RunEvent struct {
	Type    string         `json:"type"`
	Run     core.RunID     `json:"run_id"`
	Status  core.RunStatus `json:"status"`
	Stage   core.StageName `json:"stage,omitempty"`
	Message string         `json:"message,omitempty"`
	Time    time.Time      `json:"timestamp"`
}

func (e RunEvent) EventType() string    { return e.Type }
func (e RunEvent) Timestamp() time.Time { return e.Time }
func (e RunEvent) RunID() string        { return string(e.Run) }

// IsTerminal reports whether the event announces a finished run.
func (e RunEvent) IsTerminal() bool {
	return e.Type == TypeRunStatus && e.Status.IsTerminal()
}

// NewStatusEvent reports a status write. For failed runs stage names the
// stage that failed.
func NewStatusEvent(run *core.WorkflowRun) RunEvent {
	stage := run.CurrentStage
	if stage == "" {
		stage = run.FailedStage
	}
	return RunEvent{
		Type:    TypeRunStatus,
		Run:     run.ID,
		Status:  run.Status,
		Stage:   stage,
		Message: run.ErrorMessage,
		Time:    time.Now().UTC(),
	}
}

// NewStageStartedEvent reports that an agent call is about to be made.
func NewStageStartedEvent(runID core.RunID, stage core.StageName, attempt int) RunEvent {
	return RunEvent{
		Type:    TypeStageStarted,
		Run:     runID,
		Status:  stage.Status(),
		Stage:   stage,
		Message: fmt.Sprintf("attempt %d", attempt),
		Time:    time.Now().UTC(),
	}
}

// NewStageRetryEvent reports that a failed attempt will be retried.
func NewStageRetryEvent(runID core.RunID, stage core.StageName, reason string) RunEvent {
	return RunEvent{
		Type:    TypeStageRetry,
		Run:     runID,
		Status:  stage.Status(),
		Stage:   stage,
		Message: reason,
		Time:    time.Now().UTC(),
	}
}

// NewTaskFailedEvent reports a background task that failed or panicked.
func NewTaskFailedEvent(runID core.RunID, status core.RunStatus, message string) RunEvent {
	return RunEvent{
		Type:    TypeTaskFailed,
		Run:     runID,
		Status:  status,
		Message: message,
		Time:    time.Now().UTC(),
	}
}
