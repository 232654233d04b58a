package core

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxTopicLength is the maximum accepted length of an initial topic, in characters.
const MaxTopicLength = 2000

// RunID uniquely identifies a workflow run.
type RunID string

// String returns the string representation.
func (id RunID) String() string {
	return string(id)
}

// RunInput holds the caller-supplied inputs of a new run.
type RunInput struct {
	InitialTopic string  `json:"initial_topic"`
	TargetURL    string  `json:"target_url,omitempty"`
	Variant      Variant `json:"variant,omitempty"`
}

// Normalize trims whitespace from the inputs.
func (in RunInput) Normalize() RunInput {
	in.InitialTopic = strings.TrimSpace(in.InitialTopic)
	in.TargetURL = strings.TrimSpace(in.TargetURL)
	in.Variant = Variant(strings.ToLower(strings.TrimSpace(string(in.Variant))))
	return in
}

// Validate checks the inputs. An empty variant is accepted and resolved by the caller.
func (in RunInput) Validate() error {
	topic := strings.TrimSpace(in.InitialTopic)
	if topic == "" {
		return ErrValidation(CodeEmptyTopic, "initial_topic is required")
	}
	if utf8.RuneCountInString(topic) > MaxTopicLength {
		return ErrValidation(CodeTopicTooLong,
			fmt.Sprintf("initial_topic exceeds %d characters", MaxTopicLength))
	}
	if target := strings.TrimSpace(in.TargetURL); target != "" {
		u, err := url.Parse(target)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return ErrValidation(CodeInvalidURL, "target_url must be an absolute http(s) URL")
		}
	}
	if in.Variant != "" && !ValidVariant(in.Variant) {
		return ErrValidation(CodeInvalidVariant, fmt.Sprintf("unknown variant: %s", in.Variant))
	}
	return nil
}

// WorkflowRun is one end-to-end execution of the pipeline.
type WorkflowRun struct {
	ID           RunID                         `json:"run_id"`
	InitialTopic string                        `json:"initial_topic"`
	TargetURL    string                        `json:"target_url,omitempty"`
	Variant      Variant                       `json:"variant"`
	Status       RunStatus                     `json:"status"`
	CurrentStage StageName                     `json:"current_stage,omitempty"`
	StageResults map[StageName]json.RawMessage `json:"stage_results"`
	FinalResult  json.RawMessage               `json:"final_result,omitempty"`
	ErrorMessage string                        `json:"error_message,omitempty"`
	FailedStage  StageName                     `json:"failed_stage,omitempty"`
	CreatedAt    time.Time                     `json:"created_at"`
	UpdatedAt    time.Time                     `json:"updated_at"`
}

// NewWorkflowRun creates a run in the starting status. No stage is current
// until the first one begins.
func NewWorkflowRun(id RunID, in RunInput, now time.Time) *WorkflowRun {
	in = in.Normalize()
	return &WorkflowRun{
		ID:           id,
		InitialTopic: in.InitialTopic,
		TargetURL:    in.TargetURL,
		Variant:      in.Variant,
		Status:       RunStatusStarting,
		StageResults: make(map[StageName]json.RawMessage),
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
}

// IsTerminal reports whether the run has finished.
func (r *WorkflowRun) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// HasResult reports whether the stage already completed successfully.
func (r *WorkflowRun) HasResult(stage StageName) bool {
	_, ok := r.StageResults[stage]
	return ok
}

// Clone returns a deep copy of the run.
func (r *WorkflowRun) Clone() *WorkflowRun {
	if r == nil {
		return nil
	}
	c := *r
	c.StageResults = make(map[StageName]json.RawMessage, len(r.StageResults))
	for k, v := range r.StageResults {
		c.StageResults[k] = append(json.RawMessage(nil), v...)
	}
	if r.FinalResult != nil {
		c.FinalResult = append(json.RawMessage(nil), r.FinalResult...)
	}
	return &c
}

// Summary returns the listing view of the run.
func (r *WorkflowRun) Summary() RunSummary {
	return RunSummary{
		ID:           r.ID,
		InitialTopic: r.InitialTopic,
		Variant:      r.Variant,
		Status:       r.Status,
		CurrentStage: r.CurrentStage,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// Apply performs a compare-and-set update in memory. Stores that cannot
// express the whole update in SQL use it to share the same rules.
func (r *WorkflowRun) Apply(expected RunStatus, u RunUpdate, now time.Time) error {
	if r.Status.IsTerminal() {
		return ErrConflict(CodeRunTerminal, fmt.Sprintf("run %s is %s", r.ID, r.Status))
	}
	if r.Status != expected {
		return ErrConflict(CodeStatusMismatch,
			fmt.Sprintf("run %s is %s, expected %s", r.ID, r.Status, expected))
	}
	if err := u.Validate(); err != nil {
		return err
	}
	if u.StageResult != nil && r.HasResult(u.StageResult.Stage) {
		return ErrConflict(CodeResultExists,
			fmt.Sprintf("run %s already has a result for stage %s", r.ID, u.StageResult.Stage))
	}

	r.Status = u.Status
	r.CurrentStage = u.CurrentStage
	if u.StageResult != nil {
		if r.StageResults == nil {
			r.StageResults = make(map[StageName]json.RawMessage)
		}
		r.StageResults[u.StageResult.Stage] = append(json.RawMessage(nil), u.StageResult.Payload...)
	}
	if u.FinalResult != nil {
		r.FinalResult = append(json.RawMessage(nil), u.FinalResult...)
	}
	if u.ErrorMessage != "" {
		r.ErrorMessage = u.ErrorMessage
		r.FailedStage = u.FailedStage
	}
	r.UpdatedAt = now.UTC()
	return nil
}

// StageResult is the successful output of one stage.
type StageResult struct {
	Stage   StageName
	Payload json.RawMessage
}

// RunUpdate describes a single status write. CurrentStage always replaces the
// stored value; terminal statuses clear it, so a failure names the stage in
// FailedStage instead.
type RunUpdate struct {
	Status       RunStatus
	CurrentStage StageName
	StageResult  *StageResult
	FinalResult  json.RawMessage
	ErrorMessage string
	FailedStage  StageName
}

// Validate checks the field invariants tied to the target status.
func (u RunUpdate) Validate() error {
	if u.Status == "" {
		return ErrValidation("MISSING_STATUS", "update status is required")
	}
	if u.Status.IsTerminal() && u.CurrentStage != "" {
		return ErrValidation("STAGE_ON_TERMINAL", "current_stage must be empty for a terminal status")
	}
	if u.Status == RunStatusStarting && u.CurrentStage != "" {
		return ErrValidation("STAGE_ON_STARTING", "current_stage must be empty while starting")
	}
	if !u.Status.IsTerminal() && u.Status != RunStatusStarting && u.CurrentStage == "" {
		return ErrValidation("MISSING_STAGE", fmt.Sprintf("current_stage is required for status %s", u.Status))
	}
	if u.Status.IsActiveStage() && StageName(u.Status) != u.CurrentStage {
		return ErrValidation("STAGE_MISMATCH",
			fmt.Sprintf("status %s does not match current_stage %s", u.Status, u.CurrentStage))
	}
	if (u.FinalResult != nil) != (u.Status == RunStatusCompleted) {
		return ErrValidation("FINAL_RESULT", "final_result is set exactly when the run completes")
	}
	if u.ErrorMessage != "" && u.Status != RunStatusFailed {
		return ErrValidation("ERROR_MESSAGE", "error_message is only recorded on failure")
	}
	if u.Status == RunStatusFailed && u.ErrorMessage == "" {
		return ErrValidation("ERROR_MESSAGE", "a failed run needs an error_message")
	}
	if u.FailedStage != "" && u.Status != RunStatusFailed {
		return ErrValidation("FAILED_STAGE", "failed_stage is only recorded on failure")
	}
	if sr := u.StageResult; sr != nil {
		if !ValidStage(sr.Stage) {
			return ErrValidation(CodeUnknownStage, fmt.Sprintf("unknown stage: %s", sr.Stage))
		}
		if len(sr.Payload) == 0 || !json.Valid(sr.Payload) {
			return ErrValidation("INVALID_RESULT", fmt.Sprintf("stage %s result is not valid JSON", sr.Stage))
		}
	}
	if u.FinalResult != nil && !json.Valid(u.FinalResult) {
		return ErrValidation("INVALID_RESULT", "final_result is not valid JSON")
	}
	return nil
}

// StageFailureMessage formats the error message recorded for a failed stage.
func StageFailureMessage(stage StageName, msg string) string {
	return fmt.Sprintf("stage %q: %s", string(stage), msg)
}

// StepStatus is the state of a single stage attempt.
type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// IsFinal reports whether the step can no longer change.
func (s StepStatus) IsFinal() bool {
	return s == StepSucceeded || s == StepFailed
}

// StepRecord is the audit entry for one stage attempt. Immutable once final.
type StepRecord struct {
	ID           string          `json:"id"`
	RunID        RunID           `json:"workflow_id"`
	Seq          int64           `json:"seq"`
	StepName     StageName       `json:"step_name"`
	Attempt      int             `json:"attempt"`
	Status       StepStatus      `json:"status"`
	InvocationID string          `json:"invocation_id,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Succeed finalizes the step with a result.
func (s *StepRecord) Succeed(result json.RawMessage, now time.Time) {
	t := now.UTC()
	s.Status = StepSucceeded
	s.CompletedAt = &t
	s.Result = result
	s.Error = ""
}

// Fail finalizes the step with an error.
func (s *StepRecord) Fail(msg string, now time.Time) {
	t := now.UTC()
	s.Status = StepFailed
	s.CompletedAt = &t
	s.Result = nil
	s.Error = msg
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Statuses []RunStatus
	// Limit caps the number of summaries; zero means no limit.
	Limit int
}

// Matches reports whether the status passes the filter.
func (f RunFilter) Matches(s RunStatus) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, want := range f.Statuses {
		if s == want {
			return true
		}
	}
	return false
}

// RunSummary is a lightweight view of a run for listings.
type RunSummary struct {
	ID           RunID     `json:"run_id"`
	InitialTopic string    `json:"initial_topic"`
	Variant      Variant   `json:"variant"`
	Status       RunStatus `json:"status"`
	CurrentStage StageName `json:"current_stage,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
