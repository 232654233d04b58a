// Package state provides RunStore implementations backed by SQLite, Postgres
// and process memory.
package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
)

func validateNewStep(step core.StepRecord) error {
	if step.ID == "" {
		return core.ErrValidation("MISSING_STEP_ID", "step id is required")
	}
	if step.RunID == "" {
		return core.ErrValidation("MISSING_RUN_ID", "step run id is required")
	}
	if !core.ValidStage(step.StepName) {
		return core.ErrValidation(core.CodeUnknownStage, fmt.Sprintf("unknown stage: %s", step.StepName))
	}
	if step.Status != core.StepStarted {
		return core.ErrValidation("INVALID_STEP_STATUS",
			fmt.Sprintf("new step must be %s, got %s", core.StepStarted, step.Status))
	}
	return nil
}

func validateFinalStep(step core.StepRecord) error {
	if step.ID == "" {
		return core.ErrValidation("MISSING_STEP_ID", "step id is required")
	}
	if !step.Status.IsFinal() {
		return core.ErrValidation("INVALID_STEP_STATUS",
			fmt.Sprintf("completed step must be final, got %s", step.Status))
	}
	if step.CompletedAt == nil {
		return core.ErrValidation("MISSING_COMPLETED_AT", "completed step needs completed_at")
	}
	if len(step.Result) > 0 && !json.Valid(step.Result) {
		return core.ErrValidation("INVALID_RESULT", "step result is not valid JSON")
	}
	return nil
}

func stepFinalized(id string) error {
	return core.ErrConflict(core.CodeStepFinalized, fmt.Sprintf("step %s is already finalized", id))
}

func runExists(id core.RunID) error {
	return core.ErrConflict(core.CodeRunExists, fmt.Sprintf("run %s already exists", id))
}

func statusConflict(id core.RunID, expected core.RunStatus) error {
	return core.ErrConflict(core.CodeStatusMismatch,
		fmt.Sprintf("run %s is no longer %s", id, expected))
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableJSON(b json.RawMessage) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
