// Package control implements the human approval gate that pauses a run
// before its designated stage and resumes or rejects it on decision.
package control

import (
	"context"
	"fmt"
	"strings"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/events"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/logging"
)

// Decision is a reviewer's verdict on a paused run.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ParseDecision normalizes and validates a decision string.
func ParseDecision(s string) (Decision, error) {
	d := Decision(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case DecisionApproved, DecisionRejected:
		return d, nil
	default:
		return "", core.ErrValidation(core.CodeInvalidDecision,
			fmt.Sprintf("decision must be %q or %q, got %q", DecisionApproved, DecisionRejected, s))
	}
}

// Resumer continues an approved run in the background.
type Resumer interface {
	ScheduleResume(ctx context.Context, runID core.RunID) error
}

// Gate moves runs in and out of pending_approval. Every write is a
// compare-and-set, so concurrent decisions on the same run have one winner.
type Gate struct {
	store   core.RunStore
	bus     *events.EventBus
	resumer Resumer
	logger  *logging.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithResumer sets the continuation scheduler used after approval.
func WithResumer(r Resumer) Option {
	return func(g *Gate) {
		g.resumer = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gate) {
		g.logger = l
	}
}

// New creates a Gate. bus may be nil.
func New(store core.RunStore, bus *events.EventBus, opts ...Option) *Gate {
	g := &Gate{
		store:  store,
		bus:    bus,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestApproval pauses the run before stage. The result of the stage that
// just finished is stored in the same write.
func (g *Gate) RequestApproval(ctx context.Context, runID core.RunID, from core.RunStatus, stage core.StageName, result *core.StageResult) (*core.WorkflowRun, error) {
	run, err := g.store.UpdateStatus(ctx, runID, from, core.RunUpdate{
		Status:       core.RunStatusPendingApproval,
		CurrentStage: stage,
		StageResult:  result,
	})
	if err != nil {
		return nil, fmt.Errorf("requesting approval for %s: %w", runID, err)
	}
	g.logger.WithRun(string(runID)).WithStage(string(stage)).Info("run awaiting approval")
	g.publish(run)
	return run, nil
}

// Decide applies a reviewer decision to a run that is pending approval.
// Approval schedules the continuation and returns without waiting for it.
func (g *Gate) Decide(ctx context.Context, runID core.RunID, decision Decision) (*core.WorkflowRun, error) {
	decision, err := ParseDecision(string(decision))
	if err != nil {
		return nil, err
	}

	run, err := g.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != core.RunStatusPendingApproval {
		return nil, notPending(run.ID, run.Status)
	}

	update := core.RunUpdate{Status: core.RunStatusRejected}
	if decision == DecisionApproved {
		update = core.RunUpdate{Status: core.RunStatusApprovedResuming, CurrentStage: run.CurrentStage}
	}
	updated, err := g.store.UpdateStatus(ctx, runID, core.RunStatusPendingApproval, update)
	if err != nil {
		if core.IsConflict(err) {
			// Another decision won the race.
			current, loadErr := g.store.Load(ctx, runID)
			if loadErr != nil {
				return nil, err
			}
			return nil, notPending(runID, current.Status)
		}
		return nil, fmt.Errorf("recording decision for %s: %w", runID, err)
	}

	logger := g.logger.WithRun(string(runID))
	logger.Info("approval decision recorded", "decision", decision, "status", updated.Status)
	g.publish(updated)

	if decision == DecisionApproved {
		if g.resumer == nil {
			logger.Warn("no resumer configured; run stays approved_resuming")
			return updated, nil
		}
		if err := g.resumer.ScheduleResume(ctx, runID); err != nil {
			// The decision is durable; startup recovery handles runs that never resume.
			logger.Error("scheduling resume failed", "error", err)
		}
	}
	return updated, nil
}

// Pending lists runs waiting for a decision.
func (g *Gate) Pending(ctx context.Context) ([]core.RunSummary, error) {
	return g.store.ListRuns(ctx, core.RunFilter{Statuses: []core.RunStatus{core.RunStatusPendingApproval}})
}

func (g *Gate) publish(run *core.WorkflowRun) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(events.NewStatusEvent(run))
}

func notPending(id core.RunID, status core.RunStatus) error {
	return core.ErrConflict(core.CodeNotPendingApproval,
		fmt.Sprintf("run %s is %s, not %s", id, status, core.RunStatusPendingApproval))
}
