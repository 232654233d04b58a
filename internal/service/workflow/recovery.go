package workflow

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
)

// InterruptedReason is recorded on runs that were in flight when the
// orchestrator stopped.
const InterruptedReason = "interrupted by orchestrator restart"

// recoveryParallelism bounds concurrent store writes during recovery.
const recoveryParallelism = 4

// RecoverInterrupted marks every run that was being driven when the process
// stopped as failed, and returns how many were marked. Runs paused for
// approval are left alone. It must run before any new run is started.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	statuses := []core.RunStatus{core.RunStatusStarting, core.RunStatusApprovedResuming}
	for _, stage := range core.AllStages() {
		statuses = append(statuses, stage.Status())
	}
	runs, err := o.store.ListRuns(ctx, core.RunFilter{Statuses: statuses})
	if err != nil {
		return 0, fmt.Errorf("listing interrupted runs: %w", err)
	}
	if len(runs) == 0 {
		return 0, nil
	}

	var recovered atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoveryParallelism)
	for _, summary := range runs {
		summary := summary
		g.Go(func() error {
			stage := o.failureStage(summary.Variant, summary.CurrentStage)
			run, err := o.store.UpdateStatus(gctx, summary.ID, summary.Status, core.RunUpdate{
				Status:       core.RunStatusFailed,
				ErrorMessage: core.StageFailureMessage(stage, InterruptedReason),
				FailedStage:  stage,
			})
			if err != nil {
				if core.IsConflict(err) {
					return nil
				}
				return fmt.Errorf("recovering run %s: %w", summary.ID, err)
			}
			recovered.Add(1)
			o.logger.WithRun(string(run.ID)).Warn("run interrupted by restart marked failed",
				"previous_status", summary.Status, "stage", stage)
			o.metrics.RunStatusChanged(gctx, run.Status)
			o.publish(run)
			return nil
		})
	}
	err = g.Wait()
	return int(recovered.Load()), err
}
