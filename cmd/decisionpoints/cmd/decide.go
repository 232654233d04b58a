package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/control"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
)

var decideCmd = &cobra.Command{
	Use:   "decide <run_id> <approved|rejected>",
	Short: "Approve or reject a run that is waiting for approval",
	Long: `Record the human decision for a paused run. An approved run resumes in
this process and the command returns when it finishes.

When a server is running against the same store, prefer
POST /a2a/workflow/{run_id}/resume so the server drives the run.`,
	Args: cobra.ExactArgs(2),
	RunE: runDecide,
}

func init() {
	rootCmd.AddCommand(decideCmd)
}

func runDecide(cmd *cobra.Command, args []string) error {
	decision, err := parseDecisionArg(args[1])
	if err != nil {
		return err
	}
	runID := core.RunID(args[0])

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(a.cfg.Server.ShutdownTimeoutDuration()); cerr != nil {
			a.logger.Warn("shutdown incomplete", "error", cerr)
		}
	}()

	out := cmd.OutOrStdout()
	final, err := followWhile(ctx, a.bus, out, runID, func(ctx context.Context) (*core.WorkflowRun, error) {
		run, err := a.orch.Decide(ctx, runID, decision)
		if err != nil || decision != control.DecisionApproved {
			return run, err
		}
		// The approved run was handed to the supervisor; wait for it here.
		if err := a.orch.Supervisor().Shutdown(ctx); err != nil {
			return nil, err
		}
		return a.store.Load(context.WithoutCancel(ctx), runID)
	})
	if err != nil {
		return err
	}
	printOutcome(out, final)
	return nil
}
