package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/events"
)

var runCmd = &cobra.Command{
	Use:   "run <topic>",
	Short: "Start a run and drive it in the foreground",
	Long: `Create a run for the given product topic and execute its stages in this
process. The command returns when the run completes, fails or pauses for
approval. Approve a paused run with 'decisionpoints decide <run_id> approved'.

Examples:
  decisionpoints run "note taking app" --target-url https://example.com
  decisionpoints run "habit tracker" --variant extended`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var (
	runTargetURL string
	runVariant   string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runTargetURL, "target-url", "", "Site to research for competitors")
	runCmd.Flags().StringVar(&runVariant, "variant", "", "Pipeline variant (standard, extended)")
}

func runRun(cmd *cobra.Command, args []string) error {
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
	run, err := a.orch.Create(ctx, core.RunInput{
		InitialTopic: strings.Join(args, " "),
		TargetURL:    runTargetURL,
		Variant:      core.Variant(runVariant),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Run %s created (variant %s)\n", run.ID, run.Variant)

	final, err := followWhile(ctx, a.bus, out, run.ID, func(ctx context.Context) (*core.WorkflowRun, error) {
		return a.orch.Execute(ctx, run.ID)
	})
	if err != nil {
		return err
	}
	printOutcome(out, final)
	return nil
}

// followWhile prints the run's events to w while fn runs.
func followWhile(ctx context.Context, bus *events.EventBus, w io.Writer, id core.RunID, fn func(context.Context) (*core.WorkflowRun, error)) (*core.WorkflowRun, error) {
	ch := bus.SubscribeRun(string(id))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			printEvent(w, ev)
		}
	}()

	run, err := fn(ctx)
	bus.Unsubscribe(ch)
	<-done
	return run, err
}

func printEvent(w io.Writer, ev events.Event) {
	re, ok := ev.(events.RunEvent)
	if !ok {
		return
	}
	switch re.Type {
	case events.TypeStageStarted:
		fmt.Fprintf(w, "  - %s started (%s)\n", re.Stage, re.Message)
	case events.TypeStageRetry:
		fmt.Fprintf(w, "  - %s retrying: %s\n", re.Stage, re.Message)
	case events.TypeTaskFailed:
		fmt.Fprintf(w, "  ! task failed: %s\n", re.Message)
	case events.TypeRunStatus:
		fmt.Fprintf(w, "  status: %s\n", re.Status)
	}
}

// printOutcome tells the user where the run ended up and what to do next.
func printOutcome(w io.Writer, run *core.WorkflowRun) {
	switch run.Status {
	case core.RunStatusCompleted:
		fmt.Fprintf(w, "Run %s completed\n", run.ID)
	case core.RunStatusPendingApproval:
		fmt.Fprintf(w, "Run %s is waiting for approval before %s\n", run.ID, run.CurrentStage)
		fmt.Fprintf(w, "  decisionpoints decide %s approved|rejected\n", run.ID)
	case core.RunStatusFailed:
		fmt.Fprintf(w, "Run %s failed: %s\n", run.ID, run.ErrorMessage)
	case core.RunStatusRejected:
		fmt.Fprintf(w, "Run %s was rejected\n", run.ID)
	default:
		fmt.Fprintf(w, "Run %s is %s\n", run.ID, run.Status)
	}
}
