package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
)

var statusCmd = &cobra.Command{
	Use:   "status <run_id>",
	Short: "Show a run",
	Long:  "Display a run's status, current stage, stage results and final result or error.",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var stepsCmd = &cobra.Command{
	Use:   "steps <run_id>",
	Short: "List a run's stage attempts",
	Args:  cobra.ExactArgs(1),
	RunE:  runSteps,
}

var (
	statusOutput string
	stepsOutput  string
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stepsCmd)
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table, json, yaml)")
	stepsCmd.Flags().StringVarP(&stepsOutput, "output", "o", "table", "Output format (table, json, yaml)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := parseOutputFormat(statusOutput)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close(a.cfg.Server.ShutdownTimeoutDuration())

	run, err := a.store.Load(cmd.Context(), core.RunID(args[0]))
	if err != nil {
		return err
	}

	return render(cmd.OutOrStdout(), format, run, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Run:\t%s\n", run.ID)
		fmt.Fprintf(w, "Topic:\t%s\n", run.InitialTopic)
		fmt.Fprintf(w, "Target URL:\t%s\n", orDash(run.TargetURL))
		fmt.Fprintf(w, "Variant:\t%s\n", run.Variant)
		fmt.Fprintf(w, "Status:\t%s\n", run.Status)
		fmt.Fprintf(w, "Current stage:\t%s\n", orDash(string(run.CurrentStage)))
		if run.ErrorMessage != "" {
			fmt.Fprintf(w, "Failed stage:\t%s\n", orDash(string(run.FailedStage)))
			fmt.Fprintf(w, "Error:\t%s\n", run.ErrorMessage)
		}
		if len(run.FinalResult) > 0 {
			fmt.Fprintf(w, "Final result:\t%s\n", truncate(string(run.FinalResult), resultPreviewLen))
		}
		fmt.Fprintf(w, "Created:\t%s\n", formatTime(run.CreatedAt))
		fmt.Fprintf(w, "Updated:\t%s\n", formatTime(run.UpdatedAt))

		if len(run.StageResults) > 0 {
			fmt.Fprintln(w)
			fmt.Fprintln(w, "STAGE\tRESULT")
			for _, stage := range resultOrder(run) {
				fmt.Fprintf(w, "%s\t%s\n", stage, truncate(string(run.StageResults[stage]), resultPreviewLen))
			}
		}
	})
}

// resultPreviewLen bounds the stage result preview in table output.
const resultPreviewLen = 72

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// resultOrder lists the run's results in pipeline order.
func resultOrder(run *core.WorkflowRun) []core.StageName {
	rank := make(map[core.StageName]int)
	for i, s := range core.AllStages() {
		rank[s] = i
	}
	out := make([]core.StageName, 0, len(run.StageResults))
	for stage := range run.StageResults {
		out = append(out, stage)
	}
	sort.Slice(out, func(i, j int) bool { return rank[out[i]] < rank[out[j]] })
	return out
}

func runSteps(cmd *cobra.Command, args []string) error {
	format, err := parseOutputFormat(stepsOutput)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close(a.cfg.Server.ShutdownTimeoutDuration())

	runID := core.RunID(args[0])
	if _, err := a.store.Load(cmd.Context(), runID); err != nil {
		return err
	}
	steps, err := a.store.ListSteps(cmd.Context(), runID)
	if err != nil {
		return err
	}
	if steps == nil {
		steps = []core.StepRecord{}
	}

	return render(cmd.OutOrStdout(), format, steps, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "SEQ\tSTAGE\tATTEMPT\tSTATUS\tDURATION\tERROR")
		for _, s := range steps {
			duration := "-"
			if s.CompletedAt != nil {
				duration = s.CompletedAt.Sub(s.StartedAt).Round(time.Millisecond).String()
			}
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n", s.Seq, s.StepName, s.Attempt, s.Status, duration, orDash(s.Error))
		}
	})
}
