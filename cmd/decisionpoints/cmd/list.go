package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE:  runList,
}

var (
	listStatus []string
	listLimit  int
	listOutput string
)

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringSliceVar(&listStatus, "status", nil, "Only show runs in these statuses")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum number of runs to show (0 for all)")
	listCmd.Flags().StringVarP(&listOutput, "output", "o", "table", "Output format (table, json, yaml)")
}

func runList(cmd *cobra.Command, _ []string) error {
	format, err := parseOutputFormat(listOutput)
	if err != nil {
		return err
	}
	filter := core.RunFilter{Limit: listLimit}
	for _, raw := range listStatus {
		status, err := parseStatusArg(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close(a.cfg.Server.ShutdownTimeoutDuration())

	runs, err := a.store.ListRuns(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []core.RunSummary{}
	}

	return render(cmd.OutOrStdout(), format, runs, func(w *tabwriter.Writer) {
		if len(runs) == 0 {
			fmt.Fprintln(w, "No runs found")
			return
		}
		fmt.Fprintln(w, "RUN\tSTATUS\tSTAGE\tVARIANT\tUPDATED\tTOPIC")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.Status, orDash(string(r.CurrentStage)), r.Variant, formatTime(r.UpdatedAt), truncate(r.InitialTopic, 40))
		}
	})
}
