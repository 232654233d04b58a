package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/api"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/diagnostics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the orchestrator HTTP API.

Runs left in flight by a previous process are marked failed before the
server starts accepting requests.

Examples:
  # Start with defaults (127.0.0.1:8080)
  decisionpoints serve

  # Listen on all interfaces with a browser UI on another origin
  decisionpoints serve --host 0.0.0.0 --port 3000 --cors https://ui.example`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Host address to bind to")
	serveCmd.Flags().IntP("port", "p", 0, "Port to listen on")
	serveCmd.Flags().StringSlice("cors", nil, "Allowed browser origins (\"*\" for any)")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.cors", serveCmd.Flags().Lookup("cors"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	shutdownTimeout := a.cfg.Server.ShutdownTimeoutDuration()
	defer func() {
		if cerr := a.Close(shutdownTimeout); cerr != nil {
			a.logger.Warn("shutdown incomplete", "error", cerr)
		}
	}()

	recovered, err := a.orch.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recovering interrupted runs: %w", err)
	}
	if recovered > 0 {
		a.logger.Warn("marked interrupted runs as failed", "count", recovered)
	}

	serverOpts := []api.ServerOption{
		api.WithLogger(a.logger),
		api.WithCORSOrigins(a.cfg.Server.CORS),
		api.WithIdempotencyTTL(a.cfg.Workflow.IdempotencyTTLDuration()),
	}
	if diag := a.cfg.Diagnostics; diag.Enabled {
		monitor := diagnostics.NewResourceMonitor(diagnostics.MonitorConfig{
			Interval:           diag.IntervalDuration(),
			GoroutineThreshold: diag.GoroutineThreshold,
			MemoryThresholdMB:  diag.MemoryThresholdMB,
		}, a.logger, a.orch.Supervisor().Active)
		monitor.Start(ctx)
		defer monitor.Stop()

		var host *diagnostics.HostCollector
		if diag.HostMetrics {
			host = diagnostics.NewHostCollector(a.cfg.State.Path)
		}
		serverOpts = append(serverOpts, api.WithDiagnostics(monitor, host))
	}
	server := api.NewServer(a.orch, a.bus, serverOpts...)

	addr := net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port))
	a.logger.Info("server starting",
		"addr", addr,
		"state_backend", a.cfg.State.Backend,
		"approval_stage", a.cfg.Workflow.ApprovalStage,
		"tracing", a.tracing.Enabled(),
	)
	if err := server.ListenAndServe(ctx, addr, shutdownTimeout); err != nil {
		return fmt.Errorf("serving API: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}
