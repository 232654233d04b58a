package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/adapters/agent"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/adapters/state"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/config"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/events"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/logging"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/service/workflow"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/stages"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/tracing"
)

// eventBufferSize is the per-subscriber event buffer.
const eventBufferSize = 100

// app holds the wired orchestrator and everything it owns.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	store   core.RunStore
	bus     *events.EventBus
	tracing *tracing.Provider
	orch    *workflow.Orchestrator
}

// loadConfig loads and validates configuration using the global viper
// instance, so flag bindings apply.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Logs go to stderr so command output
// on stdout stays machine readable.
func newLogger(cfg *config.Config) *logging.Logger {
	return logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
}

// buildRegistry maps the per-stage agent settings onto the stage registry.
func buildRegistry(cfg *config.Config) (*stages.Registry, error) {
	endpoints := make(map[core.StageName]stages.Endpoint, len(core.AllStages()))
	for stage, ac := range cfg.Agents.Stages() {
		if strings.TrimSpace(ac.URL) == "" {
			continue
		}
		endpoints[stage] = stages.Endpoint{
			URL:     ac.URL,
			AgentID: ac.AgentID,
			Simple:  ac.Simple,
			Timeout: ac.TimeoutDuration(),
		}
	}
	opts := []stages.Option{
		stages.WithApprovalStage(core.StageName(strings.TrimSpace(cfg.Workflow.ApprovalStage))),
	}
	if v := strings.TrimSpace(cfg.Workflow.Variant); v != "" {
		opts = append(opts, stages.WithDefaultVariant(core.Variant(v)))
	}
	return stages.NewRegistry(endpoints, opts...)
}

// newApp wires config, store, tracing, invoker and orchestrator.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("configuring stages: %w", err)
	}

	provider, err := tracing.NewProvider(ctx, cfg.Trace)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	store, err := state.Open(ctx, state.Options{
		Backend: state.Backend(cfg.State.Backend),
		Path:    cfg.State.Path,
		DSN:     cfg.State.DSN,
	})
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	logger.Debug("run store opened", "backend", cfg.State.Backend)

	bus := events.New(eventBufferSize)

	invoker := agent.New(
		agent.WithDefaultTimeout(cfg.Agents.TimeoutDuration()),
		agent.WithLogger(logger),
		agent.WithTracer(provider.Tracer()),
	)

	supervisor := workflow.NewSupervisor(
		workflow.WithMaxConcurrent(cfg.Workflow.MaxConcurrentRuns),
		workflow.WithSupervisorLogger(logger),
	)

	orch, err := workflow.New(registry, store, invoker, bus,
		workflow.WithLogger(logger),
		workflow.WithTracer(provider.Tracer()),
		workflow.WithMeter(provider.Meter()),
		workflow.WithRetryPolicy(workflow.NewRetryPolicy(cfg.Agents.MaxRetries, cfg.Agents.RetryDelayDuration())),
		workflow.WithSupervisor(supervisor),
	)
	if err != nil {
		bus.Close()
		_ = store.Close()
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		bus:     bus,
		tracing: provider,
		orch:    orch,
	}, nil
}

// Close waits for background runs until timeout, then releases resources.
func (a *app) Close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := a.orch.Supervisor().Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping runs: %w", err))
	}
	a.bus.Close()
	if err := a.tracing.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flushing traces: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing run store: %w", err))
	}
	return errors.Join(errs...)
}

// outputFormat selects how query commands render results.
type outputFormat string

const (
	formatTable outputFormat = "table"
	formatJSON  outputFormat = "json"
	formatYAML  outputFormat = "yaml"
)

func parseOutputFormat(s string) (outputFormat, error) {
	switch f := outputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "", formatTable:
		return formatTable, nil
	case formatJSON, formatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table, json or yaml)", s)
	}
}

func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputYAML renders v through its JSON form so field names match the API.
func outputYAML(w io.Writer, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(generic)
}

// render writes v as JSON or YAML, or calls table for the default format.
func render(w io.Writer, format outputFormat, v interface{}, table func(*tabwriter.Writer)) error {
	switch format {
	case formatJSON:
		return outputJSON(w, v)
	case formatYAML:
		return outputYAML(w, v)
	default:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
