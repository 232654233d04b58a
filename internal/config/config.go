package config

import (
	"time"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/tracing"
)

// Config holds all application configuration.
type Config struct {
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	State       StateConfig       `mapstructure:"state" yaml:"state"`
	Agents      AgentsConfig      `mapstructure:"agents" yaml:"agents"`
	Workflow    WorkflowConfig    `mapstructure:"workflow" yaml:"workflow"`
	Trace       tracing.Config    `mapstructure:"trace" yaml:"trace"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics" yaml:"diagnostics"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	// CORS lists allowed browser origins. Empty disables CORS headers.
	CORS            []string `mapstructure:"cors" yaml:"cors"`
	ShutdownTimeout string   `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StateConfig configures the run store.
type StateConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Path    string `mapstructure:"path" yaml:"path"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
}

// AgentsConfig configures the stage agents and how they are called.
type AgentsConfig struct {
	Timeout        string      `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries     int         `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay     string      `mapstructure:"retry_delay" yaml:"retry_delay"`
	MarketResearch AgentConfig `mapstructure:"market_research" yaml:"market_research"`
	Improvement    AgentConfig `mapstructure:"improvement" yaml:"improvement"`
	Branding       AgentConfig `mapstructure:"branding" yaml:"branding"`
	CodeGeneration AgentConfig `mapstructure:"code_generation" yaml:"code_generation"`
	Marketing      AgentConfig `mapstructure:"marketing" yaml:"marketing"`
	Deployment     AgentConfig `mapstructure:"deployment" yaml:"deployment"`
}

// AgentConfig locates one stage agent.
type AgentConfig struct {
	URL     string `mapstructure:"url" yaml:"url"`
	AgentID string `mapstructure:"agent_id" yaml:"agent_id"`
	Simple  bool   `mapstructure:"simple" yaml:"simple"`
	Timeout string `mapstructure:"timeout" yaml:"timeout"`
}

// Stages returns the per-stage agent settings keyed by stage name.
func (c AgentsConfig) Stages() map[core.StageName]AgentConfig {
	return map[core.StageName]AgentConfig{
		core.StageMarketResearch: c.MarketResearch,
		core.StageImprovement:    c.Improvement,
		core.StageBranding:       c.Branding,
		core.StageCodeGeneration: c.CodeGeneration,
		core.StageMarketing:      c.Marketing,
		core.StageDeployment:     c.Deployment,
	}
}

// TimeoutDuration returns the default agent call timeout.
func (c AgentsConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout)
}

// RetryDelayDuration returns the base delay between retries.
func (c AgentsConfig) RetryDelayDuration() time.Duration {
	return parseDuration(c.RetryDelay)
}

// TimeoutDuration returns the stage override, or zero.
func (c AgentConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout)
}

// WorkflowConfig configures run execution.
type WorkflowConfig struct {
	Variant string `mapstructure:"variant" yaml:"variant"`
	// ApprovalStage is the stage that waits for a human decision. Empty disables the gate.
	ApprovalStage     string `mapstructure:"approval_stage" yaml:"approval_stage"`
	MaxConcurrentRuns int    `mapstructure:"max_concurrent_runs" yaml:"max_concurrent_runs"`
	IdempotencyTTL    string `mapstructure:"idempotency_ttl" yaml:"idempotency_ttl"`
}

// IdempotencyTTLDuration returns how long Idempotency-Key values are remembered.
func (c WorkflowConfig) IdempotencyTTLDuration() time.Duration {
	return parseDuration(c.IdempotencyTTL)
}

// DiagnosticsConfig configures resource sampling for the health endpoint.
type DiagnosticsConfig struct {
	Enabled            bool   `mapstructure:"enabled" yaml:"enabled"`
	Interval           string `mapstructure:"interval" yaml:"interval"`
	GoroutineThreshold int    `mapstructure:"goroutine_threshold" yaml:"goroutine_threshold"`
	MemoryThresholdMB  int    `mapstructure:"memory_threshold_mb" yaml:"memory_threshold_mb"`
	HostMetrics        bool   `mapstructure:"host_metrics" yaml:"host_metrics"`
}

// IntervalDuration returns the sampling interval.
func (c DiagnosticsConfig) IntervalDuration() time.Duration {
	return parseDuration(c.Interval)
}

// ShutdownTimeoutDuration returns the graceful shutdown bound.
func (c ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return parseDuration(c.ShutdownTimeout)
}

// parseDuration returns zero for empty or invalid values; Validate reports the latter.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
