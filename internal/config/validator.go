package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
)

// maxRetries bounds agents.max_retries.
const maxRetries = 10

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate checks cfg and returns every problem found as ValidationErrors.
func Validate(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateServer(&cfg.Server)
	v.validateState(&cfg.State)
	v.validateAgents(&cfg.Agents)
	v.validateWorkflow(&cfg.Workflow)
	v.validateTrace(cfg)
	v.validateDiagnostics(&cfg.Diagnostics)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if cfg.Port < 1 || cfg.Port > 65535 {
		v.addError("server.port", cfg.Port, "must be between 1 and 65535")
	}
	v.validateDuration("server.shutdown_timeout", cfg.ShutdownTimeout, false)
	for _, origin := range cfg.CORS {
		if origin == "*" {
			continue
		}
		if !isHTTPURL(origin) {
			v.addError("server.cors", origin, "origins must be absolute http(s) URLs or *")
		}
	}
}

func (v *Validator) validateState(cfg *StateConfig) {
	switch cfg.Backend {
	case "sqlite":
		if strings.TrimSpace(cfg.Path) == "" {
			v.addError("state.path", cfg.Path, "required for the sqlite backend")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DSN) == "" {
			v.addError("state.dsn", "", "required for the postgres backend")
		}
	case "memory":
	default:
		v.addError("state.backend", cfg.Backend, "must be one of: sqlite, postgres, memory")
	}
}

func (v *Validator) validateAgents(cfg *AgentsConfig) {
	v.validateDuration("agents.timeout", cfg.Timeout, false)
	v.validateDuration("agents.retry_delay", cfg.RetryDelay, true)
	if cfg.MaxRetries < 0 || cfg.MaxRetries > maxRetries {
		v.addError("agents.max_retries", cfg.MaxRetries, fmt.Sprintf("must be between 0 and %d", maxRetries))
	}

	for _, stage := range core.AllStages() {
		agent := cfg.Stages()[stage]
		field := "agents." + string(stage)
		if agent.URL != "" && !isHTTPURL(agent.URL) {
			v.addError(field+".url", agent.URL, "must be an absolute http(s) URL")
		}
		if agent.Timeout != "" {
			v.validateDuration(field+".timeout", agent.Timeout, false)
		}
	}
}

func (v *Validator) validateWorkflow(cfg *WorkflowConfig) {
	if !core.ValidVariant(core.Variant(cfg.Variant)) {
		v.addError("workflow.variant", cfg.Variant, "must be one of: standard, extended")
	}
	if cfg.ApprovalStage != "" && !core.ValidStage(core.StageName(cfg.ApprovalStage)) {
		v.addError("workflow.approval_stage", cfg.ApprovalStage, "must be empty or a known stage")
	}
	if cfg.MaxConcurrentRuns < 1 {
		v.addError("workflow.max_concurrent_runs", cfg.MaxConcurrentRuns, "must be positive")
	}
	v.validateDuration("workflow.idempotency_ttl", cfg.IdempotencyTTL, false)
}

func (v *Validator) validateTrace(cfg *Config) {
	t := cfg.Trace
	validExporters := map[string]bool{
		"none": true, "stdout": true, "file": true, "otlp": true,
	}
	if !validExporters[t.Exporter] {
		v.addError("trace.exporter", t.Exporter, "must be one of: none, stdout, file, otlp")
	}
	if t.SampleRate < 0 || t.SampleRate > 1 {
		v.addError("trace.sample_rate", t.SampleRate, "must be between 0.0 and 1.0")
	}
	if t.Enabled && t.Exporter == "file" && strings.TrimSpace(t.FilePath) == "" {
		v.addError("trace.file_path", t.FilePath, "required for the file exporter")
	}
	if t.Enabled && t.Exporter == "otlp" && strings.TrimSpace(t.OTLPEndpoint) == "" {
		v.addError("trace.otlp_endpoint", t.OTLPEndpoint, "required for the otlp exporter")
	}
}

func (v *Validator) validateDiagnostics(cfg *DiagnosticsConfig) {
	if !cfg.Enabled {
		return
	}
	v.validateDuration("diagnostics.interval", cfg.Interval, false)
	if cfg.GoroutineThreshold < 0 {
		v.addError("diagnostics.goroutine_threshold", cfg.GoroutineThreshold, "must be non-negative")
	}
	if cfg.MemoryThresholdMB < 0 {
		v.addError("diagnostics.memory_threshold_mb", cfg.MemoryThresholdMB, "must be non-negative")
	}
}

func (v *Validator) validateDuration(field, value string, allowZero bool) {
	d, err := time.ParseDuration(value)
	if err != nil {
		v.addError(field, value, "invalid duration format")
		return
	}
	if d < 0 || (d == 0 && !allowZero) {
		v.addError(field, value, "must be positive")
	}
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.IsAbs() && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
