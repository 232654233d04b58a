package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
)

// EnvPrefix prefixes every environment override, e.g. DECISIONPOINTS_SERVER_PORT.
const EnvPrefix = "DECISIONPOINTS"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: EnvPrefix,
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: EnvPrefix,
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (DECISIONPOINTS_*)
// 3. Project config (.decisionpoints.yaml in current directory)
// 4. User config (~/.config/decisionpoints/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// An empty DECISIONPOINTS_WORKFLOW_APPROVAL_STAGE disables the gate.
	l.v.AllowEmptyEnv(true)
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else if err := l.readSearchPaths(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// readSearchPaths reads the first config file found. The project file wins
// over the user file.
func (l *Loader) readSearchPaths() error {
	candidates := []string{ProjectConfigFile}
	if user, err := UserConfigPath(); err == nil {
		candidates = append(candidates, user)
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return fmt.Errorf("reading config %s: %w", path, err)
		}
		return nil
	}
	return nil
}

// ProjectConfigFile is the per-directory config file name.
const ProjectConfigFile = ".decisionpoints.yaml"

// UserConfigPath returns ~/.config/decisionpoints/config.yaml.
func UserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "decisionpoints", "config.yaml"), nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	// Log defaults
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	// Server defaults
	l.v.SetDefault("server.host", "127.0.0.1")
	l.v.SetDefault("server.port", 8080)
	l.v.SetDefault("server.cors", []string{})
	l.v.SetDefault("server.shutdown_timeout", "30s")

	// State defaults
	l.v.SetDefault("state.backend", "sqlite")
	l.v.SetDefault("state.path", ".decisionpoints/state/runs.db")
	l.v.SetDefault("state.dsn", "")

	// Agent defaults. Every key is registered so env overrides resolve.
	l.v.SetDefault("agents.timeout", "300s")
	l.v.SetDefault("agents.max_retries", 0)
	l.v.SetDefault("agents.retry_delay", "2s")
	for _, stage := range core.AllStages() {
		prefix := "agents." + string(stage) + "."
		l.v.SetDefault(prefix+"url", "")
		l.v.SetDefault(prefix+"agent_id", "")
		l.v.SetDefault(prefix+"simple", false)
		l.v.SetDefault(prefix+"timeout", "")
	}

	// Workflow defaults
	l.v.SetDefault("workflow.variant", string(core.VariantStandard))
	l.v.SetDefault("workflow.approval_stage", string(core.StageDeployment))
	l.v.SetDefault("workflow.max_concurrent_runs", 10)
	l.v.SetDefault("workflow.idempotency_ttl", "10m")

	// Trace defaults
	l.v.SetDefault("trace.enabled", false)
	l.v.SetDefault("trace.exporter", "stdout")
	l.v.SetDefault("trace.file_path", ".decisionpoints/traces/spans.json")
	l.v.SetDefault("trace.otlp_endpoint", "localhost:4317")
	l.v.SetDefault("trace.sample_rate", 1.0)
	l.v.SetDefault("trace.service_name", "decisionpoints")

	// Diagnostics defaults
	l.v.SetDefault("diagnostics.enabled", true)
	l.v.SetDefault("diagnostics.interval", "30s")
	l.v.SetDefault("diagnostics.goroutine_threshold", 10000)
	l.v.SetDefault("diagnostics.memory_threshold_mb", 4096)
	l.v.SetDefault("diagnostics.host_metrics", false)
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}
