package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/ternarybob/repx/internal/models"
)

// Config represents the engine configuration loaded from config.toml
type Config struct {
	SubmissionTarget string                  `toml:"submission_target"`
	Targets          map[string]TargetConfig `toml:"targets" validate:"required,min=1,dive"`
	Logging          LoggingConfig           `toml:"logging"`
}

// TargetConfig names a binding of transport, store and scheduler defaults
// where jobs execute
type TargetConfig struct {
	Address              string            `toml:"address"` // "user@host", empty for local
	BasePath             string            `toml:"base_path" validate:"required"`
	DefaultScheduler     string            `toml:"default_scheduler" validate:"omitempty,oneof=slurm local"`
	DefaultExecutionType string            `toml:"default_execution_type" validate:"omitempty,oneof=native bwrap podman docker"`
	NodeLocalPath        string            `toml:"node_local_path"`
	StrictHostKey        *bool             `toml:"strict_host_key"` // nil means strict
	Slurm                SlurmTargetConfig `toml:"slurm"`
	Local                LocalTargetConfig `toml:"local"`
}

// SlurmTargetConfig scopes the batch workload manager on a target
type SlurmTargetConfig struct {
	ExecutionTypes []string `toml:"execution_types" validate:"dive,oneof=native bwrap podman docker"`
}

// LocalTargetConfig scopes the bounded worker pool on a target
type LocalTargetConfig struct {
	ExecutionTypes   []string `toml:"execution_types" validate:"dive,oneof=native bwrap podman docker"`
	LocalConcurrency int      `toml:"local_concurrency"`
}

// LoggingConfig controls log level and writers
type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values. Only
// user-facing settings are exposed in config.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Targets: map[string]TargetConfig{},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// DefaultConfigPath resolves the config file location:
// $XDG_CONFIG_HOME/repx/config.toml, falling back to ~/.config/repx/config.toml
func DefaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "repx", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.toml")
	}
	return filepath.Join(home, ".config", "repx", "config.toml")
}

// LoadConfig loads configuration with priority: defaults -> file -> env.
// An empty path resolves through DefaultConfigPath; a missing default file
// is not an error, a missing explicit file is.
func LoadConfig(path string) (*Config, error) {
	config := NewDefaultConfig()

	explicit := path != ""
	if path == "" {
		path = DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if target := os.Getenv("REPX_SUBMISSION_TARGET"); target != "" {
		config.SubmissionTarget = target
	}
	if level := os.Getenv("REPX_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if concurrency := os.Getenv("REPX_LOCAL_CONCURRENCY"); concurrency != "" {
		if n, err := strconv.Atoi(concurrency); err == nil && n > 0 {
			for name, t := range config.Targets {
				t.Local.LocalConcurrency = n
				config.Targets[name] = t
			}
		}
	}
}

// Validate checks structural invariants of the loaded configuration
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.SubmissionTarget != "" {
		if _, ok := c.Targets[c.SubmissionTarget]; !ok {
			return fmt.Errorf("submission_target %q is not a configured target", c.SubmissionTarget)
		}
	}
	return nil
}

// Target resolves a target by name, falling back to the configured
// submission target when name is empty
func (c *Config) Target(name string) (string, TargetConfig, error) {
	if name == "" {
		name = c.SubmissionTarget
	}
	if name == "" {
		return "", TargetConfig{}, fmt.Errorf("no target specified and no submission_target configured")
	}
	t, ok := c.Targets[name]
	if !ok {
		return "", TargetConfig{}, fmt.Errorf("unknown target %q", name)
	}
	return name, t, nil
}

// IsRemote reports whether the target is reached over the remote transport
func (t TargetConfig) IsRemote() bool {
	return t.Address != ""
}

// SchedulerKind resolves the effective scheduler for the target, with an
// optional CLI override
func (t TargetConfig) SchedulerKind(override string) models.SchedulerKind {
	kind := t.DefaultScheduler
	if override != "" {
		kind = override
	}
	if kind == "" {
		kind = string(models.SchedulerLocal)
	}
	return models.SchedulerKind(kind)
}

// RuntimeKind resolves the effective default runtime for the target
func (t TargetConfig) RuntimeKind() models.RuntimeKind {
	if t.DefaultExecutionType == "" {
		return models.RuntimeNative
	}
	return models.RuntimeKind(t.DefaultExecutionType)
}

// AdmissibleRuntimes returns the runtimes the target admits for a scheduler
// kind; an empty list admits every runtime
func (t TargetConfig) AdmissibleRuntimes(scheduler models.SchedulerKind) []models.RuntimeKind {
	var names []string
	switch scheduler {
	case models.SchedulerSlurm:
		names = t.Slurm.ExecutionTypes
	case models.SchedulerLocal:
		names = t.Local.ExecutionTypes
	}
	if len(names) == 0 {
		return models.AllRuntimeKinds()
	}
	kinds := make([]models.RuntimeKind, 0, len(names))
	for _, n := range names {
		kinds = append(kinds, models.RuntimeKind(n))
	}
	return kinds
}

// Admits reports whether the runtime is admissible under the scheduler
func (t TargetConfig) Admits(scheduler models.SchedulerKind, runtime models.RuntimeKind) bool {
	for _, k := range t.AdmissibleRuntimes(scheduler) {
		if k == runtime {
			return true
		}
	}
	return false
}

// Concurrency returns the local worker pool bound, with an optional CLI
// override; the bound applies to the local scheduler only
func (t TargetConfig) Concurrency(override int) int {
	if override > 0 {
		return override
	}
	if t.Local.LocalConcurrency > 0 {
		return t.Local.LocalConcurrency
	}
	return 4
}
