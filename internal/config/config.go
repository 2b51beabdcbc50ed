// Package config handles configuration loading for drover.
// It supports XDG config paths, environment variable overrides, and
// built-in defaults for every tunable threshold in the supervisor.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the drover daemon.
type Config struct {
	DataDir      string             `mapstructure:"data_dir"`
	Log          LogConfig          `mapstructure:"log"`
	Agents       AgentsConfig       `mapstructure:"agents"`
	Session      SessionConfig      `mapstructure:"session"`
	Health       HealthConfig       `mapstructure:"health"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Router       RouterConfig       `mapstructure:"router"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum zap level (debug, info, warn, error).
	Level string `mapstructure:"level"`
	// Development enables human-readable console output.
	Development bool `mapstructure:"development"`
}

// AgentsConfig holds settings for launching agent processes.
type AgentsConfig struct {
	// Command is the CLI binary each worker session wraps.
	Command string `mapstructure:"command"`
	// RegistryPath is the YAML file the agent-config registry reads.
	RegistryPath string `mapstructure:"registry_path"`
}

// SessionConfig holds worker session settings.
type SessionConfig struct {
	// SendTimeout bounds how long a send waits for a response before the
	// session returns to ready and the call fails.
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	// StopGrace is the window between SIGTERM and SIGKILL on session stop.
	StopGrace time.Duration `mapstructure:"stop_grace"`
	// CleanupAge is how old an inactive session's metadata must be before
	// the cleanup sweep deletes it and its transcript.
	CleanupAge time.Duration `mapstructure:"cleanup_age"`
}

// HealthConfig holds process health monitor settings.
type HealthConfig struct {
	// PollInterval is how often tracked PIDs are sampled.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// UnresponsiveAfter classifies a process unresponsive when no sample
	// has succeeded for this long.
	UnresponsiveAfter time.Duration `mapstructure:"unresponsive_after"`
	// CPUThreshold is the warning threshold in percent.
	CPUThreshold float64 `mapstructure:"cpu_threshold"`
	// MemoryThresholdMB is the warning threshold in megabytes.
	MemoryThresholdMB float64 `mapstructure:"memory_threshold_mb"`
}

// OrchestratorConfig holds process orchestrator settings.
type OrchestratorConfig struct {
	// SettleDelay is the pause between kill and spawn during a restart.
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	// AutoRestart enables restart-needed signals on unhealthy agents.
	AutoRestart bool `mapstructure:"auto_restart"`
	// RestartBackoffBase is the first restart delay; doubles per attempt.
	RestartBackoffBase time.Duration `mapstructure:"restart_backoff_base"`
	// RestartBackoffCap caps the exponential restart delay.
	RestartBackoffCap time.Duration `mapstructure:"restart_backoff_cap"`
	// RestartMaxAttempts caps restart attempts per window per agent.
	RestartMaxAttempts int `mapstructure:"restart_max_attempts"`
	// RestartWindow is the sliding window for the attempt cap.
	RestartWindow time.Duration `mapstructure:"restart_window"`
}

// SchedulerConfig holds task scheduler settings.
type SchedulerConfig struct {
	// ScanInterval is the dependency scan tick.
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	// DocDir is where per-agent task documents are written.
	DocDir string `mapstructure:"doc_dir"`
	// WatchDocs enables reloading task documents edited externally.
	WatchDocs bool `mapstructure:"watch_docs"`
}

// RouterConfig holds message router settings.
type RouterConfig struct {
	// DeliveryInterval is the delivery loop tick.
	DeliveryInterval time.Duration `mapstructure:"delivery_interval"`
	// BatchSize bounds how many messages one tick may deliver.
	BatchSize int `mapstructure:"batch_size"`
	// HistoryLimit caps each agent's in-memory message history.
	HistoryLimit int `mapstructure:"history_limit"`
	// SnapshotInterval is how often history is persisted to disk.
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

// Load loads configuration from XDG paths and environment variables.
// Precedence (highest to lowest): DROVER_* environment variables,
// user config (~/.config/drover/config.yaml), built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	v.SetEnvPrefix("DROVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDataDir(cfg)
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDataDir(cfg)
	return cfg, nil
}

// applyDataDir fills in paths that default relative to the data directory.
func applyDataDir(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if cfg.Agents.RegistryPath == "" {
		cfg.Agents.RegistryPath = filepath.Join(cfg.DataDir, "agents.yaml")
	}
	if cfg.Scheduler.DocDir == "" {
		cfg.Scheduler.DocDir = filepath.Join(cfg.DataDir, "tasks")
	}
}

// StatePath returns the path of the sqlite state database.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.db")
}

// SessionStorePath returns the path of the session metadata document.
func (c *Config) SessionStorePath() string {
	return filepath.Join(c.DataDir, "sessions.json")
}

// HistoryStorePath returns the path of the message history snapshot.
func (c *Config) HistoryStorePath() string {
	return filepath.Join(c.DataDir, "messages.json")
}

// TranscriptDir returns the directory holding session transcripts.
func (c *Config) TranscriptDir() string {
	return filepath.Join(c.DataDir, "transcripts")
}

// setDefaults configures default values for every threshold.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("agents.command", "claude")

	v.SetDefault("session.send_timeout", 30*time.Second)
	v.SetDefault("session.stop_grace", 5*time.Second)
	v.SetDefault("session.cleanup_age", 7*24*time.Hour)

	v.SetDefault("health.poll_interval", 10*time.Second)
	v.SetDefault("health.unresponsive_after", 60*time.Second)
	v.SetDefault("health.cpu_threshold", 80.0)
	v.SetDefault("health.memory_threshold_mb", 512.0)

	v.SetDefault("orchestrator.settle_delay", 2*time.Second)
	v.SetDefault("orchestrator.auto_restart", true)
	v.SetDefault("orchestrator.restart_backoff_base", 2*time.Second)
	v.SetDefault("orchestrator.restart_backoff_cap", time.Minute)
	v.SetDefault("orchestrator.restart_max_attempts", 5)
	v.SetDefault("orchestrator.restart_window", 10*time.Minute)

	v.SetDefault("scheduler.scan_interval", time.Second)
	v.SetDefault("scheduler.watch_docs", true)

	v.SetDefault("router.delivery_interval", 100*time.Millisecond)
	v.SetDefault("router.batch_size", 10)
	v.SetDefault("router.history_limit", 1000)
	v.SetDefault("router.snapshot_interval", 60*time.Second)
}

// userConfigDir returns the XDG config directory for drover.
func userConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "drover")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "drover")
}

// defaultDataDir returns the XDG data directory for drover.
func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "drover")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "drover")
}
