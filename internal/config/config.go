// Package config loads the scheduler configuration from config.yaml in
// the gotasker home directory, with environment overrides on top.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-tasker/internal/otel"
)

// RunnerConfig selects how task bodies are executed.
type RunnerConfig struct {
	// Mode is "echo" (built-in, answers with the prompt) or "command"
	// (delegate to an external agent process).
	Mode string `yaml:"mode"`

	// Command and Args name the external agent. The invocation is
	// written to its stdin as JSON; stdout is the result.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// TimeoutSeconds bounds a single run. 0 means no timeout.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Config is the daemon configuration.
type Config struct {
	HomeDir  string `yaml:"-"`
	FirstRun bool   `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// TickIntervalSeconds is how often the scheduler scans for due tasks.
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`

	// RetentionDays is how long settled journal runs are kept.
	// 0 keeps them forever.
	RetentionDays int `yaml:"retention_days"`

	// WatchStore reloads the task document when it is edited out of
	// band. The document on disk always wins.
	WatchStore bool `yaml:"watch_store"`

	// StorePathOverride and JournalPathOverride relocate the data
	// files; empty uses the defaults under the home directory.
	StorePathOverride   string `yaml:"store_path"`
	JournalPathOverride string `yaml:"journal_path"`

	Runner RunnerConfig `yaml:"runner"`
	OTel   otel.Config  `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		TickIntervalSeconds: 60,
		RetentionDays:       90,
		WatchStore:          true,
		Runner: RunnerConfig{
			Mode:           "echo",
			TimeoutSeconds: int((10 * time.Minute).Seconds()),
		},
	}
}

// HomeDir returns the gotasker home directory, honoring GOTASKER_HOME.
func HomeDir() string {
	if override := os.Getenv("GOTASKER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gotasker")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// StorePath returns the path of the canonical task document.
func (c Config) StorePath() string {
	if c.StorePathOverride != "" {
		return c.StorePathOverride
	}
	return filepath.Join(c.HomeDir, "scheduler", "tasks.json")
}

// JournalPath returns the path of the run history database.
func (c Config) JournalPath() string {
	if c.JournalPathOverride != "" {
		return c.JournalPathOverride
	}
	return filepath.Join(c.HomeDir, "scheduler", "runs.db")
}

// ChatsDir returns the directory holding session transcripts.
func (c Config) ChatsDir() string {
	return filepath.Join(c.HomeDir, "chats")
}

// TickInterval returns the tick interval as a duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// RunnerTimeout returns the per-run timeout as a duration.
func (c Config) RunnerTimeout() time.Duration {
	return time.Duration(c.Runner.TimeoutSeconds) * time.Second
}

// Load reads the configuration for the given home directory. A missing
// config.yaml is seeded with the defaults so the file is there to edit.
func Load(homeDir string) (Config, error) {
	cfg := defaultConfig()
	if homeDir == "" {
		homeDir = HomeDir()
	}
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gotasker home: %w", err)
	}

	path := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		cfg.FirstRun = true
		if werr := writeDefault(path); werr != nil {
			return cfg, werr
		}
	case err != nil:
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	case len(data) > 0:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func writeDefault(path string) error {
	out, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write default config.yaml: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOTASKER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOTASKER_TICK_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TickIntervalSeconds = v
		}
	}
	if raw := os.Getenv("GOTASKER_RETENTION_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RetentionDays = v
		}
	}
	if raw := os.Getenv("GOTASKER_RUNNER_MODE"); raw != "" {
		cfg.Runner.Mode = raw
	}
	if raw := os.Getenv("GOTASKER_RUNNER_COMMAND"); raw != "" {
		cfg.Runner.Command = raw
	}
	if raw := os.Getenv("GOTASKER_RUNNER_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Runner.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("GOTASKER_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Enabled = true
		cfg.OTel.Exporter = raw
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.TickIntervalSeconds <= 0 {
		cfg.TickIntervalSeconds = 60
	}
	if cfg.RetentionDays < 0 {
		cfg.RetentionDays = 0
	}
	if cfg.Runner.Mode == "" {
		cfg.Runner.Mode = "echo"
	}
	if cfg.Runner.TimeoutSeconds < 0 {
		cfg.Runner.TimeoutSeconds = 0
	}
}

func validate(cfg Config) error {
	switch cfg.Runner.Mode {
	case "echo":
	case "command":
		if cfg.Runner.Command == "" {
			return fmt.Errorf("runner.command is required when runner.mode is %q", cfg.Runner.Mode)
		}
	default:
		return fmt.Errorf("unknown runner.mode %q (supported: echo, command)", cfg.Runner.Mode)
	}
	return nil
}

// Fingerprint returns a stable hash of the active configuration, logged
// at startup so a config drift between restarts is visible.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "tick=%d|retention=%d|log=%s|runner=%s:%s|watch=%t",
		c.TickIntervalSeconds, c.RetentionDays, c.LogLevel,
		c.Runner.Mode, c.Runner.Command, c.WatchStore)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
