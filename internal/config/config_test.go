package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-tasker/internal/config"
)

func TestLoad_FromConfigFile(t *testing.T) {
	home := t.TempDir()
	content := "log_level: debug\ntick_interval_seconds: 5\nrunner:\n  mode: command\n  command: /usr/bin/agent\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
	if cfg.TickInterval() != 5*time.Second {
		t.Errorf("tick interval = %s", cfg.TickInterval())
	}
	if cfg.Runner.Mode != "command" || cfg.Runner.Command != "/usr/bin/agent" {
		t.Errorf("runner = %+v", cfg.Runner)
	}
	if cfg.FirstRun {
		t.Error("FirstRun set even though config.yaml existed")
	}
}

func TestLoad_SeedsDefaultConfig(t *testing.T) {
	home := t.TempDir()

	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.FirstRun {
		t.Error("FirstRun not set on first load")
	}
	if cfg.TickIntervalSeconds != 60 {
		t.Errorf("tick_interval_seconds = %d, want default 60", cfg.TickIntervalSeconds)
	}
	if cfg.Runner.Mode != "echo" {
		t.Errorf("runner.mode = %q, want echo", cfg.Runner.Mode)
	}

	// The defaults were written out so the user has a file to edit.
	data, err := os.ReadFile(config.ConfigPath(home))
	if err != nil {
		t.Fatalf("seeded config.yaml missing: %v", err)
	}
	if !strings.Contains(string(data), "tick_interval_seconds: 60") {
		t.Errorf("seeded config.yaml lacks defaults:\n%s", data)
	}

	// A second load reads the seeded file without FirstRun.
	again, err := config.Load(home)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if again.FirstRun {
		t.Error("FirstRun set on second load")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOTASKER_LOG_LEVEL", "warn")
	t.Setenv("GOTASKER_TICK_INTERVAL_SECONDS", "15")
	t.Setenv("GOTASKER_RUNNER_MODE", "command")
	t.Setenv("GOTASKER_RUNNER_COMMAND", "/opt/agent")

	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
	if cfg.TickIntervalSeconds != 15 {
		t.Errorf("tick_interval_seconds = %d", cfg.TickIntervalSeconds)
	}
	if cfg.Runner.Command != "/opt/agent" {
		t.Errorf("runner.command = %q", cfg.Runner.Command)
	}
}

func TestLoad_RejectsCommandModeWithoutCommand(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("runner:\n  mode: command\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(home); err == nil {
		t.Fatal("expected error for command mode without a command")
	}
}

func TestLoad_RejectsUnknownRunnerMode(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("runner:\n  mode: teleport\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(home); err == nil {
		t.Fatal("expected error for unknown runner mode")
	}
}

func TestLoad_NormalizesBadValues(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("tick_interval_seconds: -3\nretention_days: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.TickIntervalSeconds != 60 {
		t.Errorf("tick_interval_seconds = %d, want 60", cfg.TickIntervalSeconds)
	}
	if cfg.RetentionDays != 0 {
		t.Errorf("retention_days = %d, want 0", cfg.RetentionDays)
	}
}

func TestHomeDir_Override(t *testing.T) {
	t.Setenv("GOTASKER_HOME", "/tmp/elsewhere")
	if got := config.HomeDir(); got != "/tmp/elsewhere" {
		t.Errorf("HomeDir() = %q", got)
	}
}

func TestPaths(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.Load(home)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, "scheduler", "tasks.json"); cfg.StorePath() != want {
		t.Errorf("store path = %q, want %q", cfg.StorePath(), want)
	}
	if want := filepath.Join(home, "scheduler", "runs.db"); cfg.JournalPath() != want {
		t.Errorf("journal path = %q, want %q", cfg.JournalPath(), want)
	}
	if filepath.Base(cfg.ChatsDir()) != "chats" {
		t.Errorf("chats dir = %q", cfg.ChatsDir())
	}

	cfg.StorePathOverride = "/srv/tasks.json"
	if cfg.StorePath() != "/srv/tasks.json" {
		t.Errorf("store path override = %q", cfg.StorePath())
	}
}

func TestFingerprintIsStable(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	a, b := cfg.Fingerprint(), cfg.Fingerprint()
	if a != b {
		t.Errorf("fingerprint not stable: %s != %s", a, b)
	}
	cfg.TickIntervalSeconds = 7
	if cfg.Fingerprint() == a {
		t.Error("fingerprint did not change with config")
	}
}
