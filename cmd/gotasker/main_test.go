package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-tasker/internal/agent"
	"github.com/basket/go-tasker/internal/config"
	"github.com/basket/go-tasker/internal/journal"
)

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" a, ,b,,c ")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("splitCSV = %v", got)
	}
	if splitCSV("") != nil {
		t.Error("empty input should yield nil")
	}
}

func TestParseLaunchTimes(t *testing.T) {
	got, err := parseLaunchTimes("2026-09-01T10:00:00Z,2026-09-02T10:00:00Z")
	if err != nil {
		t.Fatalf("parseLaunchTimes: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d times", len(got))
	}
	want := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	if !got[0].Equal(want) {
		t.Errorf("first launch = %s", got[0])
	}

	if _, err := parseLaunchTimes("next tuesday"); err == nil {
		t.Error("expected error for non-RFC3339 input")
	}
	if _, err := parseLaunchTimes(""); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestRunnerFromConfig(t *testing.T) {
	cfg := config.Config{}
	cfg.Runner.Mode = "echo"
	if _, ok := runnerFromConfig(cfg).(agent.EchoRunner); !ok {
		t.Errorf("echo mode runner = %T", runnerFromConfig(cfg))
	}

	cfg.Runner.Mode = "command"
	cfg.Runner.Command = "/usr/bin/agent"
	cfg.Runner.TimeoutSeconds = 30
	cr, ok := runnerFromConfig(cfg).(agent.CommandRunner)
	if !ok {
		t.Fatalf("command mode runner = %T", runnerFromConfig(cfg))
	}
	if cr.Command != "/usr/bin/agent" || cr.Timeout != 30*time.Second {
		t.Errorf("command runner = %+v", cr)
	}
}

func TestSettledRunUsesJournalStatus(t *testing.T) {
	ctx := context.Background()
	j, err := journal.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	runID, err := j.RecordStart(ctx, "task-1", "grep-report", "adhoc", journal.TriggerManual)
	if err != nil {
		t.Fatal(err)
	}

	// Still open: no outcome yet, and the grace window must not spin forever.
	if _, ok := settledRun(ctx, j, "task-1", 150*time.Millisecond); ok {
		t.Fatal("open run reported as settled")
	}

	// A result that merely looks like a failure stays a success.
	if err := j.RecordFinish(ctx, runID, journal.StatusSucceeded, "ERROR: 3 occurrences found", ""); err != nil {
		t.Fatal(err)
	}
	run, ok := settledRun(ctx, j, "task-1", time.Second)
	if !ok {
		t.Fatal("settled run not found")
	}
	if run.Status != journal.StatusSucceeded || run.Result != "ERROR: 3 occurrences found" {
		t.Errorf("run = %+v", run)
	}

	if _, ok := settledRun(ctx, nil, "task-1", time.Second); ok {
		t.Error("nil journal should report no outcome")
	}
	if _, ok := settledRun(ctx, j, "unknown", time.Second); ok {
		t.Error("unknown task should report no outcome")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nGOTASKER_TEST_ENV_A=from-file\nGOTASKER_TEST_ENV_B=ignored\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GOTASKER_TEST_ENV_A", "")
	t.Setenv("GOTASKER_TEST_ENV_B", "already-set")
	os.Unsetenv("GOTASKER_TEST_ENV_A")

	loadDotEnv(path)

	if got := os.Getenv("GOTASKER_TEST_ENV_A"); got != "from-file" {
		t.Errorf("GOTASKER_TEST_ENV_A = %q", got)
	}
	if got := os.Getenv("GOTASKER_TEST_ENV_B"); got != "already-set" {
		t.Errorf("existing env var overwritten: %q", got)
	}
}
