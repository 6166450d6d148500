package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/basket/go-tasker/internal/agent"
	"github.com/basket/go-tasker/internal/config"
	"github.com/basket/go-tasker/internal/journal"
	"github.com/basket/go-tasker/internal/scheduler"
	"github.com/basket/go-tasker/internal/store"
	"github.com/basket/go-tasker/internal/task"
)

// runTrigger runs a task in this process and waits for it to settle.
// It shares the task document and journal with the daemon, so the
// single-flight guard holds across both.
func runTrigger(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	uuid := fs.String("uuid", "", "task uuid")
	name := fs.String("name", "", "task name")
	token := fs.String("token", "", "ad-hoc trigger token")
	extra := fs.String("context", "", "extra context prepended to the prompt for this run")
	timeout := fs.Duration("timeout", 15*time.Minute, "how long to wait for the run to settle")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	given := 0
	for _, v := range []string{*uuid, *name, *token} {
		if v != "" {
			given++
		}
	}
	if given != 1 {
		fmt.Fprintln(os.Stderr, "exactly one of -uuid, -name or -token is required")
		return 2
	}

	st, err := store.Open(cfg.StorePath(), logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	j, err := journal.Open(cfg.JournalPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer j.Close()
	reg, err := agent.NewRegistry(cfg.ChatsDir(), logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	sched := scheduler.New(scheduler.Config{
		Store:    st,
		Journal:  j,
		Registry: reg,
		Runner:   runnerFromConfig(cfg),
		Logger:   logger,
		Interval: cfg.TickInterval(),
	})
	defer sched.Stop()

	target := *uuid
	switch {
	case *name != "":
		target, err = sched.RunByName(ctx, *name, *extra)
	case *token != "":
		target, err = sched.RunByToken(ctx, *token, *extra)
	default:
		err = sched.RunByUUID(ctx, *uuid, *extra)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	outcome, err := sched.Wait(ctx, target, *timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(outcome.String())
	if !outcome.OK() {
		return 1
	}
	return 0
}

// runWait waits for a task run owned by another process (usually the
// daemon) by watching the persisted state. The run's outcome comes from
// the journal; only when the journal has nothing does the last_result
// string decide.
func runWait(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("wait", flag.ExitOnError)
	uuid := fs.String("uuid", "", "task uuid (required)")
	timeout := fs.Duration("timeout", 15*time.Minute, "how long to wait")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *uuid == "" {
		fmt.Fprintln(os.Stderr, "-uuid is required")
		return 2
	}

	st, err := store.Open(cfg.StorePath(), logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	j, err := journal.Open(cfg.JournalPath())
	if err != nil {
		logger.Warn("journal unavailable, outcome falls back to last_result", "error", err)
		j = nil
	} else {
		defer j.Close()
	}

	deadline := time.Now().Add(*timeout)
	for {
		t, err := st.Get(*uuid)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if t.State != task.StateRunning {
			if run, ok := settledRun(ctx, j, *uuid, 2*time.Second); ok {
				if run.Status == journal.StatusSucceeded {
					fmt.Println(run.Result)
					return 0
				}
				fmt.Println("ERROR: " + run.Error)
				return 1
			}
			fmt.Println(t.LastResult)
			if strings.HasPrefix(t.LastResult, "ERROR: ") {
				return 1
			}
			return 0
		}
		if time.Now().After(deadline) {
			fmt.Fprintf(os.Stderr, "timed out waiting for task %s\n", *uuid)
			return 1
		}
		select {
		case <-ctx.Done():
			return 1
		case <-time.After(200 * time.Millisecond):
		}
		if err := st.Reload(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
}

// settledRun fetches the latest journal run for a task once it has left
// the running state. The daemon settles the document before it closes
// the journal run, so a still-open row gets a short grace period.
func settledRun(ctx context.Context, j *journal.Journal, uuid string, grace time.Duration) (journal.Run, bool) {
	if j == nil {
		return journal.Run{}, false
	}
	deadline := time.Now().Add(grace)
	for {
		runs, err := j.ListRuns(ctx, uuid, 1)
		if err != nil || len(runs) == 0 {
			return journal.Run{}, false
		}
		switch runs[0].Status {
		case journal.StatusSucceeded, journal.StatusFailed:
			return runs[0], true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return journal.Run{}, false
		}
		time.Sleep(100 * time.Millisecond)
	}
}
