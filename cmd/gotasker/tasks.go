package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-tasker/internal/agent"
	"github.com/basket/go-tasker/internal/config"
	"github.com/basket/go-tasker/internal/journal"
	"github.com/basket/go-tasker/internal/scheduler"
	"github.com/basket/go-tasker/internal/store"
	"github.com/basket/go-tasker/internal/task"
)

func openScheduler(cfg config.Config, logger *slog.Logger) (*scheduler.Scheduler, *store.Store, error) {
	st, err := store.Open(cfg.StorePath(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	reg, err := agent.NewRegistry(cfg.ChatsDir(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open session registry: %w", err)
	}
	sched := scheduler.New(scheduler.Config{
		Store:    st,
		Registry: reg,
		Runner:   runnerFromConfig(cfg),
		Logger:   logger,
		Interval: cfg.TickInterval(),
	})
	return sched, st, nil
}

// splitCSV splits a comma-separated flag value, dropping empty entries.
func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseLaunchTimes parses a comma-separated list of RFC3339 timestamps.
func parseLaunchTimes(raw string) ([]time.Time, error) {
	parts := splitCSV(raw)
	if len(parts) == 0 {
		return nil, fmt.Errorf("no launch times given")
	}
	out := make([]time.Time, 0, len(parts))
	for _, p := range parts {
		ts, err := time.Parse(time.RFC3339, p)
		if err != nil {
			return nil, fmt.Errorf("parse launch time %q: %w", p, err)
		}
		out = append(out, ts)
	}
	return out, nil
}

func runCreate(cfg config.Config, logger *slog.Logger, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "create needs a kind: scheduled, adhoc or planned")
		return 2
	}
	kind := strings.ToLower(args[0])

	fs := flag.NewFlagSet("create "+kind, flag.ExitOnError)
	name := fs.String("name", "", "task name (required)")
	prompt := fs.String("prompt", "", "task prompt (required)")
	system := fs.String("system", "", "system prompt")
	attach := fs.String("attach", "", "comma-separated attachment paths")
	cronExpr := fs.String("cron", "", "5-field cron expression (scheduled)")
	tz := fs.String("tz", "UTC", "timezone for the cron schedule")
	at := fs.String("at", "", "comma-separated RFC3339 launch times (planned)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if *name == "" || *prompt == "" {
		fmt.Fprintln(os.Stderr, "-name and -prompt are required")
		return 2
	}
	attachments := splitCSV(*attach)

	var t *task.Task
	var err error
	switch kind {
	case "scheduled":
		if *cronExpr == "" {
			fmt.Fprintln(os.Stderr, "-cron is required for scheduled tasks")
			return 2
		}
		var sched task.Schedule
		sched, err = task.ParseSchedule(*cronExpr, *tz)
		if err == nil {
			t, err = task.NewScheduled(*name, *system, *prompt, attachments, sched)
		}
	case "adhoc":
		t, err = task.NewAdHoc(*name, *system, *prompt, attachments)
	case "planned":
		var launches []time.Time
		launches, err = parseLaunchTimes(*at)
		if err == nil {
			t, err = task.NewPlanned(*name, *system, *prompt, attachments, launches)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown task kind %q\n", kind)
		return 2
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	sched, _, err := openScheduler(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := sched.Create(t); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	fmt.Printf("created %s task %s (%s)\n", t.Kind, t.Name, t.UUID)
	if t.Kind == task.KindAdHoc {
		fmt.Printf("trigger token: %s\n", t.Token)
	}
	if next, ok := t.NextRun(time.Now().UTC()); ok {
		fmt.Printf("next run: %s\n", next.Format(time.RFC3339))
	}
	return 0
}

func runList(cfg config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	kind := fs.String("kind", "", "filter by kind: scheduled, adhoc, planned")
	state := fs.String("state", "", "filter by state: idle, running, disabled")
	within := fs.Duration("within", 0, "only tasks with a next run inside this window")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	st, err := store.Open(cfg.StorePath(), logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	now := time.Now().UTC()
	var tasks []*task.Task
	for _, t := range st.All() {
		if *kind != "" && string(t.Kind) != *kind {
			continue
		}
		if *state != "" && string(t.State) != *state {
			continue
		}
		if *within > 0 {
			next, ok := t.NextRun(now)
			if !ok || next.After(now.Add(*within)) {
				continue
			}
		}
		tasks = append(tasks, t)
	}

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		enc := json.NewEncoder(os.Stdout)
		for _, t := range tasks {
			if err := enc.Encode(t); err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 1
			}
		}
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tUUID\tKIND\tSTATE\tNEXT RUN\tLAST RUN")
	for _, t := range tasks {
		next := "-"
		if n, ok := t.NextRun(now); ok {
			next = n.Format(time.RFC3339)
		}
		last := "-"
		if t.LastRun != nil {
			last = t.LastRun.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.Name, t.UUID, t.Kind, t.State, next, last)
	}
	w.Flush()
	return 0
}

func runShow(cfg config.Config, logger *slog.Logger, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "show needs exactly one uuid")
		return 2
	}
	st, err := store.Open(cfg.StorePath(), logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	t, err := st.Get(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	out, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(string(out))
	return 0
}

func runDelete(cfg config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	uuid := fs.String("uuid", "", "task uuid")
	name := fs.String("name", "", "task name")
	all := fs.Bool("all", false, "delete every task matching -name")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if (*uuid == "") == (*name == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -uuid or -name is required")
		return 2
	}

	sched, st, err := openScheduler(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	targets := []string{*uuid}
	if *name != "" {
		matches := st.FindByName(*name)
		if len(matches) == 0 {
			fmt.Fprintf(os.Stderr, "no task named %q\n", *name)
			return 1
		}
		if len(matches) > 1 && !*all {
			fmt.Fprintf(os.Stderr, "%d tasks named %q; pass -all to delete them all\n", len(matches), *name)
			return 1
		}
		targets = targets[:0]
		for _, m := range matches {
			targets = append(targets, m.UUID)
		}
	}

	for _, id := range targets {
		if err := sched.Delete(id); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("deleted %s\n", id)
	}
	return 0
}

func runSetEnabled(cfg config.Config, logger *slog.Logger, args []string, enable bool) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "enable/disable needs exactly one uuid")
		return 2
	}
	sched, _, err := openScheduler(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if enable {
		err = sched.Enable(args[0])
	} else {
		err = sched.Disable(args[0])
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func runRuns(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	uuid := fs.String("uuid", "", "limit to one task")
	limit := fs.Int("limit", 20, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	j, err := journal.Open(cfg.JournalPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer j.Close()

	runs, err := j.ListRuns(ctx, *uuid, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		enc := json.NewEncoder(os.Stdout)
		for _, r := range runs {
			if err := enc.Encode(r); err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 1
			}
		}
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tTASK\tTRIGGER\tSTATUS\tRESULT")
	for _, r := range runs {
		summary := r.Result
		if r.Error != "" {
			summary = "ERROR: " + r.Error
		}
		if len(summary) > 60 {
			summary = summary[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Format(time.RFC3339), r.TaskName, r.Trigger, r.Status, summary)
	}
	w.Flush()
	return 0
}
