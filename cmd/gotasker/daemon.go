package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/go-tasker/internal/agent"
	"github.com/basket/go-tasker/internal/bus"
	"github.com/basket/go-tasker/internal/config"
	"github.com/basket/go-tasker/internal/deferred"
	"github.com/basket/go-tasker/internal/journal"
	otelPkg "github.com/basket/go-tasker/internal/otel"
	"github.com/basket/go-tasker/internal/scheduler"
	"github.com/basket/go-tasker/internal/store"
)

// runDaemon wires the whole scheduler together and runs until the
// context is cancelled by a signal.
func runDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	logger.Info("gotasker starting", "version", Version, "home", cfg.HomeDir,
		"config", cfg.Fingerprint())
	if cfg.FirstRun {
		logger.Info("seeded default config.yaml", "path", config.ConfigPath(cfg.HomeDir))
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		logger.Error("otel init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		return 1
	}

	st, err := store.Open(cfg.StorePath(), logger)
	if err != nil {
		logger.Error("store open failed", "path", cfg.StorePath(), "error", err)
		return 1
	}
	j, err := journal.Open(cfg.JournalPath())
	if err != nil {
		logger.Error("journal open failed", "path", cfg.JournalPath(), "error", err)
		return 1
	}
	defer j.Close()
	reg, err := agent.NewRegistry(cfg.ChatsDir(), logger)
	if err != nil {
		logger.Error("session registry init failed", "error", err)
		return 1
	}

	eventBus := bus.New()
	sched := scheduler.New(scheduler.Config{
		Store:    st,
		Journal:  j,
		Engine:   deferred.New(logger),
		Registry: reg,
		Runner:   runnerFromConfig(cfg),
		Bus:      eventBus,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   otelProvider.Tracer,
		Interval: cfg.TickInterval(),
	})

	if err := sched.Recover(ctx); err != nil {
		logger.Error("recovery failed", "error", err)
		return 1
	}

	if cfg.WatchStore {
		watcher := store.NewWatcher(st, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("store watcher unavailable", "error", err)
		} else {
			go func() {
				for ev := range watcher.Events() {
					logger.Info("task document reloaded", "path", ev.Path)
					eventBus.Publish(bus.TopicStoreReloaded, ev)
				}
			}()
		}
	}

	if cfg.RetentionDays > 0 {
		go pruneLoop(ctx, j, cfg.RetentionDays, logger)
	}

	sched.Start(ctx)
	logger.Info("gotasker ready", "tick_interval", cfg.TickInterval().String(),
		"runner", cfg.Runner.Mode, "tasks", len(st.All()))

	<-ctx.Done()
	logger.Info("shutting down")
	sched.Stop()
	logger.Info("shutdown complete")
	return 0
}

func runnerFromConfig(cfg config.Config) agent.Runner {
	if cfg.Runner.Mode == "command" {
		return agent.CommandRunner{
			Command: cfg.Runner.Command,
			Args:    cfg.Runner.Args,
			Timeout: cfg.RunnerTimeout(),
		}
	}
	return agent.EchoRunner{}
}

// pruneLoop trims settled journal runs past the retention window, once
// at startup and then daily.
func pruneLoop(ctx context.Context, j *journal.Journal, retentionDays int, logger *slog.Logger) {
	prune := func() {
		cutoff := time.Now().AddDate(0, 0, -retentionDays)
		removed, err := j.PruneBefore(ctx, cutoff)
		if err != nil {
			logger.Warn("journal prune failed", "error", err)
			return
		}
		if removed > 0 {
			logger.Info("journal pruned", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
		}
	}

	prune()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
