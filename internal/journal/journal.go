// Package journal keeps an append-only SQLite history of run attempts.
// The JSON task document stays canonical; the journal exists so every
// run attempt, including failures and crash recoveries, is queryable
// after last_result has been overwritten.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "gt-v1-2026-08-runs"
)

// Run is one recorded run attempt.
type Run struct {
	RunID      string     `json:"run_id"`
	TaskID     string     `json:"task_id"`
	TaskName   string     `json:"task_name"`
	Kind       string     `json:"kind"`
	Trigger    string     `json:"trigger"`
	Status     string     `json:"status"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Run trigger sources.
const (
	TriggerTick   = "tick"
	TriggerManual = "manual"
	TriggerToken  = "token"
)

// Run statuses. A run stays "started" until settled; "recovered" marks
// runs found still open after a crash.
const (
	StatusStarted   = "started"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusRecovered = "recovered"
)

// Journal wraps the SQLite handle.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db}
	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) initSchema(ctx context.Context) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("journal schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			task_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			trigger TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('started', 'succeeded', 'failed', 'recovered')),
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task_started ON runs(task_id, started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, started_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema ledger: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// RecordStart appends a new run in the started state and returns its id.
func (j *Journal) RecordStart(ctx context.Context, taskID, taskName, kind, trigger string) (string, error) {
	runID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := j.db.ExecContext(ctx, `
			INSERT INTO runs (run_id, task_id, task_name, kind, trigger, status, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, runID, taskID, taskName, kind, trigger, StatusStarted, time.Now().UTC())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("record run start: %w", err)
	}
	return runID, nil
}

// RecordFinish settles a started run with its final status.
func (j *Journal) RecordFinish(ctx context.Context, runID, status, result, errMsg string) error {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := j.db.ExecContext(ctx, `
			UPDATE runs
			SET status = ?, result = ?, error = ?, finished_at = ?
			WHERE run_id = ? AND status = ?;
		`, status, result, errMsg, time.Now().UTC(), runID, StatusStarted)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected != 1 {
			return fmt.Errorf("run %s is not open", runID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}
	return nil
}

// MarkInterrupted closes every run still open, used at startup after
// the store recovered running tasks. Returns how many runs it closed.
func (j *Journal) MarkInterrupted(ctx context.Context) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := j.db.ExecContext(ctx, `
			UPDATE runs
			SET status = ?, error = 'interrupted by process restart', finished_at = ?
			WHERE status = ?;
		`, StatusRecovered, time.Now().UTC(), StatusStarted)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	return affected, nil
}

// ListRuns returns the most recent runs for a task, newest first.
// An empty taskID lists across all tasks.
func (j *Journal) ListRuns(ctx context.Context, taskID string, limit int) ([]Run, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if taskID == "" {
		rows, err = j.db.QueryContext(ctx, `
			SELECT run_id, task_id, task_name, kind, trigger, status, result, error, started_at, finished_at
			FROM runs ORDER BY started_at DESC LIMIT ?;
		`, limit)
	} else {
		rows, err = j.db.QueryContext(ctx, `
			SELECT run_id, task_id, task_name, kind, trigger, status, result, error, started_at, finished_at
			FROM runs WHERE task_id = ? ORDER BY started_at DESC LIMIT ?;
		`, taskID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		if err := rows.Scan(&r.RunID, &r.TaskID, &r.TaskName, &r.Kind, &r.Trigger,
			&r.Status, &r.Result, &r.Error, &r.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows: %w", err)
	}
	return out, nil
}

// PruneBefore deletes settled runs older than the cutoff and returns
// how many it removed. Open runs are never pruned.
func (j *Journal) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := j.db.ExecContext(ctx, `
			DELETE FROM runs WHERE status != ? AND started_at < ?;
		`, StatusStarted, cutoff.UTC())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return affected, nil
}
