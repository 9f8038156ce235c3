package supervisor

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// History keeps one row per worker spawn in SQLite so crash loops can be
// reconstructed after the supervisor itself restarts.
type History struct {
	db *sql.DB
}

// Run is one recorded worker lifetime.
type Run struct {
	ID        int64      `json:"id"`
	Worker    string     `json:"worker"`
	PID       int        `json:"pid"`
	Restarts  int        `json:"restarts"` // restart ordinal: 0 for the first spawn
	StartedAt time.Time  `json:"started_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	ExitError string     `json:"exit_error,omitempty"`
}

// OpenHistory opens (and migrates) the run-history database at path.
func OpenHistory(path string) (*History, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: a single connection avoids write contention
	db.SetMaxIdleConns(1)

	h := &History{db: db}
	if err := h.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return h, nil
}

func (h *History) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS worker_runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  worker TEXT NOT NULL,
  pid INTEGER NOT NULL,
  restart_ordinal INTEGER NOT NULL DEFAULT 0,
  started_at TEXT NOT NULL,
  exited_at TEXT,
  exit_code INTEGER,
  exit_error TEXT
);`,
		`CREATE INDEX IF NOT EXISTS idx_worker_runs_worker ON worker_runs(worker, id DESC);`,
	}
	for _, q := range stmts {
		if _, err := h.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("history migrate: %w", err)
		}
	}
	return nil
}

// RecordStart inserts a run row and returns its id for the matching
// RecordExit call.
func (h *History) RecordStart(ctx context.Context, worker string, pid int, restartOrdinal int) (int64, error) {
	res, err := h.db.ExecContext(ctx, `
INSERT INTO worker_runs (worker, pid, restart_ordinal, started_at) VALUES (?,?,?,?)
`, worker, pid, restartOrdinal, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("history start: %w", err)
	}
	return res.LastInsertId()
}

// RecordExit closes a run row with the observed exit code.
func (h *History) RecordExit(ctx context.Context, runID int64, exitCode int, exitError string) error {
	_, err := h.db.ExecContext(ctx, `
UPDATE worker_runs SET exited_at=?, exit_code=?, exit_error=? WHERE id=?
`, time.Now().UTC().Format(time.RFC3339Nano), exitCode, exitError, runID)
	if err != nil {
		return fmt.Errorf("history exit: %w", err)
	}
	return nil
}

// Recent returns the latest runs, newest first. Empty worker means all
// workers.
func (h *History) Recent(ctx context.Context, worker string, limit int) ([]Run, error) {
	query := `SELECT id, worker, pid, restart_ordinal, started_at, exited_at, exit_code, exit_error FROM worker_runs`
	var args []any
	if worker != "" {
		query += ` WHERE worker=?`
		args = append(args, worker)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var startedAt string
		var exitedAt, exitErr sql.NullString
		var exitCode sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Worker, &r.PID, &r.Restarts, &startedAt, &exitedAt, &exitCode, &exitErr); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if exitedAt.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, exitedAt.String); err == nil {
				r.ExitedAt = &ts
			}
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			r.ExitCode = &code
		}
		r.ExitError = exitErr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}
