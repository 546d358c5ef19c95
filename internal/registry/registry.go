// Package registry implements the SessionRegistry: a durable, process-wide
// catalog of Ralph loops backed by a single-file sqlite database, safe to
// open concurrently from the supervisor and from short-lived CLI commands
// (spec §4.1).
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	_ "modernc.org/sqlite"
)

// Status is a SessionRecord's lifecycle state.
type Status string

const (
	StatusRunning     Status = "running"
	StatusStopped     Status = "stopped"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCheckpointed Status = "checkpointed"
)

// IsTerminal reports whether s is one of the terminal statuses.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusStopped, StatusCompleted, StatusFailed, StatusCheckpointed:
		return true
	}
	return false
}

// Record is one row of the registry (spec §3 "SessionRecord").
type Record struct {
	TaskName      string
	TaskDir       string
	Agent         string
	Status        Status
	Reason        string
	StartedAt     time.Time
	UpdatedAt     time.Time
	MaxIterations int
	LastIteration int
	PID           int
	SocketPath    string
	LastPort      int
}

// ConflictError is returned by Upsert when a live running record with the
// same task name already exists and force wasn't requested.
type ConflictError struct {
	TaskName string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("a running session already exists for task %q", e.TaskName)
}

// Registry is a handle on the sqlite-backed session catalog.
type Registry struct {
	db *sql.DB
}

const schemaVersion = 1

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		task_name       TEXT PRIMARY KEY,
		task_dir        TEXT NOT NULL,
		agent           TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		reason          TEXT NOT NULL DEFAULT '',
		started_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		max_iterations  INTEGER NOT NULL DEFAULT 0,
		last_iteration  INTEGER NOT NULL DEFAULT 0,
		pid             INTEGER NOT NULL DEFAULT 0,
		socket_path     TEXT NOT NULL DEFAULT '',
		last_port       INTEGER NOT NULL DEFAULT 0
	)`,
}

// Open opens (creating if absent) the registry database at path and applies
// any pending forward-only migrations (spec §4.1 "Schema evolution").
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening registry db: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite is single-writer; avoid internal lock contention

	r := &Registry{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) migrate() error {
	var current int
	row := r.db.QueryRow(`SELECT version FROM schema_meta LIMIT 1`)
	err := row.Scan(&current)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, sql.ErrConnDone) {
		current = 0
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		// table likely doesn't exist yet; run migrations from scratch
		current = 0
	}

	for i := current; i < len(migrations); i++ {
		if _, err := r.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("applying migration %d: %w", i, err)
		}
	}

	if current == 0 {
		if _, err := r.db.Exec(`DELETE FROM schema_meta`); err != nil {
			return fmt.Errorf("resetting schema_meta: %w", err)
		}
		if _, err := r.db.Exec(`INSERT INTO schema_meta (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("recording schema version: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (r *Registry) Close() error { return r.db.Close() }

// Upsert creates or replaces a record (spec §4.1 "upsert").
func (r *Registry) Upsert(rec Record, force bool) error {
	if !force {
		existing, err := r.Get(rec.TaskName)
		if err != nil {
			return err
		}
		if existing != nil && existing.Status == StatusRunning && pidAlive(existing.PID) {
			return &ConflictError{TaskName: rec.TaskName}
		}
	}

	rec.UpdatedAt = time.Now().UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.UpdatedAt
	}

	_, err := r.db.Exec(`
		INSERT INTO sessions (task_name, task_dir, agent, status, reason, started_at, updated_at, max_iterations, last_iteration, pid, socket_path, last_port)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_name) DO UPDATE SET
			task_dir=excluded.task_dir, agent=excluded.agent, status=excluded.status,
			reason=excluded.reason, updated_at=excluded.updated_at, max_iterations=excluded.max_iterations,
			last_iteration=excluded.last_iteration, pid=excluded.pid, socket_path=excluded.socket_path,
			last_port=excluded.last_port
	`,
		rec.TaskName, rec.TaskDir, rec.Agent, string(rec.Status), rec.Reason,
		rec.StartedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano),
		rec.MaxIterations, rec.LastIteration, rec.PID, rec.SocketPath, rec.LastPort)
	if err != nil {
		return fmt.Errorf("upserting session %q: %w", rec.TaskName, err)
	}
	return nil
}

// Get returns the record for taskName, or nil if none exists.
func (r *Registry) Get(taskName string) (*Record, error) {
	row := r.db.QueryRow(`SELECT task_name, task_dir, agent, status, reason, started_at, updated_at, max_iterations, last_iteration, pid, socket_path, last_port FROM sessions WHERE task_name = ?`, taskName)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %q: %w", taskName, err)
	}
	return rec, nil
}

// Filter narrows List to a subset of records.
type Filter struct {
	Status     Status // zero value matches any status
	OnlyAlive  bool
}

// List returns registry records matching filter (spec §4.1 "list").
func (r *Registry) List(filter Filter) ([]*Record, error) {
	rows, err := r.db.Query(`SELECT task_name, task_dir, agent, status, reason, started_at, updated_at, max_iterations, last_iteration, pid, socket_path, last_port FROM sessions ORDER BY task_name`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.OnlyAlive && !pidAlive(rec.PID) {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkTerminal transitions a record to a terminal status. Idempotent: if the
// record is already terminal, the call is a no-op (spec §4.1 "markTerminal").
func (r *Registry) MarkTerminal(taskName string, status Status, reason string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not a terminal status", status)
	}
	rec, err := r.Get(taskName)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no session found for task %q", taskName)
	}
	if rec.Status.IsTerminal() {
		return nil
	}
	rec.Status = status
	rec.Reason = reason
	return r.Upsert(*rec, true)
}

// Clean reaps records whose supervisor PID is no longer alive, marking them
// failed with reason "orphaned" (spec §4.1 "clean").
func (r *Registry) Clean() (int, error) {
	recs, err := r.List(Filter{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if rec.Status.IsTerminal() {
			continue
		}
		if pidAlive(rec.PID) {
			continue
		}
		if err := r.MarkTerminal(rec.TaskName, StatusFailed, "orphaned"); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var status, started, updated string
	if err := row.Scan(&rec.TaskName, &rec.TaskDir, &rec.Agent, &status, &rec.Reason,
		&started, &updated, &rec.MaxIterations, &rec.LastIteration, &rec.PID, &rec.SocketPath, &rec.LastPort); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &rec, nil
}

// pidAlive checks process liveness the same way the teacher's loop package
// does: os.FindProcess always succeeds on Unix, so a signal 0 probe is
// required to tell a live PID from a dead one.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
