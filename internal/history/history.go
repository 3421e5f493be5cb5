// Package history keeps a SQLite log of completed test runs.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	bench       INTEGER NOT NULL,
	cell        INTEGER NOT NULL,
	test_type   TEXT NOT NULL,
	state       TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	steps       INTEGER NOT NULL,
	voltage     REAL NOT NULL,
	temperature REAL NOT NULL,
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS runs_bench_started ON runs (bench, started_at);
`

// Run is one recorded test run.
type Run struct {
	ID          string
	Bench       int
	Cell        int
	TestType    string
	State       string
	StartedAt   time.Time
	FinishedAt  time.Time
	Steps       int
	Voltage     float64
	Temperature float64
	Error       string
}

// Filter narrows List. Zero values mean no restriction.
type Filter struct {
	Bench int
	Limit int
}

// Store persists runs in SQLite.
type Store struct {
	db *sql.DB
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("history path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert records a run.
func (s *Store) Insert(ctx context.Context, r Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("history store is not open")
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("run id is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (id, bench, cell, test_type, state, started_at, finished_at, steps, voltage, temperature, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Bench, r.Cell, r.TestType, r.State,
		toMillis(r.StartedAt), toMillis(r.FinishedAt), r.Steps,
		r.Voltage, r.Temperature, r.Error,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

// List returns runs, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("history store is not open")
	}
	query := `SELECT id, bench, cell, test_type, state, started_at, finished_at, steps, voltage, temperature, error FROM runs`
	var args []any
	if f.Bench > 0 {
		query += ` WHERE bench = ?`
		args = append(args, f.Bench)
	}
	query += ` ORDER BY started_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished int64
		)
		if err := rows.Scan(&r.ID, &r.Bench, &r.Cell, &r.TestType, &r.State, &started, &finished, &r.Steps, &r.Voltage, &r.Temperature, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = fromMillis(started)
		r.FinishedAt = fromMillis(finished)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}
