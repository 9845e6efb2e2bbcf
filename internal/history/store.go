// Package history keeps one SQLite row per pipeline run.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schemaV1 = `
CREATE TABLE IF NOT EXISTS runs (
	run_id           TEXT PRIMARY KEY,
	url              TEXT NOT NULL,
	requirement      TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	last_status      TEXT NOT NULL DEFAULT '',
	fault_category   TEXT NOT NULL DEFAULT '',
	failure_reason   TEXT NOT NULL DEFAULT '',
	artifact_retries INTEGER NOT NULL DEFAULT 0,
	test_retries     INTEGER NOT NULL DEFAULT 0,
	output_dir       TEXT NOT NULL DEFAULT '',
	artifact_digest  TEXT NOT NULL DEFAULT '',
	started_at_unix  INTEGER NOT NULL,
	duration_ms      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at_unix);
`

// Run is one finished pipeline run.
type Run struct {
	RunID           string
	URL             string
	Requirement     string
	Status          string
	LastStatus      string
	FaultCategory   string
	FailureReason   string
	ArtifactRetries int
	TestRetries     int
	OutputDir       string
	ArtifactDigest  string
	StartedAt       time.Time
	Duration        time.Duration
}

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), schemaV1); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DefaultPath is ${XDG_STATE_HOME:-$HOME/.local/state}/rivet/history.db.
func DefaultPath() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home := os.Getenv("HOME")
		if home == "" {
			base = "."
		} else {
			base = filepath.Join(home, ".local", "state")
		}
	}
	return filepath.Join(base, "rivet", "history.db")
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record inserts r, replacing an earlier row with the same run id.
func (s *Store) Record(ctx context.Context, r Run) error {
	if r.RunID == "" {
		return errors.New("record run: run id is required")
	}
	const q = `INSERT OR REPLACE INTO runs (run_id, url, requirement, status, last_status, fault_category, failure_reason,
	artifact_retries, test_retries, output_dir, artifact_digest, started_at_unix, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		r.RunID, r.URL, r.Requirement, r.Status, r.LastStatus, r.FaultCategory, r.FailureReason,
		r.ArtifactRetries, r.TestRetries, r.OutputDir, r.ArtifactDigest,
		r.StartedAt.Unix(), r.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.query(ctx, `ORDER BY started_at_unix DESC, run_id DESC LIMIT ?`, limit)
}

// Get returns the run with id, or sql.ErrNoRows.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	runs, err := s.query(ctx, `WHERE run_id = ?`, id)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, sql.ErrNoRows
	}
	return runs[0], nil
}

func (s *Store) query(ctx context.Context, where string, args ...any) ([]Run, error) {
	q := `SELECT run_id, url, requirement, status, last_status, fault_category, failure_reason,
	artifact_retries, test_retries, output_dir, artifact_digest, started_at_unix, duration_ms
FROM runs ` + where
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	var out []Run
	for rows.Next() {
		var r Run
		var started, durMS int64
		if err := rows.Scan(&r.RunID, &r.URL, &r.Requirement, &r.Status, &r.LastStatus, &r.FaultCategory, &r.FailureReason,
			&r.ArtifactRetries, &r.TestRetries, &r.OutputDir, &r.ArtifactDigest, &started, &durMS); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.Unix(started, 0).UTC()
		r.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}
