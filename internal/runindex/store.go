// Package runindex keeps a best-effort sqlite history of runs and committed
// trials behind `lab runs`. The JSON documents under runtime/ stay
// authoritative; this index only serves listings and is safe to delete.
package runindex

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const indexRelPath = ".agentlab/index.sqlite"

type Store struct {
	db   *sql.DB
	path string
}

// RunRow is one indexed run.
type RunRow struct {
	RunID      string
	Name       string
	Status     string
	TotalSlots int
	Committed  int
	CreatedAt  string
	UpdatedAt  string
}

// Open opens (creating if needed) the index under root.
func Open(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(absRoot, indexRelPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db, path: path}
	if err := s.initSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`
CREATE TABLE IF NOT EXISTS lab_runs (
  run_id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  total_slots INTEGER NOT NULL DEFAULT 0,
  committed INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS lab_trials (
  run_id TEXT NOT NULL,
  schedule_idx INTEGER NOT NULL,
  trial_id TEXT NOT NULL DEFAULT '',
  variant_idx INTEGER NOT NULL,
  task_idx INTEGER NOT NULL,
  repl_idx INTEGER NOT NULL,
  status TEXT NOT NULL,
  committed_at TEXT NOT NULL,
  PRIMARY KEY (run_id, schedule_idx)
);`,
		`CREATE INDEX IF NOT EXISTS idx_lab_trials_run ON lab_trials(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init index schema: %w", err)
		}
	}
	return nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// UpsertRun registers or refreshes a run row.
func (s *Store) UpsertRun(ctx context.Context, runID, name, status string, totalSlots int) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO lab_runs(run_id, name, status, total_slots, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
  name=excluded.name, status=excluded.status, total_slots=excluded.total_slots, updated_at=excluded.updated_at;`,
		runID, name, status, totalSlots, now(), now())
	return err
}

// UpdateRunStatus records a terminal or control transition.
func (s *Store) UpdateRunStatus(ctx context.Context, runID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE lab_runs SET status=?, updated_at=? WHERE run_id=?;`, status, now(), runID)
	return err
}

// RecordTrial indexes one committed slot and bumps the run's commit count.
func (s *Store) RecordTrial(ctx context.Context, runID string, scheduleIdx int, trialID string, variantIdx, taskIdx, replIdx int, status, committedAt string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO lab_trials(run_id, schedule_idx, trial_id, variant_idx, task_idx, repl_idx, status, committed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, schedule_idx) DO UPDATE SET
  trial_id=excluded.trial_id, status=excluded.status, committed_at=excluded.committed_at;`,
		runID, scheduleIdx, trialID, variantIdx, taskIdx, replIdx, status, committedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE lab_runs SET committed=(SELECT COUNT(*) FROM lab_trials WHERE run_id=?), updated_at=? WHERE run_id=?;`,
		runID, now(), runID); err != nil {
		return err
	}
	return tx.Commit()
}

// ListRuns returns runs newest-first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, name, status, total_slots, committed, created_at, updated_at
FROM lab_runs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRow
	for rows.Next() {
		var r RunRow
		if err := rows.Scan(&r.RunID, &r.Name, &r.Status, &r.TotalSlots, &r.Committed, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MostRecentRunID returns the newest indexed run.
func (s *Store) MostRecentRunID(ctx context.Context) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id FROM lab_runs ORDER BY created_at DESC LIMIT 1;`).Scan(&runID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("no runs recorded")
	}
	return runID, err
}
