package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ha1tch/storysync/pkg/models"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS migration_runs (
	run_id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	status TEXT NOT NULL,
	dry_run INTEGER NOT NULL DEFAULT 0,
	data TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_migration_runs_started ON migration_runs(started_at);

CREATE TABLE IF NOT EXISTS migration_errors (
	run_id TEXT NOT NULL REFERENCES migration_runs(run_id) ON DELETE CASCADE,
	entity_type TEXT NOT NULL,
	external_id TEXT,
	stage TEXT NOT NULL,
	message TEXT NOT NULL,
	retryable INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_migration_errors_run ON migration_errors(run_id);

CREATE TABLE IF NOT EXISTS migration_unresolved (
	run_id TEXT NOT NULL REFERENCES migration_runs(run_id) ON DELETE CASCADE,
	entity_type TEXT NOT NULL,
	external_id TEXT NOT NULL,
	column_name TEXT NOT NULL,
	reference TEXT,
	reason TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_migration_unresolved_run ON migration_unresolved(run_id);

CREATE TABLE IF NOT EXISTS run_locks (
	name TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	acquired_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);
`

// SaveRun upserts a run and rewrites its error and unresolved rows
func (s *SQLiteStore) SaveRun(ctx context.Context, run *models.MigrationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var finished interface{}
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt.UTC().Format(timeLayout)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO migration_runs (run_id, started_at, finished_at, status, dry_run, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			finished_at = excluded.finished_at,
			status = excluded.status,
			data = excluded.data
	`, run.RunID, run.StartedAt.UTC().Format(timeLayout), finished, string(run.Status), run.DryRun, string(data)); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM migration_errors WHERE run_id = ?", run.RunID); err != nil {
		return fmt.Errorf("failed to reset run errors: %w", err)
	}
	for _, e := range run.Errors {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO migration_errors (run_id, entity_type, external_id, stage, message, retryable)
			VALUES (?, ?, ?, ?, ?, ?)
		`, run.RunID, string(e.EntityType), nullString(e.ExternalID), string(e.Stage), e.Message, e.Retryable); err != nil {
			return fmt.Errorf("failed to save run error: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM migration_unresolved WHERE run_id = ?", run.RunID); err != nil {
		return fmt.Errorf("failed to reset unresolved refs: %w", err)
	}
	for _, u := range run.Unresolved {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO migration_unresolved (run_id, entity_type, external_id, column_name, reference, reason)
			VALUES (?, ?, ?, ?, ?, ?)
		`, run.RunID, string(u.EntityType), u.ExternalID, u.Column, nullString(u.Reference), u.Reason); err != nil {
			return fmt.Errorf("failed to save unresolved ref: %w", err)
		}
	}

	return tx.Commit()
}

// GetRun loads a run by id
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*models.MigrationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM migration_runs WHERE run_id = ?", runID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	run := &models.MigrationRun{}
	if err := json.Unmarshal([]byte(data), run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*models.MigrationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM migration_runs ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.MigrationRun
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		run := &models.MigrationRun{}
		if err := json.Unmarshal([]byte(data), run); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// TryLock takes the named lock if it is free or expired. It never blocks.
func (s *SQLiteStore) TryLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM run_locks WHERE name = ? AND expires_at < ?", name, now.Format(timeLayout)); err != nil {
		return false, fmt.Errorf("failed to expire lock: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO run_locks (name, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, name, holder, now.Format(timeLayout), now.Add(ttl).Format(timeLayout))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n == 1, nil
}

// Unlock releases the named lock if holder owns it
func (s *SQLiteStore) Unlock(ctx context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM run_locks WHERE name = ? AND holder = ?", name, holder); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
