package metricstore

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the metric store schema in-place.
//
// The schema supports:
// - run identity and lifecycle state
// - state transition history
// - per-rank metrics records (ordered values preserved)
// - checkpoint epoch claims (single-writer per remote path)
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			world_size INTEGER NOT NULL,
			state TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			failure_reason TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_name ON runs(name);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);`,

		`CREATE TABLE IF NOT EXISTS run_transitions (
			transition_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			reason TEXT,
			occurred_at TEXT NOT NULL,
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_transitions_run_id ON run_transitions(run_id);`,

		`CREATE TABLE IF NOT EXISTS metrics (
			record_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			rank INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			reported_at TEXT NOT NULL,
			PRIMARY KEY(record_id, seq),
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_run ON metrics(run_id, epoch, rank);`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_reported_at ON metrics(run_id, reported_at);`,

		`CREATE TABLE IF NOT EXISTS checkpoint_claims (
			run_id TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			claimant TEXT NOT NULL,
			state TEXT NOT NULL,
			claimed_at TEXT NOT NULL,
			completed_at TEXT,
			remote_path TEXT,
			objects INTEGER NOT NULL DEFAULT 0,
			bytes INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(run_id, epoch),
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoint_claims_state ON checkpoint_claims(run_id, state);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
