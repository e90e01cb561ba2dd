package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL DEFAULT '',
		state        TEXT NOT NULL DEFAULT 'RUNNING',
		error        TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		completed_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS units (
		run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		unit_id      TEXT NOT NULL,
		position     INTEGER NOT NULL,
		state        TEXT NOT NULL DEFAULT 'PENDING',
		handle       TEXT NOT NULL DEFAULT '',
		error_kind   TEXT NOT NULL DEFAULT '',
		error        TEXT NOT NULL DEFAULT '',
		submitted_at TEXT,
		completed_at TEXT,
		PRIMARY KEY (run_id, unit_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_units_state ON units(state)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
