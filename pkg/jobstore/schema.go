package jobstore

import (
	"context"
	"fmt"
)

// SchemaVersion is the current job schema version.
const SchemaVersion = 1

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
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

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			source_url TEXT,
			source_key TEXT,
			start_sec REAL NOT NULL,
			end_sec REAL NOT NULL,
			aspect_ratio TEXT,
			owner_user_id TEXT NOT NULL,
			owner_username TEXT,
			state TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			result_key TEXT,
			result_url TEXT,
			error_message TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_result_key ON jobs(result_key);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_user_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state, updated_at);`,
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
	if current > SchemaVersion {
		return fmt.Errorf("job store schema version %d is newer than supported version %d", current, SchemaVersion)
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
