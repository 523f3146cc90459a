package sqlite

import (
	"context"
	"fmt"
)

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			self_user_id TEXT NOT NULL DEFAULT '',
			credential_ref TEXT NOT NULL DEFAULT '',
			groups_json TEXT NOT NULL DEFAULT '[]',
			policy_json TEXT NOT NULL DEFAULT '{}',
			token TEXT NOT NULL DEFAULT '',
			endpoint TEXT NOT NULL DEFAULT '',
			needs_reauth INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS participation_records (
			id TEXT PRIMARY KEY,
			drop_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			success INTEGER NOT NULL DEFAULT 0,
			amount TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			ts_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_participation_account_ts ON participation_records (account_id, ts_ms);`,
		`CREATE INDEX IF NOT EXISTS idx_participation_ts ON participation_records (ts_ms);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value_json TEXT NOT NULL DEFAULT '{}',
			updated_at INTEGER NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
