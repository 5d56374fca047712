package storage

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 2

// initSchema creates the required tables if they don't exist.
func (s *SQLiteStore) initSchema() error {
	// Schema version table tracks database migrations.
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	migrations := []func() error{
		s.migrateToV1,
		s.migrateToV2,
	}
	for i, migrate := range migrations {
		target := i + 1
		if version >= target {
			continue
		}
		if err := migrate(); err != nil {
			return fmt.Errorf("migrate to v%d: %w", target, err)
		}
	}
	return nil
}

// migrateToV1 creates the runtime, member and session history tables.
func (s *SQLiteStore) migrateToV1() error {
	s.logger.Info("applying migration", zap.Int("version", 1))

	// Timestamps are stored as RFC3339 strings for readability and portability.
	const tables = `
		CREATE TABLE IF NOT EXISTS runtime_settings (
			entity TEXT PRIMARY KEY,
			runtime TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS team_members (
			id TEXT PRIMARY KEY,
			role TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'inactive',
			session_name TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS session_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			backend TEXT NOT NULL DEFAULT '',
			cwd TEXT NOT NULL DEFAULT '',
			pid INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'running',
			created_at TEXT NOT NULL,
			ended_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_history_created ON session_history(created_at);
	`

	if _, err := s.db.Exec(tables); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return s.recordMigration(1)
}

// migrateToV2 adds last_error to team_members so activation failures are
// visible without reading logs.
func (s *SQLiteStore) migrateToV2() error {
	s.logger.Info("applying migration", zap.Int("version", 2))

	const alter = `ALTER TABLE team_members ADD COLUMN last_error TEXT NOT NULL DEFAULT ''`
	if _, err := s.db.Exec(alter); err != nil {
		return fmt.Errorf("add last_error column: %w", err)
	}

	const index = `CREATE INDEX IF NOT EXISTS idx_history_name_running ON session_history(name, status)`
	if _, err := s.db.Exec(index); err != nil {
		return fmt.Errorf("create history index: %w", err)
	}
	return s.recordMigration(2)
}

func (s *SQLiteStore) recordMigration(version int) error {
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}
