// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a versioned schema migration.
type Migration struct {
	Version     int       // Unique version number (monotonically increasing)
	Name        string    // Human-readable migration name
	Description string    // Description of what this migration does
	SQL         string    // SQL statement to execute
	AppliedAt   time.Time // When the migration was applied (populated on query)
}

// schemaMigrationsTable creates the migration tracking table.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const initialSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	scope_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	content BLOB NOT NULL,
	dedupe_key TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	delivery_status TEXT NOT NULL DEFAULT 'delivered',
	ghost INTEGER NOT NULL DEFAULT 0,
	message_type TEXT NOT NULL DEFAULT 'text'
);
CREATE INDEX IF NOT EXISTS idx_messages_scope_created ON messages(scope_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_dedupe ON messages(dedupe_key);

CREATE TABLE IF NOT EXISTS outbox (
	local_id TEXT PRIMARY KEY,
	scope_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	payload BLOB NOT NULL,
	dedupe_key TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	next_retry_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox(status, next_retry_at);

CREATE TABLE IF NOT EXISTS tombstones (
	entity_id TEXT PRIMARY KEY,
	deleted_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tombstones_expiry ON tombstones(expires_at);

CREATE TABLE IF NOT EXISTS sync_cursors (
	scope_id TEXT PRIMARY KEY,
	last_event_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS scopes (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	last_activity_at DATETIME
);
`

// getMigrations returns all versioned migrations in order.
//
// Migrations are append-only. Never modify or remove an existing entry once
// released: devices in the field carry databases at every historical version
// and must be able to step through each one.
func (s *Store) getMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Name:        "initial_schema",
			Description: "Create messages, outbox, tombstones, sync_cursors and scopes tables",
			SQL:         initialSchema,
		},
	}
}

// evolutionColumns are columns added after the initial release. sqlite has
// no ADD COLUMN IF NOT EXISTS, so these are applied through
// addColumnIfMissing instead of plain migration SQL, which also heals
// databases written by builds that predate the versioned migration table.
type evolutionColumn struct {
	table  string
	column string
	ddl    string
}

func (s *Store) evolutionColumns() []evolutionColumn {
	return []evolutionColumn{
		{table: "messages", column: "category", ddl: "ALTER TABLE messages ADD COLUMN category TEXT"},
		{table: "messages", column: "parent_id", ddl: "ALTER TABLE messages ADD COLUMN parent_id TEXT"},
		{table: "messages", column: "image_url", ddl: "ALTER TABLE messages ADD COLUMN image_url TEXT"},
	}
}

func (s *Store) createMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaMigrationsTable)
	return err
}

// getAppliedMigrations returns a map of version -> Migration for all applied migrations.
func (s *Store) getAppliedMigrations(ctx context.Context) (map[int]Migration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, name, description, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]Migration)
	for rows.Next() {
		var m Migration
		if err := rows.Scan(&m.Version, &m.Name, &m.Description, &m.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[m.Version] = m
	}
	return applied, rows.Err()
}

// runMigrations executes only migrations that have not been applied yet,
// then applies column evolutions idempotently.
func (s *Store) runMigrations(ctx context.Context) error {
	if err := s.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	newMigrations := 0
	for _, m := range s.getMigrations() {
		if _, exists := applied[m.Version]; exists {
			continue
		}

		if _, err := s.db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("failed to execute migration v%d (%s): %w", m.Version, m.Name, err)
		}

		_, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, description) VALUES (?, ?, ?)`,
			m.Version, m.Name, m.Description)
		if err != nil {
			return fmt.Errorf("failed to record migration v%d: %w", m.Version, err)
		}

		newMigrations++
	}

	for _, ec := range s.evolutionColumns() {
		if err := s.addColumnIfMissing(ctx, ec); err != nil {
			return err
		}
	}

	if newMigrations > 0 {
		s.log.Info().Int("count", newMigrations).Msg("Applied new store migrations")
	}
	return nil
}

// addColumnIfMissing applies a single ALTER TABLE ADD COLUMN only if the
// column is absent. Safe to run on every startup.
func (s *Store) addColumnIfMissing(ctx context.Context, ec evolutionColumn) error {
	exists, err := s.columnExists(ctx, ec.table, ec.column)
	if err != nil {
		return fmt.Errorf("failed to inspect %s.%s: %w", ec.table, ec.column, err)
	}
	if exists {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, ec.ddl); err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", ec.table, ec.column, err)
	}
	s.log.Debug().Str("table", ec.table).Str("column", ec.column).Msg("Added store column")
	return nil
}

func (s *Store) columnExists(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var version int
	err = db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}

// MigrationHistory returns all applied migrations in order.
func (s *Store) MigrationHistory(ctx context.Context) ([]Migration, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT version, name, description, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migration history: %w", err)
	}
	defer rows.Close()

	var history []Migration
	for rows.Next() {
		var m Migration
		if err := rows.Scan(&m.Version, &m.Name, &m.Description, &m.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		history = append(history, m)
	}
	return history, rows.Err()
}
