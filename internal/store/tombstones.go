// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sotto-chat/sotto/internal/models"
)

// InsertTombstone records a local deletion. Re-deleting refreshes the
// timestamps, which extends retention rather than shortening it.
func (s *Store) InsertTombstone(ctx context.Context, t *models.Tombstone) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO tombstones (entity_id, deleted_at, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			deleted_at = excluded.deleted_at,
			expires_at = excluded.expires_at
	`, t.EntityID, t.DeletedAt.UTC(), t.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert tombstone for %s: %w", t.EntityID, err)
	}
	return nil
}

// HasTombstone reports whether an unexpired tombstone exists for the entity.
func (s *Store) HasTombstone(ctx context.Context, entityID string, now time.Time) (bool, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	var n int
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tombstones WHERE entity_id = ? AND expires_at > ?`,
		entityID, now.UTC()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check tombstone for %s: %w", entityID, err)
	}
	return n > 0, nil
}

// TombstoneSet returns the ids of every unexpired tombstone. Merge passes
// hold this set while folding server data into the cache.
func (s *Store) TombstoneSet(ctx context.Context, now time.Time) (map[string]struct{}, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT entity_id FROM tombstones WHERE expires_at > ?`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to load tombstone set: %w", err)
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		set[id] = struct{}{}
	}
	return set, rows.Err()
}

// PurgeExpiredTombstones removes tombstones past their retention window,
// returning how many were removed.
func (s *Store) PurgeExpiredTombstones(ctx context.Context, now time.Time) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx,
		`DELETE FROM tombstones WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired tombstones: %w", err)
	}
	return res.RowsAffected()
}
