// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sotto-chat/sotto/internal/errs"
	"github.com/sotto-chat/sotto/internal/models"
)

// Cursor returns the catch-up watermark for a scope, or errs.ErrNotFound
// when the scope has never synced.
func (s *Store) Cursor(ctx context.Context, scopeID string) (*models.SyncCursor, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var c models.SyncCursor
	err = db.QueryRowContext(ctx,
		`SELECT scope_id, last_event_at, updated_at FROM sync_cursors WHERE scope_id = ?`,
		scopeID).Scan(&c.ScopeID, &c.LastEventAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor for scope %s: %w", scopeID, err)
	}
	c.LastEventAt = c.LastEventAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// AdvanceCursor moves a scope's watermark forward to eventAt. Older event
// times never move the cursor backwards, so replayed catch-up pages cannot
// widen the next catch-up window.
func (s *Store) AdvanceCursor(ctx context.Context, scopeID string, eventAt time.Time) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	current, err := s.Cursor(ctx, scopeID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	if current != nil && !eventAt.After(current.LastEventAt) {
		return nil
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO sync_cursors (scope_id, last_event_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(scope_id) DO UPDATE SET
			last_event_at = excluded.last_event_at,
			updated_at = excluded.updated_at
	`, scopeID, eventAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to advance cursor for scope %s: %w", scopeID, err)
	}
	return nil
}

// DeleteCursor drops a scope's watermark so its next sync starts fresh.
func (s *Store) DeleteCursor(ctx context.Context, scopeID string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM sync_cursors WHERE scope_id = ?`, scopeID); err != nil {
		return fmt.Errorf("failed to delete cursor for scope %s: %w", scopeID, err)
	}
	return nil
}
