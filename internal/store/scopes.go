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

// UpsertScope records a scope the user is a member of.
func (s *Store) UpsertScope(ctx context.Context, sc *models.Scope) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	var lastActivity any
	if sc.LastActivityAt != nil {
		lastActivity = sc.LastActivityAt.UTC()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO scopes (id, name, created_at, last_activity_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			last_activity_at = COALESCE(excluded.last_activity_at, scopes.last_activity_at)
	`, sc.ID, sc.Name, sc.CreatedAt.UTC(), lastActivity)
	if err != nil {
		return fmt.Errorf("failed to upsert scope %s: %w", sc.ID, err)
	}
	return nil
}

// GetScope returns a scope by id, or errs.ErrNotFound.
func (s *Store) GetScope(ctx context.Context, id string) (*models.Scope, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx,
		`SELECT id, name, created_at, last_activity_at FROM scopes WHERE id = ?`, id)
	return scanScope(row)
}

// ListScopes returns all known scopes, most recently active first.
func (s *Store) ListScopes(ctx context.Context) ([]*models.Scope, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, created_at, last_activity_at FROM scopes
		ORDER BY last_activity_at IS NULL, last_activity_at DESC, created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []*models.Scope
	for rows.Next() {
		sc, err := scanScope(rows)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, sc)
	}
	return scopes, rows.Err()
}

// TouchScope bumps a scope's last activity time. Missing scopes are
// ignored; activity can arrive before membership has synced.
func (s *Store) TouchScope(ctx context.Context, scopeID string, at time.Time) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		UPDATE scopes SET last_activity_at = ?
		WHERE id = ? AND (last_activity_at IS NULL OR last_activity_at < ?)
	`, at.UTC(), scopeID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to touch scope %s: %w", scopeID, err)
	}
	return nil
}

// PurgeScope removes a scope and all of its cached data. Used when the
// user leaves a group: messages, cursor and the scope row all go, while
// tombstones stay until their retention expires.
func (s *Store) PurgeScope(ctx context.Context, scopeID string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE scope_id = ?`, scopeID); err != nil {
			return fmt.Errorf("failed to purge messages for scope %s: %w", scopeID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_cursors WHERE scope_id = ?`, scopeID); err != nil {
			return fmt.Errorf("failed to purge cursor for scope %s: %w", scopeID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE scope_id = ?`, scopeID); err != nil {
			return fmt.Errorf("failed to purge outbox for scope %s: %w", scopeID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM scopes WHERE id = ?`, scopeID); err != nil {
			return fmt.Errorf("failed to purge scope %s: %w", scopeID, err)
		}
		return nil
	})
}

func scanScope(row scanTarget) (*models.Scope, error) {
	var (
		sc           models.Scope
		lastActivity sql.NullTime
	)
	err := row.Scan(&sc.ID, &sc.Name, &sc.CreatedAt, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan scope: %w", err)
	}
	sc.CreatedAt = sc.CreatedAt.UTC()
	if lastActivity.Valid {
		t := lastActivity.Time.UTC()
		sc.LastActivityAt = &t
	}
	return &sc, nil
}
