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

	"github.com/sotto-chat/sotto/internal/errs"
	"github.com/sotto-chat/sotto/internal/models"
)

const messageColumns = `id, scope_id, sender_id, content, dedupe_key, created_at,
	delivery_status, ghost, message_type, category, parent_id, image_url`

// UpsertMessage inserts or fully replaces a message row by id.
func (s *Store) UpsertMessage(ctx context.Context, m *models.Message) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	content, err := s.sealer.encodeContent(m.Content)
	if err != nil {
		return fmt.Errorf("failed to encode content for %s: %w", m.ID, err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			scope_id = excluded.scope_id,
			sender_id = excluded.sender_id,
			content = excluded.content,
			dedupe_key = excluded.dedupe_key,
			created_at = excluded.created_at,
			delivery_status = excluded.delivery_status,
			ghost = excluded.ghost,
			message_type = excluded.message_type,
			category = excluded.category,
			parent_id = excluded.parent_id,
			image_url = excluded.image_url
	`, m.ID, m.ScopeID, m.SenderID, content, m.DedupeKey, m.CreatedAt.UTC(),
		m.DeliveryStatus, m.Ghost, m.MessageType, m.Category, m.ParentID, m.ImageURL)
	if err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", m.ID, err)
	}
	return nil
}

// GetMessage returns the message with the given id, or errs.ErrNotFound.
func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return s.scanMessage(row)
}

// GetMessageByDedupeKey returns the message carrying the given dedupe key,
// or errs.ErrNotFound. Optimistic rows and their confirmed server rows share
// a dedupe key, which is what makes reconciliation findable.
func (s *Store) GetMessageByDedupeKey(ctx context.Context, key string) (*models.Message, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE dedupe_key = ? LIMIT 1`, key)
	return s.scanMessage(row)
}

// ListMessages returns up to limit of the newest messages in a scope, in
// display order (created_at ascending, id as tiebreak).
func (s *Store) ListMessages(ctx context.Context, scopeID string, limit int) ([]*models.Message, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE scope_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC
	`, scopeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for scope %s: %w", scopeID, err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ReplaceMessageID rewrites an optimistic row in place under the confirmed
// server row: the primary key changes from oldID to m.ID and every other
// field is taken from m. Returns errs.ErrNotFound when oldID is gone, which
// callers treat as "already reconciled".
func (s *Store) ReplaceMessageID(ctx context.Context, oldID string, m *models.Message) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	content, err := s.sealer.encodeContent(m.Content)
	if err != nil {
		return fmt.Errorf("failed to encode content for %s: %w", m.ID, err)
	}

	res, err := db.ExecContext(ctx, `
		UPDATE messages SET
			id = ?,
			scope_id = ?,
			sender_id = ?,
			content = ?,
			dedupe_key = ?,
			created_at = ?,
			delivery_status = ?,
			ghost = ?,
			message_type = ?,
			category = ?,
			parent_id = ?,
			image_url = ?
		WHERE id = ?
	`, m.ID, m.ScopeID, m.SenderID, content, m.DedupeKey, m.CreatedAt.UTC(),
		m.DeliveryStatus, m.Ghost, m.MessageType, m.Category, m.ParentID, m.ImageURL, oldID)
	if err != nil {
		return fmt.Errorf("failed to replace message %s: %w", oldID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to replace message %s: %w", oldID, err)
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// DeleteMessage removes a message row. Deleting an absent row is not an
// error so replayed delete events stay idempotent.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return nil
}

// MarkMessageDelivery updates only the delivery status of a message.
func (s *Store) MarkMessageDelivery(ctx context.Context, id string, status models.DeliveryStatus) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE messages SET delivery_status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to mark message %s %s: %w", id, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark message %s %s: %w", id, status, err)
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// CountMessages returns the number of cached messages in a scope.
func (s *Store) CountMessages(ctx context.Context, scopeID string) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE scope_id = ?`, scopeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages for scope %s: %w", scopeID, err)
	}
	return n, nil
}

// scanTarget is satisfied by both *sql.Row and *sql.Rows.
type scanTarget interface {
	Scan(dest ...any) error
}

func (s *Store) scanMessage(row scanTarget) (*models.Message, error) {
	var (
		m       models.Message
		content []byte
		ghost   int
	)
	err := row.Scan(&m.ID, &m.ScopeID, &m.SenderID, &content, &m.DedupeKey, &m.CreatedAt,
		&m.DeliveryStatus, &ghost, &m.MessageType, &m.Category, &m.ParentID, &m.ImageURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	m.Content, err = s.sealer.decodeContent(content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode content for %s: %w", m.ID, err)
	}
	m.Ghost = ghost != 0
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}
