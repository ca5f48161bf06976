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

const outboxColumns = `local_id, scope_id, sender_id, payload, dedupe_key,
	retry_count, next_retry_at, created_at, status, last_error`

// EnqueueOutbox records a pending send. Enqueueing the same local id twice
// is a no-op so a send retried across a crash cannot duplicate the item.
func (s *Store) EnqueueOutbox(ctx context.Context, item *models.OutboxItem) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO outbox (local_id, scope_id, sender_id, payload, dedupe_key,
			retry_count, next_retry_at, created_at, updated_at, status, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO NOTHING
	`, item.LocalID, item.ScopeID, item.SenderID, []byte(item.Payload), item.DedupeKey,
		item.RetryCount, item.NextRetryAt.UTC(), item.CreatedAt.UTC(), time.Now().UTC(),
		item.Status, item.LastError)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox item %s: %w", item.LocalID, err)
	}
	return nil
}

// DueOutboxItems returns queued items whose next retry time has passed,
// oldest first.
func (s *Store) DueOutboxItems(ctx context.Context, now time.Time, limit int) ([]*models.OutboxItem, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		WHERE status = ? AND next_retry_at <= ?
		ORDER BY created_at ASC
		LIMIT ?
	`, models.OutboxQueued, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due outbox items: %w", err)
	}
	defer rows.Close()

	var items []*models.OutboxItem
	for rows.Next() {
		item, err := scanOutboxItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// NextOutboxDue returns the earliest next_retry_at among queued items, or
// errs.ErrNotFound when the queue is empty. Drain scheduling keys off this.
func (s *Store) NextOutboxDue(ctx context.Context) (time.Time, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return time.Time{}, err
	}
	var due time.Time
	err = db.QueryRowContext(ctx,
		`SELECT next_retry_at FROM outbox WHERE status = ? ORDER BY next_retry_at ASC LIMIT 1`,
		models.OutboxQueued).Scan(&due)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, errs.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query next outbox due: %w", err)
	}
	return due.UTC(), nil
}

// ClaimOutboxItem moves a queued item to sending. Returns false when the
// item was already claimed, delivered or discarded by another pass.
func (s *Store) ClaimOutboxItem(ctx context.Context, localID string) (bool, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, updated_at = ? WHERE local_id = ? AND status = ?`,
		models.OutboxSending, time.Now().UTC(), localID, models.OutboxQueued)
	if err != nil {
		return false, fmt.Errorf("failed to claim outbox item %s: %w", localID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim outbox item %s: %w", localID, err)
	}
	return n == 1, nil
}

// RequeueOutboxItem returns a claimed item to the queue with its retry
// bookkeeping advanced.
func (s *Store) RequeueOutboxItem(ctx context.Context, localID string, retryCount int, nextRetryAt time.Time, lastError string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, retry_count = ?, next_retry_at = ?, last_error = ?, updated_at = ?
		WHERE local_id = ?
	`, models.OutboxQueued, retryCount, nextRetryAt.UTC(), lastError, time.Now().UTC(), localID)
	if err != nil {
		return fmt.Errorf("failed to requeue outbox item %s: %w", localID, err)
	}
	return rowTouched(res, localID)
}

// MarkOutboxDelivered finishes an item whose send was confirmed.
func (s *Store) MarkOutboxDelivered(ctx context.Context, localID string) error {
	return s.markOutboxTerminal(ctx, localID, models.OutboxDelivered, "")
}

// MarkOutboxDiscarded finishes an item dropped after exhausting retries or
// hitting a permanent rejection.
func (s *Store) MarkOutboxDiscarded(ctx context.Context, localID, lastError string) error {
	return s.markOutboxTerminal(ctx, localID, models.OutboxDiscarded, lastError)
}

func (s *Store) markOutboxTerminal(ctx context.Context, localID string, status models.OutboxStatus, lastError string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, last_error = ?, updated_at = ? WHERE local_id = ?
	`, status, lastError, time.Now().UTC(), localID)
	if err != nil {
		return fmt.Errorf("failed to mark outbox item %s %s: %w", localID, status, err)
	}
	return rowTouched(res, localID)
}

// PendingOutboxCount counts items still waiting to deliver.
func (s *Store) PendingOutboxCount(ctx context.Context) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE status IN (?, ?)`,
		models.OutboxQueued, models.OutboxSending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending outbox items: %w", err)
	}
	return n, nil
}

// PurgeTerminalOutbox deletes delivered and discarded items older than the
// cutoff, returning how many rows were removed.
func (s *Store) PurgeTerminalOutbox(ctx context.Context, olderThan time.Time) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `
		DELETE FROM outbox WHERE status IN (?, ?) AND updated_at < ?
	`, models.OutboxDelivered, models.OutboxDiscarded, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal outbox items: %w", err)
	}
	return res.RowsAffected()
}

func rowTouched(res sql.Result, localID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update outbox item %s: %w", localID, err)
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func scanOutboxItem(rows *sql.Rows) (*models.OutboxItem, error) {
	var (
		item    models.OutboxItem
		payload []byte
	)
	err := rows.Scan(&item.LocalID, &item.ScopeID, &item.SenderID, &payload, &item.DedupeKey,
		&item.RetryCount, &item.NextRetryAt, &item.CreatedAt, &item.Status, &item.LastError)
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox item: %w", err)
	}
	item.Payload = payload
	item.NextRetryAt = item.NextRetryAt.UTC()
	item.CreatedAt = item.CreatedAt.UTC()
	return &item, nil
}
