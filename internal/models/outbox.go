// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// OutboxStatus tracks an outbox item through its delivery lifecycle.
type OutboxStatus string

const (
	// OutboxQueued marks an item waiting for its next drain attempt.
	OutboxQueued OutboxStatus = "queued"
	// OutboxSending marks an item claimed by the active drain pass.
	OutboxSending OutboxStatus = "sending"
	// OutboxDelivered marks an item whose send was confirmed remotely.
	OutboxDelivered OutboxStatus = "delivered"
	// OutboxDiscarded marks an item dropped after exhausting retries.
	OutboxDiscarded OutboxStatus = "discarded"
)

// OutboxItem is a durable record of a send that could not complete
// synchronously. Exactly one drain pass may work items at a time.
type OutboxItem struct {
	LocalID     string          `json:"local_id"` // id of the optimistic message
	ScopeID     string          `json:"scope_id"`
	SenderID    string          `json:"sender_id"`
	Payload     json.RawMessage `json:"payload"` // wire row built at enqueue time
	DedupeKey   string          `json:"dedupe_key"`
	RetryCount  int             `json:"retry_count"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	CreatedAt   time.Time       `json:"created_at"`
	Status      OutboxStatus    `json:"status"`
	LastError   string          `json:"last_error,omitempty"`
}

// Due reports whether the item is eligible for a drain attempt.
func (o *OutboxItem) Due(now time.Time) bool {
	return o.Status == OutboxQueued && !o.NextRetryAt.After(now)
}
