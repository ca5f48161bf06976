// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

// Package models provides data models shared across the engine.
package models

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus tracks a message's progress from optimistic local write to
// confirmed server row.
type DeliveryStatus string

const (
	// DeliveryPending marks an optimistic message not yet accepted remotely.
	DeliveryPending DeliveryStatus = "pending"
	// DeliverySent marks a message handed to the backend, confirmation pending.
	DeliverySent DeliveryStatus = "sent"
	// DeliveryDelivered marks a server-confirmed message.
	DeliveryDelivered DeliveryStatus = "delivered"
	// DeliveryFailed marks a message whose outbox retries were exhausted.
	DeliveryFailed DeliveryStatus = "failed"
)

// Message types.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
)

// optimisticIDPrefix tags locally assigned ids until the server row arrives.
const optimisticIDPrefix = "temp-"

// Message is a chat message as the engine sees it: either an optimistic
// local write awaiting confirmation or a server-confirmed row.
type Message struct {
	ID             string         `json:"id"`
	ScopeID        string         `json:"scope_id"`
	SenderID       string         `json:"sender_id"`
	Content        string         `json:"content"`
	DedupeKey      string         `json:"dedupe_key"`
	CreatedAt      time.Time      `json:"created_at"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	Ghost          bool           `json:"ghost"`        // pseudonymous post, sender hidden in UI
	MessageType    string         `json:"message_type"` // text, image
	Category       *string        `json:"category,omitempty"`
	ParentID       *string        `json:"parent_id,omitempty"` // threaded reply target
	ImageURL       *string        `json:"image_url,omitempty"`
}

// NewOptimisticMessage creates the local placeholder written the moment the
// user hits send. The dedupe key is fixed here and reused across every
// retry so the server applies the write at most once.
func NewOptimisticMessage(scopeID, senderID, content string) *Message {
	now := time.Now().UTC()
	return &Message{
		ID:             optimisticIDPrefix + uuid.NewString(),
		ScopeID:        scopeID,
		SenderID:       senderID,
		Content:        content,
		DedupeKey:      uuid.NewString(),
		CreatedAt:      now,
		DeliveryStatus: DeliveryPending,
		MessageType:    MessageTypeText,
	}
}

// IsOptimistic reports whether the message still carries a local id.
func (m *Message) IsOptimistic() bool {
	return strings.HasPrefix(m.ID, optimisticIDPrefix)
}

// OrderBefore reports whether m sorts before other in display order:
// createdAt ascending with id as tiebreak for a stable total order.
func (m *Message) OrderBefore(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// SortMessages sorts messages into display order in place.
func SortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].OrderBefore(msgs[j])
	})
}
