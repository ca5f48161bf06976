// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/sotto-chat/sotto/internal/errs"
	"github.com/sotto-chat/sotto/internal/validation"
)

// MessageRow is the wire shape of a message row as the backend returns it.
// Rows are validated here, at the boundary, so undefined fields never
// propagate into the cache: a row that fails decoding is quarantined by
// the caller, not merged.
type MessageRow struct {
	ID          string    `json:"id,omitempty" validate:"required"`
	ScopeID     string    `json:"scope_id" validate:"required"`
	SenderID    string    `json:"sender_id" validate:"required"`
	Content     string    `json:"content"`
	DedupeKey   string    `json:"dedupe_key" validate:"required"`
	CreatedAt   time.Time `json:"created_at" validate:"required"`
	Ghost       bool      `json:"ghost"`
	MessageType string    `json:"message_type" validate:"omitempty,oneof=text image"`
	Category    *string   `json:"category"`
	ParentID    *string   `json:"parent_id"`
	ImageURL    *string   `json:"image_url"`
}

// ToMessage converts a confirmed wire row into the engine's message form.
func (r *MessageRow) ToMessage() *Message {
	msgType := r.MessageType
	if msgType == "" {
		msgType = MessageTypeText
	}
	return &Message{
		ID:             r.ID,
		ScopeID:        r.ScopeID,
		SenderID:       r.SenderID,
		Content:        r.Content,
		DedupeKey:      r.DedupeKey,
		CreatedAt:      r.CreatedAt.UTC(),
		DeliveryStatus: DeliveryDelivered,
		Ghost:          r.Ghost,
		MessageType:    msgType,
		Category:       r.Category,
		ParentID:       r.ParentID,
		ImageURL:       r.ImageURL,
	}
}

// FromMessage builds the wire row for an outgoing send. The optimistic
// local id is not sent; the server assigns the confirmed id.
func FromMessage(m *Message) *MessageRow {
	return &MessageRow{
		ScopeID:     m.ScopeID,
		SenderID:    m.SenderID,
		Content:     m.Content,
		DedupeKey:   m.DedupeKey,
		CreatedAt:   m.CreatedAt,
		Ghost:       m.Ghost,
		MessageType: m.MessageType,
		Category:    m.Category,
		ParentID:    m.ParentID,
		ImageURL:    m.ImageURL,
	}
}

// DecodeMessageRow decodes and validates one backend row. Returns
// errs.ErrInvalidRow wrapped with the field detail on failure.
func DecodeMessageRow(data []byte) (*Message, error) {
	var row MessageRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidRow, err)
	}
	if verr := validation.ValidateStruct(&row); verr != nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrInvalidRow, verr.Error())
	}
	return row.ToMessage(), nil
}

// DecodeMessageRows decodes a result set, quarantining invalid rows.
// Valid rows are returned alongside the count of rows rejected.
func DecodeMessageRows(data []byte) ([]*Message, int, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errs.ErrInvalidRow, err)
	}

	msgs := make([]*Message, 0, len(raws))
	rejected := 0
	for _, raw := range raws {
		msg, err := DecodeMessageRow(raw)
		if err != nil {
			rejected++
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, rejected, nil
}
