// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package models

import "time"

// EventType classifies a realtime push event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one server-pushed change, decoded and validated at the
// realtime boundary before the merge engine sees it. Applying the same
// event twice is a no-op.
type ChangeEvent struct {
	Type       EventType `json:"type"`
	ScopeID    string    `json:"scope_id"`
	Message    *Message  `json:"message,omitempty"`    // insert/update payload
	DeletedID  string    `json:"deleted_id,omitempty"` // delete payload
	ReceivedAt time.Time `json:"received_at"`
}

// EntityID returns the id the event targets regardless of type.
func (e *ChangeEvent) EntityID() string {
	if e.Type == EventDelete {
		return e.DeletedID
	}
	if e.Message != nil {
		return e.Message.ID
	}
	return ""
}
