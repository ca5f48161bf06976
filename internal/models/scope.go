// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package models

import "time"

// Scope is a conversation context (a group) that messages and realtime
// subscriptions are partitioned by.
type Scope struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}

// Tombstone records a local-only deletion. Every merge pass consults the
// tombstone set so server data cannot resurrect a deleted entity.
type Tombstone struct {
	EntityID  string    `json:"entity_id"`
	DeletedAt time.Time `json:"deleted_at"`
	ExpiresAt time.Time `json:"expires_at"` // swept after this; retention is a config knob
}

// SyncCursor is the per-scope catch-up watermark: the created_at of the
// newest row the local cache has seen for the scope.
type SyncCursor struct {
	ScopeID     string    `json:"scope_id"`
	LastEventAt time.Time `json:"last_event_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SubscriptionStatus tracks the realtime channel lifecycle.
type SubscriptionStatus string

const (
	// SubscriptionIdle means no channel exists for the scope.
	SubscriptionIdle SubscriptionStatus = "idle"
	// SubscriptionConnecting means a join is in flight.
	SubscriptionConnecting SubscriptionStatus = "connecting"
	// SubscriptionSubscribed means events are flowing.
	SubscriptionSubscribed SubscriptionStatus = "subscribed"
	// SubscriptionClosed means the channel closed and reconnect is scheduled.
	SubscriptionClosed SubscriptionStatus = "closed"
	// SubscriptionErrored means the channel failed and reconnect is scheduled.
	SubscriptionErrored SubscriptionStatus = "errored"
)

// ChannelState is the observable state of the active scope's subscription.
type ChannelState struct {
	ScopeID     string             `json:"scope_id"`
	Status      SubscriptionStatus `json:"status"`
	LastEventAt *time.Time         `json:"last_event_at,omitempty"`
	Generation  int64              `json:"generation"`
}

// ConnectionStatus is the coarse connectivity state surfaced to the UI.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionReconnecting ConnectionStatus = "reconnecting"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// StatusSnapshot is the observable engine state for UI indicators.
type StatusSnapshot struct {
	Connection    ConnectionStatus   `json:"connection"`
	ActiveScope   string             `json:"active_scope,omitempty"`
	Channel       SubscriptionStatus `json:"channel"`
	OutboxPending int                `json:"outbox_pending"`
	LastEventAt   *time.Time         `json:"last_event_at,omitempty"`
}
