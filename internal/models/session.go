// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package models

import "time"

// Session holds the credential tokens for the authenticated user. It is
// owned by the connection pipeline; no other component writes tokens.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UserID       string    `json:"user_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token has passed its expiry.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// ExpiresWithin reports whether the access token expires inside the given
// lookahead window. Health checks use this to refresh before hard expiry.
func (s *Session) ExpiresWithin(now time.Time, window time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(window).After(s.ExpiresAt)
}

// TokenOnly reports whether the session was reconstructed from stored
// tokens alone, without a confirmed user id from the backend.
func (s *Session) TokenOnly() bool {
	return s.UserID == ""
}
