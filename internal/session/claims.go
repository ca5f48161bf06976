// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sotto-chat/sotto/internal/models"
)

// tokenExpiry extracts the exp claim from an access token without verifying
// the signature. The backend signed the token; locally we only need to know
// when it stops being usable.
func tokenExpiry(accessToken string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, &claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse access token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}

// fillExpiry derives Session.ExpiresAt from the access token when the
// backend response did not carry one.
func fillExpiry(s *models.Session) {
	if s == nil || !s.ExpiresAt.IsZero() || s.AccessToken == "" {
		return
	}
	if exp, err := tokenExpiry(s.AccessToken); err == nil {
		s.ExpiresAt = exp
	}
}
