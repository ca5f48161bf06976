// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/sotto-chat/sotto/internal/models"
)

// tokenResponse is the auth endpoint's grant response shape.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

func (r *tokenResponse) toSession(now time.Time) *models.Session {
	s := &models.Session{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		UserID:       r.User.ID,
	}
	switch {
	case r.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(r.ExpiresAt, 0).UTC()
	case r.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second).UTC()
	}
	return s
}

// RefreshSession exchanges a refresh token for fresh credentials.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*models.Session, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh request: %w", err)
	}
	return c.tokenGrant(ctx, "refresh_token", body)
}

// SignInWithPassword performs the password grant. Used once at first
// sign-in; afterwards the refresh grant keeps the session alive.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*models.Session, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sign-in request: %w", err)
	}
	return c.tokenGrant(ctx, "password", body)
}

func (c *Client) tokenGrant(ctx context.Context, grantType string, body []byte) (*models.Session, error) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	reqURL := c.cfg.URL + "/auth/v1/token?grant_type=" + grantType
	resp, err := c.doJSON(rctx, http.MethodPost, reqURL, body, false, nil)
	if err != nil {
		return nil, fmt.Errorf("%s grant failed: %w", grantType, err)
	}
	defer drainAndClose(resp.Body)

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("failed to decode %s grant response: %w", grantType, err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%s grant returned no access token", grantType)
	}
	return tr.toSession(time.Now()), nil
}
