// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

// Package backend is the HTTP client for the hosted backend: the auth token
// endpoint, the PostgREST data surface, and object storage for attachments.
//
// Every failure is classified into the engine's error taxonomy before it
// leaves this package. Callers branch on errs sentinels, never on HTTP
// status codes.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sotto-chat/sotto/internal/config"
	"github.com/sotto-chat/sotto/internal/errs"
	"github.com/sotto-chat/sotto/internal/logging"
)

// maxErrorBodySize limits how much of an error response body is read for
// diagnostics, preventing unbounded allocation on large error pages.
const maxErrorBodySize = 64 * 1024 // 64KB

// TokenSource supplies the bearer token attached to data-plane requests.
// The session provider implements it via the pipeline.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client talks to the hosted backend. Safe for concurrent use; each request
// builds its own http.Request.
type Client struct {
	cfg    config.BackendConfig
	tokens TokenSource
	client *http.Client
	log    zerolog.Logger
}

// NewClient builds a backend client. tokens may be nil, in which case only
// the auth endpoints (which authenticate with the anon key alone) work.
func NewClient(cfg config.BackendConfig, tokens TokenSource) *Client {
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		// No global timeout: sends and queries carry different per-call
		// deadlines via context.
		client: &http.Client{},
		log:    logging.WithComponent("backend"),
	}
}

// SetTokenSource installs the bearer token supplier after construction.
// The pipeline wires this once the session provider exists.
func (c *Client) SetTokenSource(tokens TokenSource) {
	c.tokens = tokens
}

// Close releases pooled connections. Called when the pipeline discards a
// client during recreation so stale sockets do not linger.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.cfg.URL
}

// RealtimeURL returns the websocket endpoint for the realtime surface,
// with the anon key applied as a query parameter.
func (c *Client) RealtimeURL() string {
	wsBase := c.cfg.URL
	switch {
	case strings.HasPrefix(wsBase, "https://"):
		wsBase = "wss://" + strings.TrimPrefix(wsBase, "https://")
	case strings.HasPrefix(wsBase, "http://"):
		wsBase = "ws://" + strings.TrimPrefix(wsBase, "http://")
	}
	q := url.Values{}
	q.Set("apikey", c.cfg.AnonKey)
	q.Set("vsn", "1.0.0")
	return wsBase + "/realtime/v1/websocket?" + q.Encode()
}

// doJSON performs a request with standard headers and decodes error
// statuses into the taxonomy. The caller owns the response body.
func (c *Client) doJSON(ctx context.Context, method, reqURL string, body []byte, authed bool, extra http.Header) (*http.Response, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", c.cfg.AnonKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if authed {
		if c.tokens == nil {
			return nil, fmt.Errorf("%w: no token source configured", errs.ErrAuthExpired)
		}
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		// Timeouts, DNS failures, refused connections: all retryable.
		return nil, fmt.Errorf("%w: %v", errs.ErrTransientNetwork, err)
	}

	if err := classifyStatus(resp.StatusCode); err != nil {
		detail := readBodyForError(resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s %s returned %d: %s", err, method, req.URL.Path, resp.StatusCode, detail)
	}
	return resp, nil
}

// classifyStatus maps an HTTP status to the engine's error taxonomy.
// 2xx maps to nil.
func classifyStatus(status int) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusUnauthorized:
		return errs.ErrAuthExpired
	case status == http.StatusTooManyRequests:
		return errs.ErrTransientNetwork
	case status >= 500:
		return errs.ErrTransientNetwork
	default:
		// Validation failures, missing rows, conflicts: retrying the same
		// payload cannot succeed.
		return errs.ErrPermanentRejected
	}
}

// readBodyForError reads at most maxErrorBodySize bytes for diagnostics.
func readBodyForError(r io.Reader) []byte {
	limited := io.LimitReader(r, maxErrorBodySize)
	body, err := io.ReadAll(limited)
	if err != nil {
		return []byte("(failed to read response body)")
	}
	if len(body) == maxErrorBodySize {
		return append(body, []byte("... (truncated)")...)
	}
	return body
}

// drainAndClose discards any unread body so the connection is reusable.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBodySize))
	_ = body.Close()
}
