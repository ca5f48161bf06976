// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/sotto-chat/sotto/internal/models"
)

// UpsertMessage writes one message row. The dedupe key is the conflict
// target, so resending the same logical message merges into the existing
// row instead of duplicating it. Returns the confirmed server row.
func (c *Client) UpsertMessage(ctx context.Context, row *models.MessageRow) (*models.Message, error) {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	body, err := json.Marshal([]*models.MessageRow{row})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message row: %w", err)
	}

	q := url.Values{}
	q.Set("on_conflict", "dedupe_key")
	reqURL := c.cfg.URL + "/rest/v1/messages?" + q.Encode()

	headers := http.Header{}
	headers.Set("Prefer", "resolution=merge-duplicates,return=representation")

	resp, err := c.doJSON(sctx, http.MethodPost, reqURL, body, true, headers)
	if err != nil {
		return nil, fmt.Errorf("message upsert failed: %w", err)
	}
	defer drainAndClose(resp.Body)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upsert response: %w", err)
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("failed to decode upsert response: %w", err)
	}
	if len(raws) == 0 {
		return nil, fmt.Errorf("message upsert returned no rows")
	}
	confirmed, err := models.DecodeMessageRow(raws[0])
	if err != nil {
		return nil, fmt.Errorf("upsert confirmation row rejected: %w", err)
	}
	return confirmed, nil
}

// FetchMessagesSince pulls messages in a scope created strictly after the
// watermark, oldest first, bounded by limit. Invalid rows are quarantined;
// the count of rejected rows is returned alongside the valid ones.
func (c *Client) FetchMessagesSince(ctx context.Context, scopeID string, since time.Time, limit int) ([]*models.Message, int, error) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("select", "*")
	q.Set("scope_id", "eq."+scopeID)
	if !since.IsZero() {
		q.Set("created_at", "gt."+since.UTC().Format(time.RFC3339Nano))
	}
	q.Set("order", "created_at.asc")
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	reqURL := c.cfg.URL + "/rest/v1/messages?" + q.Encode()

	resp, err := c.doJSON(rctx, http.MethodGet, reqURL, nil, true, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("message fetch failed: %w", err)
	}
	defer drainAndClose(resp.Body)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read fetch response: %w", err)
	}
	msgs, rejected, err := models.DecodeMessageRows(data)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode fetch response: %w", err)
	}
	if rejected > 0 {
		c.log.Warn().Int("rejected", rejected).Str("scope_id", scopeID).
			Msg("Quarantined invalid rows from fetch")
	}
	return msgs, rejected, nil
}

// DeleteMessage removes a message row remotely. Deleting an already-gone
// row is not an error.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("id", "eq."+id)
	reqURL := c.cfg.URL + "/rest/v1/messages?" + q.Encode()

	headers := http.Header{}
	headers.Set("Prefer", "return=minimal")

	resp, err := c.doJSON(rctx, http.MethodDelete, reqURL, nil, true, headers)
	if err != nil {
		return fmt.Errorf("message delete failed: %w", err)
	}
	drainAndClose(resp.Body)
	return nil
}

// FetchScopes pulls the scopes the authenticated user is a member of.
// Row-level security on the backend does the membership filtering.
func (c *Client) FetchScopes(ctx context.Context) ([]*models.Scope, error) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", "created_at.asc")
	reqURL := c.cfg.URL + "/rest/v1/scopes?" + q.Encode()

	resp, err := c.doJSON(rctx, http.MethodGet, reqURL, nil, true, nil)
	if err != nil {
		return nil, fmt.Errorf("scope fetch failed: %w", err)
	}
	defer drainAndClose(resp.Body)

	var scopes []*models.Scope
	if err := json.NewDecoder(resp.Body).Decode(&scopes); err != nil {
		return nil, fmt.Errorf("failed to decode scope response: %w", err)
	}
	return scopes, nil
}

// Probe issues the cheapest possible authenticated query. The pipeline
// uses it to confirm a client that looks corrupted really is: the caller
// supplies the tight deadline and interprets the failure.
func (c *Client) Probe(ctx context.Context) error {
	q := url.Values{}
	q.Set("select", "id")
	q.Set("limit", "1")
	reqURL := c.cfg.URL + "/rest/v1/messages?" + q.Encode()

	resp, err := c.doJSON(ctx, http.MethodGet, reqURL, nil, true, nil)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	drainAndClose(resp.Body)
	return nil
}
