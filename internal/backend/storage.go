// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sotto-chat/sotto/internal/errs"
)

// UploadAttachment stores an image blob and returns its public URL for
// embedding in a message row. The object path should already carry the
// sender and message identity (e.g. "<user>/<dedupe-key>.jpg") so retries
// overwrite rather than accumulate.
func (c *Client) UploadAttachment(ctx context.Context, objectPath string, data []byte, contentType string) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	bucket := c.cfg.StorageBucket
	if bucket == "" {
		return "", fmt.Errorf("%w: no storage bucket configured", errs.ErrPermanentRejected)
	}
	reqURL := c.cfg.URL + "/storage/v1/object/" + bucket + "/" + objectPath

	req, err := http.NewRequestWithContext(sctx, http.MethodPost, reqURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("apikey", c.cfg.AnonKey)
	req.Header.Set("Content-Type", contentType)
	// Overwrite on retry instead of failing with a duplicate-object error.
	req.Header.Set("x-upsert", "true")

	if c.tokens == nil {
		return "", fmt.Errorf("%w: no token source configured", errs.ErrAuthExpired)
	}
	token, err := c.tokens.Token(sctx)
	if err != nil {
		return "", fmt.Errorf("failed to get access token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", errs.ErrTransientNetwork, err)
	}
	defer drainAndClose(resp.Body)

	if err := classifyStatus(resp.StatusCode); err != nil {
		detail := readBodyForError(resp.Body)
		return "", fmt.Errorf("%w: upload returned %d: %s", err, resp.StatusCode, detail)
	}

	return c.cfg.URL + "/storage/v1/object/public/" + bucket + "/" + objectPath, nil
}
