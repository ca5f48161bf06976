// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/sotto-chat/sotto/internal/validation"
)

// Bodies stay small; images travel by path, not by upload.
const maxBodyBytes = 1 << 20

type sendMessageRequest struct {
	ScopeID   string  `json:"scope_id" validate:"required,max=128"`
	Content   string  `json:"content" validate:"max=8000"`
	Ghost     bool    `json:"ghost"`
	Category  *string `json:"category,omitempty" validate:"omitempty,max=64"`
	ParentID  *string `json:"parent_id,omitempty" validate:"omitempty,max=128"`
	ImagePath string  `json:"image_path,omitempty" validate:"omitempty,max=4096"`
}

type signInRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type wakeRequest struct {
	Reason  string `json:"reason" validate:"omitempty,max=64"`
	ScopeID string `json:"scope_id" validate:"omitempty,max=128"`
}

type onlineRequest struct {
	Online bool `json:"online"`
}

// decodeJSON reads and validates a request body into dst. An empty body
// decodes to the zero struct so signal endpoints accept bare POSTs;
// required-field validation still rejects it where fields matter. On
// failure the error response is already written and false is returned.
func decodeJSON(rw *ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(rw.w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		rw.BadRequest("malformed JSON body")
		return false
	}
	if verr := validation.ValidateStruct(dst); verr != nil {
		rw.ValidationError(verr.Error(), verr.Fields())
		return false
	}
	return true
}

// queryLimit parses an optional ?limit= parameter. Zero means "engine
// default"; anything non-numeric or negative is a client error.
func queryLimit(rw *ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		rw.BadRequest("limit must be a non-negative integer")
		return 0, false
	}
	return limit, true
}
