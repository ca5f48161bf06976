// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

// Package api serves the loopback HTTP and WebSocket surface the UI
// talks to. Every response uses one envelope so clients handle success
// and failure uniformly.
package api

import (
	"errors"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/sotto-chat/sotto/internal/errs"
	"github.com/sotto-chat/sotto/internal/logging"
	"github.com/sotto-chat/sotto/internal/validation"
)

// Envelope is the response wrapper for all endpoints.
type Envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
	Meta    *Meta     `json:"meta,omitempty"`
}

// APIError carries a machine-readable code alongside the message.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Meta is per-response metadata.
type Meta struct {
	RequestID  string    `json:"request_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// Error codes surfaced to the UI.
const (
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeGone             = "GONE"
	ErrCodeRejected         = "REJECTED"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeBackendFailed    = "BACKEND_FAILED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeUnavailable      = "SERVICE_UNAVAILABLE"
)

// ResponseWriter writes enveloped responses for one request.
type ResponseWriter struct {
	w         http.ResponseWriter
	r         *http.Request
	startTime time.Time
}

// NewResponseWriter binds a writer to the request it answers.
func NewResponseWriter(w http.ResponseWriter, r *http.Request) *ResponseWriter {
	return &ResponseWriter{w: w, r: r, startTime: time.Now()}
}

func (rw *ResponseWriter) meta() *Meta {
	return &Meta{
		RequestID:  chimiddleware.GetReqID(rw.r.Context()),
		Timestamp:  time.Now().UTC(),
		DurationMs: time.Since(rw.startTime).Milliseconds(),
	}
}

// Success writes a 200 with data.
func (rw *ResponseWriter) Success(data any) {
	rw.writeJSON(http.StatusOK, Envelope{Success: true, Data: data, Meta: rw.meta()})
}

// Created writes a 201 with data.
func (rw *ResponseWriter) Created(data any) {
	rw.writeJSON(http.StatusCreated, Envelope{Success: true, Data: data, Meta: rw.meta()})
}

// Accepted writes a 202 with data. Used for signals that are handled
// asynchronously, such as wake triggers.
func (rw *ResponseWriter) Accepted(data any) {
	rw.writeJSON(http.StatusAccepted, Envelope{Success: true, Data: data, Meta: rw.meta()})
}

// NoContent writes a bare 204.
func (rw *ResponseWriter) NoContent() {
	rw.w.WriteHeader(http.StatusNoContent)
}

// Error writes an error envelope with the given status.
func (rw *ResponseWriter) Error(statusCode int, code, message string) {
	rw.ErrorWithDetails(statusCode, code, message, nil)
}

// ErrorWithDetails writes an error envelope with extra details.
func (rw *ResponseWriter) ErrorWithDetails(statusCode int, code, message string, details any) {
	requestID := chimiddleware.GetReqID(rw.r.Context())
	rw.writeJSON(statusCode, Envelope{
		Success: false,
		Error: &APIError{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: requestID,
		},
		Meta: rw.meta(),
	})
}

// BadRequest writes a 400.
func (rw *ResponseWriter) BadRequest(message string) {
	rw.Error(http.StatusBadRequest, ErrCodeBadRequest, message)
}

// ValidationError writes a 400 with per-field failures.
func (rw *ResponseWriter) ValidationError(message string, details any) {
	rw.ErrorWithDetails(http.StatusBadRequest, ErrCodeValidationFailed, message, details)
}

// Unauthorized writes a 401.
func (rw *ResponseWriter) Unauthorized(message string) {
	rw.Error(http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// NotFound writes a 404.
func (rw *ResponseWriter) NotFound(message string) {
	rw.Error(http.StatusNotFound, ErrCodeNotFound, message)
}

// InternalError writes a 500.
func (rw *ResponseWriter) InternalError(message string) {
	rw.Error(http.StatusInternalServerError, ErrCodeInternalError, message)
}

// ServiceUnavailable writes a 503.
func (rw *ResponseWriter) ServiceUnavailable(message string) {
	rw.Error(http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// EngineError maps engine sentinel errors onto HTTP statuses. Unknown
// errors become a 500; the UI treats those as daemon bugs, not backend
// weather.
func (rw *ResponseWriter) EngineError(err error) {
	var structErr *validation.StructError
	switch {
	case errors.As(err, &structErr):
		rw.ValidationError(structErr.Error(), structErr.Fields())
	case errors.Is(err, errs.ErrInvalidRow):
		rw.Error(http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, errs.ErrAuthExpired):
		rw.Error(http.StatusUnauthorized, ErrCodeUnauthorized, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		rw.Error(http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, errs.ErrTombstoned):
		rw.Error(http.StatusGone, ErrCodeGone, err.Error())
	case errors.Is(err, errs.ErrPermanentRejected):
		rw.Error(http.StatusUnprocessableEntity, ErrCodeRejected, err.Error())
	case errors.Is(err, errs.ErrTransientNetwork), errors.Is(err, errs.ErrClientCorrupted):
		rw.Error(http.StatusBadGateway, ErrCodeBackendFailed, err.Error())
	default:
		logging.Error().Err(err).Str("path", rw.r.URL.Path).Msg("request failed")
		rw.Error(http.StatusInternalServerError, ErrCodeInternalError, "internal error")
	}
}

func (rw *ResponseWriter) writeJSON(statusCode int, data any) {
	rw.w.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.w.WriteHeader(statusCode)
	if err := json.NewEncoder(rw.w).Encode(data); err != nil {
		logging.Error().Err(err).Msg("encode response")
	}
}
