// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

// Package errs defines the sentinel errors shared across the engine.
//
// The taxonomy drives propagation: transient and auth failures are absorbed
// by the pipeline and outbox (retried, backed off, or re-authed), while
// permanent rejections and exhausted retries surface to the UI layer.
// Classify with errors.Is after wrapping with fmt.Errorf("...: %w", err).
package errs

import "errors"

var (
	// ErrTransientNetwork marks timeouts and disconnects that are retried
	// with backoff and never surfaced as fatal.
	ErrTransientNetwork = errors.New("transient network failure")

	// ErrAuthExpired marks an invalid or expired session. Handlers refresh
	// the session and retry the operation once.
	ErrAuthExpired = errors.New("auth session expired")

	// ErrClientCorrupted marks a backend client whose probes have failed
	// repeatedly. The pipeline recreates the client transparently.
	ErrClientCorrupted = errors.New("backend client corrupted")

	// ErrPermanentRejected marks a write the server explicitly refused.
	// It is surfaced to the caller immediately and never retried.
	ErrPermanentRejected = errors.New("request permanently rejected")

	// ErrRetriesExhausted marks an outbox item discarded after the maximum
	// retry count. The associated message is marked failed.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreClosed is returned by store operations after Close.
	ErrStoreClosed = errors.New("store closed")

	// ErrTombstoned is returned when an operation targets a locally
	// deleted entity.
	ErrTombstoned = errors.New("entity tombstoned")

	// ErrDrainInProgress is returned when a drain pass is already running.
	// Callers treat it as a no-op, not a failure.
	ErrDrainInProgress = errors.New("drain already in progress")

	// ErrNotSubscribed is returned when an operation requires a live
	// channel subscription that does not exist.
	ErrNotSubscribed = errors.New("scope not subscribed")

	// ErrInvalidRow is returned when a backend row fails boundary decoding.
	ErrInvalidRow = errors.New("invalid row")
)
