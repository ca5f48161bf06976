// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestRecordDrain tests drain pass metric recording
func TestRecordDrain(t *testing.T) {
	tests := []struct {
		name     string
		result   string
		duration time.Duration
	}{
		{name: "completed pass", result: "completed", duration: 120 * time.Millisecond},
		{name: "skipped while in flight", result: "skipped", duration: 0},
		{name: "blocked by unhealthy gate", result: "blocked", duration: 0},
		{name: "slow pass", result: "completed", duration: 12 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(OutboxDrains.WithLabelValues(tt.result))
			RecordDrain(tt.result, tt.duration)
			after := testutil.ToFloat64(OutboxDrains.WithLabelValues(tt.result))
			if after-before != 1 {
				t.Errorf("drains[%s] delta = %v, want 1", tt.result, after-before)
			}
		})
	}
}

// TestRecordMergeOutcomes verifies only nonzero outcomes are recorded
func TestRecordMergeOutcomes(t *testing.T) {
	beforeIns := testutil.ToFloat64(MergeRows.WithLabelValues("inserted"))
	beforeSup := testutil.ToFloat64(MergeRows.WithLabelValues("suppressed"))

	RecordMergeOutcomes(3, 0, 0, 1)

	if got := testutil.ToFloat64(MergeRows.WithLabelValues("inserted")) - beforeIns; got != 3 {
		t.Errorf("inserted delta = %v, want 3", got)
	}
	if got := testutil.ToFloat64(MergeRows.WithLabelValues("suppressed")) - beforeSup; got != 1 {
		t.Errorf("suppressed delta = %v, want 1", got)
	}
}

// TestUpdateOutboxDepth tests the pending-item gauge
func TestUpdateOutboxDepth(t *testing.T) {
	UpdateOutboxDepth(7)
	if got := testutil.ToFloat64(OutboxDepth); got != 7 {
		t.Errorf("depth = %v, want 7", got)
	}
	UpdateOutboxDepth(0)
	if got := testutil.ToFloat64(OutboxDepth); got != 0 {
		t.Errorf("depth = %v, want 0", got)
	}
}

// TestTrackWSClient tests socket attach/detach tracking
func TestTrackWSClient(t *testing.T) {
	before := testutil.ToFloat64(WSClients)
	TrackWSClient(true)
	TrackWSClient(true)
	TrackWSClient(false)
	if got := testutil.ToFloat64(WSClients) - before; got != 1 {
		t.Errorf("ws clients delta = %v, want 1", got)
	}
	TrackWSClient(false)
}

// TestRecordAPIRequest tests API request metric recording
func TestRecordAPIRequest(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		endpoint   string
		statusCode int
		duration   time.Duration
	}{
		{name: "send accepted", method: "POST", endpoint: "/v1/messages", statusCode: 202, duration: 3 * time.Millisecond},
		{name: "scope fetch", method: "GET", endpoint: "/v1/scopes/{scopeID}/messages", statusCode: 200, duration: 12 * time.Millisecond},
		{name: "bad wake reason", method: "POST", endpoint: "/v1/wake", statusCode: 400, duration: time.Millisecond},
		{name: "rate limited", method: "GET", endpoint: "/v1/status", statusCode: 429, duration: time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Should not panic; label shapes must line up.
			RecordAPIRequest(tt.method, tt.endpoint, tt.statusCode, tt.duration)
		})
	}
}

// TestRecordCircuitTransition tests breaker gauge and transition counter
func TestRecordCircuitTransition(t *testing.T) {
	RecordCircuitTransition("backend", "closed", "open", 2)
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("backend")); got != 2 {
		t.Errorf("state = %v, want 2 (open)", got)
	}
	RecordCircuitTransition("backend", "open", "half-open", 1)
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("backend")); got != 1 {
		t.Errorf("state = %v, want 1 (half-open)", got)
	}
}

// TestSetRealtimeDegraded tests the degraded-polling gauge
func TestSetRealtimeDegraded(t *testing.T) {
	SetRealtimeDegraded(true)
	if got := testutil.ToFloat64(RealtimeDegraded); got != 1 {
		t.Errorf("degraded = %v, want 1", got)
	}
	SetRealtimeDegraded(false)
	if got := testutil.ToFloat64(RealtimeDegraded); got != 0 {
		t.Errorf("degraded = %v, want 0", got)
	}
}
