// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Outbox Metrics
	OutboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_depth",
			Help: "Current number of pending outbox items (queued + sending)",
		},
	)

	OutboxEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_enqueued_total",
			Help: "Total number of items accepted for deferred delivery",
		},
	)

	OutboxDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_delivered_total",
			Help: "Total number of outbox items confirmed by the backend",
		},
	)

	OutboxDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_discarded_total",
			Help: "Total number of outbox items dropped as terminal failures",
		},
		[]string{"reason"}, // "exhausted", "rejected"
	)

	OutboxDrains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_drains_total",
			Help: "Total number of drain passes by result",
		},
		[]string{"result"}, // "completed", "skipped", "blocked"
	)

	OutboxDrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_drain_duration_seconds",
			Help:    "Duration of outbox drain passes in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
	)

	// Session Metrics
	SessionFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_fetches_total",
			Help: "Total number of session resolutions by source",
		},
		[]string{"source"}, // "network", "cache", "vault"
	)

	// Connection Pipeline Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	PipelineRecreations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_recreations_total",
			Help: "Total number of hard client recreations",
		},
		[]string{"reason"},
	)

	PipelineProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_probes_total",
			Help: "Total number of health probes by result",
		},
		[]string{"result"}, // "ok", "failed", "rejected"
	)

	SendAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "send_attempts_total",
			Help: "Total number of direct send attempts by result",
		},
		[]string{"result"}, // "delivered", "deferred", "rejected"
	)

	// Realtime Channel Metrics
	RealtimeReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_reconnects_total",
			Help: "Total number of realtime reconnect attempts",
		},
	)

	RealtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_total",
			Help: "Total number of change events received by type",
		},
		[]string{"type"}, // "INSERT", "UPDATE", "DELETE"
	)

	RealtimeDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_degraded",
			Help: "1 while the realtime channel is in degraded polling mode",
		},
	)

	// Merge Metrics
	MergeRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merge_rows_total",
			Help: "Total row outcomes across merge passes",
		},
		[]string{"outcome"}, // "inserted", "updated", "reconciled", "suppressed"
	)

	// Orchestrator Metrics
	EngineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_runs_total",
			Help: "Total number of orchestration runs by trigger",
		},
		[]string{"trigger"},
	)

	EngineRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_run_duration_seconds",
			Help:    "Duration of orchestration runs in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	EngineCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_coalesced_total",
			Help: "Total number of triggers absorbed into a pending run",
		},
	)

	// Loopback API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "endpoint"},
	)

	WSClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_clients",
			Help: "Current number of connected UI event sockets",
		},
	)
)

// RecordEnqueue records an item accepted for deferred delivery.
func RecordEnqueue() {
	OutboxEnqueued.Inc()
}

// RecordDrain records the outcome of a drain pass.
func RecordDrain(result string, duration time.Duration) {
	OutboxDrains.WithLabelValues(result).Inc()
	if result == "completed" {
		OutboxDrainDuration.Observe(duration.Seconds())
	}
}

// RecordDelivered records outbox items confirmed by the backend.
func RecordDelivered(n int) {
	if n > 0 {
		OutboxDelivered.Add(float64(n))
	}
}

// RecordDiscarded records an outbox item dropped as a terminal failure.
func RecordDiscarded(reason string) {
	OutboxDiscarded.WithLabelValues(reason).Inc()
}

// UpdateOutboxDepth sets the pending-item gauge.
func UpdateOutboxDepth(depth int) {
	OutboxDepth.Set(float64(depth))
}

// RecordSessionFetch records where a session resolution was served from.
func RecordSessionFetch(source string) {
	SessionFetches.WithLabelValues(source).Inc()
}

// RecordCircuitTransition records a breaker state change and updates the
// state gauge. State values: 0=closed, 1=half-open, 2=open.
func RecordCircuitTransition(name, fromState, toState string, stateValue int) {
	CircuitBreakerTransitions.WithLabelValues(name, fromState, toState).Inc()
	CircuitBreakerState.WithLabelValues(name).Set(float64(stateValue))
}

// RecordRecreation records a hard client recreation.
func RecordRecreation(reason string) {
	PipelineRecreations.WithLabelValues(reason).Inc()
}

// RecordProbe records a health probe result.
func RecordProbe(result string) {
	PipelineProbes.WithLabelValues(result).Inc()
}

// RecordSendAttempt records the terminal result of a direct send.
func RecordSendAttempt(result string) {
	SendAttempts.WithLabelValues(result).Inc()
}

// RecordRealtimeEvent records a change event received on the socket.
func RecordRealtimeEvent(eventType string) {
	RealtimeEvents.WithLabelValues(eventType).Inc()
}

// RecordReconnect records a reconnect attempt.
func RecordReconnect() {
	RealtimeReconnects.Inc()
}

// SetRealtimeDegraded flips the degraded-polling gauge.
func SetRealtimeDegraded(degraded bool) {
	if degraded {
		RealtimeDegraded.Set(1)
	} else {
		RealtimeDegraded.Set(0)
	}
}

// RecordMergeOutcomes records row outcomes from one merge pass.
func RecordMergeOutcomes(inserted, updated, reconciled, suppressed int) {
	if inserted > 0 {
		MergeRows.WithLabelValues("inserted").Add(float64(inserted))
	}
	if updated > 0 {
		MergeRows.WithLabelValues("updated").Add(float64(updated))
	}
	if reconciled > 0 {
		MergeRows.WithLabelValues("reconciled").Add(float64(reconciled))
	}
	if suppressed > 0 {
		MergeRows.WithLabelValues("suppressed").Add(float64(suppressed))
	}
}

// RecordEngineRun records a completed orchestration run.
func RecordEngineRun(trigger string, duration time.Duration) {
	EngineRuns.WithLabelValues(trigger).Inc()
	EngineRunDuration.Observe(duration.Seconds())
}

// RecordEngineCoalesced records a trigger absorbed into a pending run.
func RecordEngineCoalesced() {
	EngineCoalesced.Inc()
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackWSClient tracks UI event socket attach/detach.
func TrackWSClient(connected bool) {
	if connected {
		WSClients.Inc()
	} else {
		WSClients.Dec()
	}
}
