// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

/*
Package metrics provides Prometheus metrics collection for the sync engine.

Metrics are exposed at the loopback API's /metrics endpoint in Prometheus
text format:

	curl http://127.0.0.1:8091/metrics

# Available Metrics

Outbox:
  - outbox_depth: Pending items (queued + sending) (gauge)
  - outbox_enqueued_total: Items accepted for deferred delivery (counter)
  - outbox_delivered_total: Items confirmed by the backend (counter)
  - outbox_discarded_total: Items dropped as terminal failures (counter)
    Labels: reason (exhausted, rejected)
  - outbox_drains_total: Drain passes (counter)
    Labels: result (completed, skipped, blocked)
  - outbox_drain_duration_seconds: Duration of drain passes (histogram)

Session:
  - session_fetches_total: Session resolutions (counter)
    Labels: source (network, cache, vault)

Connection pipeline:
  - circuit_breaker_state: Breaker state (gauge)
    Labels: name
    Values: 0=closed, 1=half-open, 2=open
  - pipeline_recreations_total: Hard client recreations (counter)
    Labels: reason
  - pipeline_probes_total: Health probes (counter)
    Labels: result (ok, failed, rejected)
  - send_attempts_total: Direct send attempts (counter)
    Labels: result (delivered, deferred, rejected)

Realtime:
  - realtime_reconnects_total: Reconnect attempts (counter)
  - realtime_events_total: Change events received (counter)
    Labels: type (INSERT, UPDATE, DELETE)
  - realtime_degraded: 1 while the channel is in degraded polling (gauge)

Merge:
  - merge_rows_total: Row outcomes across merge passes (counter)
    Labels: outcome (inserted, updated, reconciled, suppressed)

Orchestrator:
  - engine_runs_total: Orchestration runs (counter)
    Labels: trigger
  - engine_run_duration_seconds: Orchestration run duration (histogram)
  - engine_coalesced_total: Triggers absorbed into a pending run (counter)

Loopback API:
  - api_requests_total: HTTP requests (counter)
    Labels: method, endpoint, status_code
  - api_request_duration_seconds: Request latency (histogram)
    Labels: method, endpoint
  - ws_clients: Connected UI event sockets (gauge)

All recording functions are safe for concurrent use. Endpoint labels use
chi route patterns, not raw paths, to keep cardinality bounded.
*/
package metrics
