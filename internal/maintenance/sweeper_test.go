// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package maintenance

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/sotto-chat/sotto/internal/config"
	"github.com/sotto-chat/sotto/internal/logging"
	"github.com/sotto-chat/sotto/internal/models"
	"github.com/sotto-chat/sotto/internal/scheduler"
	"github.com/sotto-chat/sotto/internal/store"
)

//nolint:gochecknoinits // quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Format: "json", Output: io.Discard})
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(config.StoreConfig{
		Path:        filepath.Join(t.TempDir(), "sotto.db"),
		BusyTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Ready(context.Background()); err != nil {
		t.Fatalf("store.Ready: %v", err)
	}
	return st
}

func queuedItem(id string, now time.Time) *models.OutboxItem {
	return &models.OutboxItem{
		LocalID:     id,
		ScopeID:     "scope-1",
		SenderID:    "user-1",
		Payload:     json.RawMessage(`{}`),
		DedupeKey:   "dk-" + id,
		NextRetryAt: now,
		CreatedAt:   now,
		Status:      models.OutboxQueued,
	}
}

func TestSweepRemovesExpiredRows(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := st.InsertTombstone(ctx, &models.Tombstone{
		EntityID:  "stale",
		DeletedAt: now.Add(-48 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("InsertTombstone: %v", err)
	}
	if err := st.InsertTombstone(ctx, &models.Tombstone{
		EntityID:  "live",
		DeletedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("InsertTombstone: %v", err)
	}

	if err := st.EnqueueOutbox(ctx, queuedItem("ob-done", now)); err != nil {
		t.Fatalf("EnqueueOutbox: %v", err)
	}
	if err := st.MarkOutboxDelivered(ctx, "ob-done"); err != nil {
		t.Fatalf("MarkOutboxDelivered: %v", err)
	}
	if err := st.EnqueueOutbox(ctx, queuedItem("ob-waiting", now)); err != nil {
		t.Fatalf("EnqueueOutbox: %v", err)
	}

	// Clock a minute ahead with a 30s retention, so the delivered row
	// is past its window while the queued row is untouchable.
	clock := scheduler.NewFakeClock(now.Add(time.Minute))
	sw := NewSweeper(st, config.MaintenanceConfig{
		SweepInterval:           time.Hour,
		OutboxTerminalRetention: 30 * time.Second,
	}, clock)

	tombstones, outboxRows := sw.sweep(ctx)
	if tombstones != 1 {
		t.Errorf("tombstones purged = %d, want 1", tombstones)
	}
	if outboxRows != 1 {
		t.Errorf("outbox rows purged = %d, want 1", outboxRows)
	}

	alive, err := st.HasTombstone(ctx, "live", now)
	if err != nil {
		t.Fatalf("HasTombstone: %v", err)
	}
	if !alive {
		t.Error("live tombstone removed by sweep")
	}
	pending, err := st.PendingOutboxCount(ctx)
	if err != nil {
		t.Fatalf("PendingOutboxCount: %v", err)
	}
	if pending != 1 {
		t.Errorf("pending outbox = %d, want 1", pending)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := st.InsertTombstone(ctx, &models.Tombstone{
		EntityID:  "stale",
		DeletedAt: now.Add(-48 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("InsertTombstone: %v", err)
	}

	sw := NewSweeper(st, config.MaintenanceConfig{}, scheduler.NewFakeClock(now))
	if tombstones, _ := sw.sweep(ctx); tombstones != 1 {
		t.Fatalf("first sweep purged %d tombstones, want 1", tombstones)
	}
	if tombstones, outboxRows := sw.sweep(ctx); tombstones != 0 || outboxRows != 0 {
		t.Errorf("second sweep purged %d/%d rows, want 0/0", tombstones, outboxRows)
	}
}

func TestServeRunsStartupAndIntervalSweeps(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	now := time.Now().UTC()

	if err := st.InsertTombstone(ctx, &models.Tombstone{
		EntityID:  "at-boot",
		DeletedAt: now.Add(-48 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("InsertTombstone: %v", err)
	}

	clock := scheduler.NewFakeClock(now)
	sw := NewSweeper(st, config.MaintenanceConfig{SweepInterval: time.Hour}, clock)

	errCh := make(chan error, 1)
	go func() { errCh <- sw.Serve(ctx) }()

	waitForGone := func(entityID string) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			// Advance repeatedly: an advance landing mid-sweep is
			// missed, the next one fires the rearmed timer.
			clock.Advance(time.Hour)
			var n int64
			err := st.WithTx(ctx, func(tx *sql.Tx) error {
				return tx.QueryRowContext(ctx,
					`SELECT COUNT(*) FROM tombstones WHERE entity_id = ?`, entityID).Scan(&n)
			})
			if err != nil {
				t.Fatalf("count tombstones: %v", err)
			}
			if n == 0 {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("tombstone %s never swept", entityID)
	}

	waitForGone("at-boot")

	if err := st.InsertTombstone(ctx, &models.Tombstone{
		EntityID:  "later",
		DeletedAt: now,
		ExpiresAt: now.Add(30 * time.Minute),
	}); err != nil {
		t.Fatalf("InsertTombstone: %v", err)
	}
	waitForGone("later")

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop on cancel")
	}
}
