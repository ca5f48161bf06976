// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

// Package merge folds server data into the local cache without ever losing
// a local write. Three rules hold everywhere:
//
//   - Preservation: optimistic entries survive every merge until a server
//     row carrying their dedupe key confirms them.
//   - Suppression: a tombstoned id never re-enters the cache, no matter how
//     stale the server result set that mentions it.
//   - Idempotence: replaying any merge input or realtime event converges to
//     the same cache state, with no duplicate entries.
package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sotto-chat/sotto/internal/config"
	"github.com/sotto-chat/sotto/internal/errs"
	"github.com/sotto-chat/sotto/internal/logging"
	"github.com/sotto-chat/sotto/internal/metrics"
	"github.com/sotto-chat/sotto/internal/models"
	"github.com/sotto-chat/sotto/internal/scheduler"
	"github.com/sotto-chat/sotto/internal/store"
)

// Result summarizes one merge pass.
type Result struct {
	Inserted   int
	Updated    int
	Reconciled int
	Suppressed int
}

func (r *Result) total() int {
	return r.Inserted + r.Updated + r.Reconciled
}

// Changed reports whether the pass altered the cache.
func (r *Result) Changed() bool {
	return r.total() > 0
}

// Merger applies server state to the local store.
type Merger struct {
	store     *store.Store
	retention config.MaintenanceConfig
	clock     scheduler.Clock
	log       zerolog.Logger
}

// New builds a merger over the given store.
func New(st *store.Store, retention config.MaintenanceConfig, clock scheduler.Clock) *Merger {
	return &Merger{
		store:     st,
		retention: retention,
		clock:     clock,
		log:       logging.WithComponent("merge"),
	}
}

// MergeIncoming folds a fetched result set into the cache. Rows are
// confirmed server rows, oldest first. The scope's sync cursor advances to
// the newest created_at merged.
func (m *Merger) MergeIncoming(ctx context.Context, scopeID string, incoming []*models.Message) (*Result, error) {
	now := m.clock.Now()
	tombstoned, err := m.store.TombstoneSet(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load tombstones: %w", err)
	}

	res := &Result{}
	for _, msg := range incoming {
		if _, dead := tombstoned[msg.ID]; dead {
			res.Suppressed++
			continue
		}
		if err := m.applyRow(ctx, msg, res); err != nil {
			return res, err
		}
		if err := m.store.AdvanceCursor(ctx, scopeID, msg.CreatedAt); err != nil {
			return res, err
		}
	}

	if res.Changed() {
		if err := m.store.TouchScope(ctx, scopeID, now); err != nil {
			return res, err
		}
		m.log.Debug().
			Str("scope_id", scopeID).
			Int("inserted", res.Inserted).
			Int("updated", res.Updated).
			Int("reconciled", res.Reconciled).
			Int("suppressed", res.Suppressed).
			Msg("Merged server rows")
	}
	metrics.RecordMergeOutcomes(res.Inserted, res.Updated, res.Reconciled, res.Suppressed)
	return res, nil
}

// applyRow merges one confirmed row: update by id if cached, reconcile by
// dedupe key if it confirms an existing entry, insert otherwise. Local
// entries the server set does not mention are never touched.
func (m *Merger) applyRow(ctx context.Context, msg *models.Message, res *Result) error {
	_, err := m.store.GetMessage(ctx, msg.ID)
	switch {
	case err == nil:
		if err := m.store.UpsertMessage(ctx, msg); err != nil {
			return err
		}
		res.Updated++
		return nil
	case !errors.Is(err, errs.ErrNotFound):
		return err
	}

	existing, err := m.store.GetMessageByDedupeKey(ctx, msg.DedupeKey)
	switch {
	case err == nil:
		// The server row confirms an entry cached under another id,
		// usually an optimistic one. Rewrite it in place so the entry
		// keeps its position instead of vanishing and reappearing.
		if err := m.store.ReplaceMessageID(ctx, existing.ID, msg); err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				// Raced with another merge pass that already reconciled.
				res.Updated++
				return m.store.UpsertMessage(ctx, msg)
			}
			return err
		}
		res.Reconciled++
		return nil
	case !errors.Is(err, errs.ErrNotFound):
		return err
	}

	if err := m.store.UpsertMessage(ctx, msg); err != nil {
		return err
	}
	res.Inserted++
	return nil
}

// ApplyEvent applies one realtime change. Replayed events converge: an
// insert seen twice updates in place, a delete of a missing row is a no-op
// that still leaves the tombstone behind.
func (m *Merger) ApplyEvent(ctx context.Context, ev *models.ChangeEvent) (*Result, error) {
	res := &Result{}
	now := m.clock.Now()

	switch ev.Type {
	case models.EventInsert, models.EventUpdate:
		if ev.Message == nil {
			return res, fmt.Errorf("%w: %s event without row", errs.ErrInvalidRow, ev.Type)
		}
		dead, err := m.store.HasTombstone(ctx, ev.Message.ID, now)
		if err != nil {
			return res, err
		}
		if dead {
			res.Suppressed++
			metrics.RecordMergeOutcomes(0, 0, 0, 1)
			return res, nil
		}
		if err := m.applyRow(ctx, ev.Message, res); err != nil {
			return res, err
		}
		if err := m.store.AdvanceCursor(ctx, ev.ScopeID, ev.Message.CreatedAt); err != nil {
			return res, err
		}
		if err := m.store.TouchScope(ctx, ev.ScopeID, now); err != nil {
			return res, err
		}
		metrics.RecordMergeOutcomes(res.Inserted, res.Updated, res.Reconciled, 0)
		return res, nil

	case models.EventDelete:
		id := ev.EntityID()
		if id == "" {
			return res, fmt.Errorf("%w: delete event without id", errs.ErrInvalidRow)
		}
		// Tombstone first: a stale pull racing this delete must not
		// resurrect the row.
		if err := m.tombstone(ctx, id, now); err != nil {
			return res, err
		}
		existed := true
		if _, err := m.store.GetMessage(ctx, id); errors.Is(err, errs.ErrNotFound) {
			existed = false
		} else if err != nil {
			return res, err
		}
		if err := m.store.DeleteMessage(ctx, id); err != nil {
			return res, err
		}
		if existed {
			res.Updated++
		}
		return res, nil

	default:
		return res, fmt.Errorf("%w: unknown event type %q", errs.ErrInvalidRow, ev.Type)
	}
}

// ReconcileOptimistic swaps the optimistic row localID for the
// backend-confirmed row in place, preserving its position. Outbox
// delivery calls this once the backend acknowledges a send. If the
// optimistic row is already gone, a realtime event got there first and
// the confirmed row is upserted instead, which converges to the same
// state.
func (m *Merger) ReconcileOptimistic(ctx context.Context, localID string, confirmed *models.Message) error {
	if confirmed == nil {
		return fmt.Errorf("%w: confirmed row missing", errs.ErrInvalidRow)
	}

	err := m.store.ReplaceMessageID(ctx, localID, confirmed)
	if errors.Is(err, errs.ErrNotFound) {
		err = m.store.UpsertMessage(ctx, confirmed)
	}
	if err != nil {
		return err
	}

	if err := m.store.AdvanceCursor(ctx, confirmed.ScopeID, confirmed.CreatedAt); err != nil {
		return err
	}
	if err := m.store.TouchScope(ctx, confirmed.ScopeID, m.clock.Now()); err != nil {
		return err
	}

	metrics.RecordMergeOutcomes(0, 0, 1, 0)
	m.log.Debug().
		Str("local_id", localID).
		Str("id", confirmed.ID).
		Msg("Reconciled optimistic message")
	return nil
}

// DeleteLocal removes a message on the user's request: tombstone, then
// drop the row. The caller is responsible for propagating the delete to
// the backend; the tombstone keeps the entity gone locally either way.
func (m *Merger) DeleteLocal(ctx context.Context, id string) error {
	now := m.clock.Now()
	if err := m.tombstone(ctx, id, now); err != nil {
		return err
	}
	if err := m.store.DeleteMessage(ctx, id); err != nil {
		return err
	}
	m.log.Debug().Str("id", id).Msg("Deleted message locally")
	return nil
}

func (m *Merger) tombstone(ctx context.Context, id string, now time.Time) error {
	return m.store.InsertTombstone(ctx, &models.Tombstone{
		EntityID:  id,
		DeletedAt: now,
		ExpiresAt: now.Add(m.retention.TombstoneRetention),
	})
}

// Snapshot returns the scope's messages in display order.
func (m *Merger) Snapshot(ctx context.Context, scopeID string, limit int) ([]*models.Message, error) {
	return m.store.ListMessages(ctx, scopeID, limit)
}
