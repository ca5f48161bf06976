// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

// Package outbox guarantees eventual delivery of sends that could not
// complete synchronously, without duplication. Items persist in the local
// store and are worked by drain passes: exactly one pass runs at a time,
// a second concurrent request is dropped rather than queued, and every
// attempt goes out as an idempotent upsert keyed by the item's dedupe
// key, so a retry racing an earlier success converges to one server row.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/sotto-chat/sotto/internal/config"
	"github.com/sotto-chat/sotto/internal/errs"
	"github.com/sotto-chat/sotto/internal/logging"
	"github.com/sotto-chat/sotto/internal/metrics"
	"github.com/sotto-chat/sotto/internal/models"
	"github.com/sotto-chat/sotto/internal/scheduler"
	"github.com/sotto-chat/sotto/internal/store"
)

// retryTaskKey dedupes the scheduled retry wakeup; rescheduling replaces
// the pending due time instead of stacking timers.
const retryTaskKey = "outbox:retry"

// drainBatchSize bounds one due-item query. The pass loops until no due
// items remain, so the batch size only limits memory, not throughput.
const drainBatchSize = 32

// Sender performs one delivery attempt for an outbox row. Implementations
// must not retry internally; retry scheduling belongs to the outbox. The
// returned message is the backend-confirmed row.
type Sender interface {
	DeliverMessage(ctx context.Context, row *models.MessageRow) (*models.Message, error)
}

// Reconciler folds a confirmed row back into the local cache after a
// delivery, replacing the optimistic entry in place.
type Reconciler interface {
	ReconcileOptimistic(ctx context.Context, localID string, confirmed *models.Message) error
}

// Gate answers whether the backend can take traffic right now. Drains
// check it once per pass so a down backend is not hammered with per-item
// attempts.
type Gate interface {
	AllowTraffic(ctx context.Context) error
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Attempted int
	Delivered int
	Requeued  int
	Discarded int
}

// Outbox is the durable send queue.
type Outbox struct {
	cfg    config.OutboxConfig
	store  *store.Store
	sender Sender
	recon  Reconciler
	gate   Gate
	clock  scheduler.Clock
	sched  *scheduler.Scheduler
	log    zerolog.Logger

	// drainMu is only ever TryLocked: a drain that finds it held drops
	// out instead of waiting, which is what keeps passes single-flight.
	drainMu sync.Mutex

	notifyMu sync.Mutex
	notify   func(reason string)
}

// New builds the outbox. sched may be nil, in which case retry due-times
// are only picked up by the next externally triggered drain.
func New(cfg config.OutboxConfig, st *store.Store, sender Sender, recon Reconciler, gate Gate, sched *scheduler.Scheduler, clock scheduler.Clock) *Outbox {
	return &Outbox{
		cfg:    cfg,
		store:  st,
		sender: sender,
		recon:  recon,
		gate:   gate,
		clock:  clock,
		sched:  sched,
		log:    logging.WithComponent("outbox"),
	}
}

// SetNotify installs the drain-trigger hook, called after every enqueue
// and when a scheduled retry comes due. The hook must not block; it is
// expected to hand off to the orchestrator.
func (o *Outbox) SetNotify(fn func(reason string)) {
	o.notifyMu.Lock()
	o.notify = fn
	o.notifyMu.Unlock()
}

// Enqueue persists a durable send for the given optimistic message and
// returns immediately. The item is due at once; the post-enqueue trigger
// asks the orchestrator for a drain.
func (o *Outbox) Enqueue(ctx context.Context, msg *models.Message) (*models.OutboxItem, error) {
	payload, err := json.Marshal(models.FromMessage(msg))
	if err != nil {
		return nil, fmt.Errorf("failed to encode outbox payload: %w", err)
	}

	now := o.clock.Now()
	item := &models.OutboxItem{
		LocalID:     msg.ID,
		ScopeID:     msg.ScopeID,
		SenderID:    msg.SenderID,
		Payload:     payload,
		DedupeKey:   msg.DedupeKey,
		NextRetryAt: now,
		CreatedAt:   now,
		Status:      models.OutboxQueued,
	}
	if err := o.store.EnqueueOutbox(ctx, item); err != nil {
		return nil, err
	}

	metrics.RecordEnqueue()
	o.updateDepth(ctx)
	o.log.Info().
		Str("local_id", item.LocalID).
		Str("scope_id", item.ScopeID).
		Msg("Enqueued message for deferred delivery")

	o.fireNotify("enqueue")
	return item, nil
}

// Drain works every due item once. A pass already in flight makes this a
// no-op returning ErrDrainInProgress; an unhealthy gate blocks the pass
// before any item is touched. Per-item failures are absorbed into
// requeue or discard decisions; only store errors and cancellation abort
// the pass.
func (o *Outbox) Drain(ctx context.Context) (*DrainStats, error) {
	if !o.drainMu.TryLock() {
		metrics.RecordDrain("skipped", 0)
		return nil, errs.ErrDrainInProgress
	}
	defer o.drainMu.Unlock()

	if o.gate != nil {
		if err := o.gate.AllowTraffic(ctx); err != nil {
			metrics.RecordDrain("blocked", 0)
			o.log.Debug().Err(err).Msg("Drain blocked, backend not taking traffic")
			return nil, fmt.Errorf("drain blocked: %w", err)
		}
	}

	start := o.clock.Now()
	stats := &DrainStats{}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		items, err := o.store.DueOutboxItems(ctx, o.clock.Now(), drainBatchSize)
		if err != nil {
			return stats, err
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			if err := o.processItem(ctx, item, stats); err != nil {
				o.finishPass(ctx)
				return stats, err
			}
		}
	}

	o.finishPass(ctx)
	metrics.RecordDrain("completed", o.clock.Now().Sub(start))
	if stats.Attempted > 0 {
		o.log.Info().
			Int("attempted", stats.Attempted).
			Int("delivered", stats.Delivered).
			Int("requeued", stats.Requeued).
			Int("discarded", stats.Discarded).
			Msg("Drain pass completed")
	}
	return stats, nil
}

// Pending returns the number of items still waiting for delivery.
func (o *Outbox) Pending(ctx context.Context) (int, error) {
	return o.store.PendingOutboxCount(ctx)
}

// NextDue returns the earliest queued retry time.
func (o *Outbox) NextDue(ctx context.Context) (time.Time, error) {
	return o.store.NextOutboxDue(ctx)
}

// processItem runs one delivery attempt. Returned errors abort the pass;
// attempt failures are folded into the item's retry state instead.
func (o *Outbox) processItem(ctx context.Context, item *models.OutboxItem, stats *DrainStats) error {
	claimed, err := o.store.ClaimOutboxItem(ctx, item.LocalID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	stats.Attempted++

	var row models.MessageRow
	if err := json.Unmarshal(item.Payload, &row); err != nil {
		// A payload that cannot decode will not decode on any retry.
		stats.Discarded++
		return o.discard(ctx, item, "rejected", fmt.Sprintf("invalid payload: %v", err))
	}

	confirmed, err := o.sender.DeliverMessage(ctx, &row)
	switch {
	case err == nil:
		if err := o.store.MarkOutboxDelivered(ctx, item.LocalID); err != nil {
			return err
		}
		if confirmed != nil {
			if err := o.recon.ReconcileOptimistic(ctx, item.LocalID, confirmed); err != nil {
				return err
			}
		}
		stats.Delivered++
		metrics.RecordDelivered(1)
		o.log.Debug().
			Str("local_id", item.LocalID).
			Str("dedupe_key", item.DedupeKey).
			Msg("Outbox item delivered")
		return nil

	case ctx.Err() != nil:
		// The pass is being torn down, not the item failing: put it back
		// untouched so the attempt does not burn a retry. The write runs
		// on a detached context because the pass context is already dead.
		requeueCtx := context.WithoutCancel(ctx)
		if reqErr := o.store.RequeueOutboxItem(requeueCtx, item.LocalID, item.RetryCount, item.NextRetryAt, item.LastError); reqErr != nil {
			return reqErr
		}
		return err

	case errors.Is(err, errs.ErrPermanentRejected):
		stats.Discarded++
		return o.discard(ctx, item, "rejected", err.Error())

	default:
		retryCount := item.RetryCount + 1
		if retryCount > o.cfg.MaxRetries {
			stats.Discarded++
			o.log.Warn().
				Str("local_id", item.LocalID).
				Int("retries", item.RetryCount).
				Str("last_error", err.Error()).
				Msg("Outbox item exhausted its retries")
			return o.discard(ctx, item, "exhausted", fmt.Sprintf("%v: %v", errs.ErrRetriesExhausted, err))
		}
		nextRetryAt := o.clock.Now().Add(o.backoff(retryCount))
		if err := o.store.RequeueOutboxItem(ctx, item.LocalID, retryCount, nextRetryAt, err.Error()); err != nil {
			return err
		}
		stats.Requeued++
		o.log.Debug().
			Str("local_id", item.LocalID).
			Int("retry_count", retryCount).
			Time("next_retry_at", nextRetryAt).
			Msg("Outbox item requeued")
		return nil
	}
}

// discard drops an item as a terminal failure and marks its message
// failed so the UI can surface it.
func (o *Outbox) discard(ctx context.Context, item *models.OutboxItem, reason, lastError string) error {
	if err := o.store.MarkOutboxDiscarded(ctx, item.LocalID, lastError); err != nil {
		return err
	}
	if err := o.store.MarkMessageDelivery(ctx, item.LocalID, models.DeliveryFailed); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	metrics.RecordDiscarded(reason)
	return nil
}

// backoff is min(retryCount * step, cap).
func (o *Outbox) backoff(retryCount int) time.Duration {
	d := time.Duration(retryCount) * o.cfg.BackoffStep
	if o.cfg.BackoffCap > 0 && d > o.cfg.BackoffCap {
		d = o.cfg.BackoffCap
	}
	return d
}

// finishPass refreshes the depth gauge and arms the retry wakeup for the
// earliest remaining due time. It runs detached so an aborted pass still
// leaves the wakeup armed.
func (o *Outbox) finishPass(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	o.updateDepth(ctx)

	if o.sched == nil {
		return
	}
	next, err := o.store.NextOutboxDue(ctx)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		o.sched.Cancel(retryTaskKey)
	case err != nil:
		o.log.Debug().Err(err).Msg("Failed to read next outbox due time")
	default:
		o.sched.Schedule(retryTaskKey, next, func(time.Time) {
			o.fireNotify("retry")
		})
	}
}

func (o *Outbox) updateDepth(ctx context.Context) {
	if depth, err := o.store.PendingOutboxCount(ctx); err == nil {
		metrics.UpdateOutboxDepth(depth)
	}
}

func (o *Outbox) fireNotify(reason string) {
	o.notifyMu.Lock()
	fn := o.notify
	o.notifyMu.Unlock()
	if fn != nil {
		fn(reason)
	}
}
