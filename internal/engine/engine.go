// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

// Package engine is the lifecycle orchestrator and the facade the UI
// surface calls. Every wake trigger funnels into one debounced,
// single-flight recovery pass with a fixed step order: refresh the
// session, reapply the token to the realtime socket, reconnect the
// channel for the active scope, run a bounded catch-up pull, then
// drain the outbox. Steps degrade independently; a failed step logs
// and the pass moves on, because the next wake retries everything.
package engine

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sotto-chat/sotto/internal/bus"
	"github.com/sotto-chat/sotto/internal/config"
	"github.com/sotto-chat/sotto/internal/errs"
	"github.com/sotto-chat/sotto/internal/logging"
	"github.com/sotto-chat/sotto/internal/merge"
	"github.com/sotto-chat/sotto/internal/metrics"
	"github.com/sotto-chat/sotto/internal/models"
	"github.com/sotto-chat/sotto/internal/outbox"
	"github.com/sotto-chat/sotto/internal/pipeline"
	"github.com/sotto-chat/sotto/internal/realtime"
	"github.com/sotto-chat/sotto/internal/scheduler"
	"github.com/sotto-chat/sotto/internal/store"

	"github.com/rs/zerolog"
)

const (
	taskRun      = "engine:run"
	taskRecover  = "engine:recover"
	taskDegraded = "engine:degraded-poll"

	runTimeout     = 90 * time.Second
	drainTimeout   = 60 * time.Second
	recoverTimeout = 30 * time.Second
	pullTimeout    = 15 * time.Second

	defaultFetchLimit   = 100
	defaultCatchupLimit = 500
)

// Transport is the backend connection surface the engine drives: client
// lifecycle, session, sends, and catch-up reads.
type Transport interface {
	Initialize(ctx context.Context, force bool) error
	HardRecreate(ctx context.Context, reason string) error
	RefreshSession(ctx context.Context) (*models.Session, error)
	PeekSession() *models.Session
	SignIn(ctx context.Context, email, password string) (*models.Session, error)
	SignOut() error
	Send(ctx context.Context, msg *models.Message) (*pipeline.SendResult, error)
	FetchMessagesSince(ctx context.Context, scopeID string, since time.Time, limit int) ([]*models.Message, int, error)
	FetchScopes(ctx context.Context) ([]*models.Scope, error)
	DeleteRemote(ctx context.Context, id string) error
	UploadAttachment(ctx context.Context, objectPath string, data []byte, contentType string) (string, error)
	SetOnline(online bool)
	Status() pipeline.Connection
	Generation() int64
	AddListener(fn pipeline.Listener) int
	RemoveListener(id int)
}

// Channel is the realtime subscription surface.
type Channel interface {
	Subscribe(ctx context.Context, scopeID string) error
	Unsubscribe()
	ApplyToken(ctx context.Context) error
	Rebind(ctx context.Context) error
	SetHooks(h realtime.Hooks)
	Snapshot() realtime.Snapshot
	State() realtime.ChannelState
	Scope() string
	Degraded() bool
}

// Queue is the durable outbox surface.
type Queue interface {
	Drain(ctx context.Context) (*outbox.DrainStats, error)
	Pending(ctx context.Context) (int, error)
	SetNotify(fn func(reason string))
}

// Cache is the merge engine surface over the local message cache.
type Cache interface {
	Snapshot(ctx context.Context, scopeID string, limit int) ([]*models.Message, error)
	MergeIncoming(ctx context.Context, scopeID string, incoming []*models.Message) (*merge.Result, error)
	ReconcileOptimistic(ctx context.Context, localID string, confirmed *models.Message) error
	DeleteLocal(ctx context.Context, id string) error
}

// SendRequest describes one user send.
type SendRequest struct {
	ScopeID  string  `json:"scope_id"`
	Content  string  `json:"content"`
	Ghost    bool    `json:"ghost,omitempty"`
	Category *string `json:"category,omitempty"`
	ParentID *string `json:"parent_id,omitempty"`

	// ImagePath is a local file to upload before the row is sent. The
	// upload happens up front so deferred deliveries carry the final
	// URL, not a path only this machine can read.
	ImagePath string `json:"image_path,omitempty"`
}

// Engine coordinates the pipeline, realtime channel, outbox, and cache
// behind one facade. Safe for concurrent use.
type Engine struct {
	cfg          config.EngineConfig
	degradedPoll time.Duration

	pipe  Transport
	ch    Channel
	queue Queue
	cache Cache
	st    *store.Store
	b     *bus.Bus
	sched *scheduler.Scheduler
	clock scheduler.Clock
	log   zerolog.Logger

	// running is the single-flight guard for lifecycle passes.
	running atomic.Bool
	closed  atomic.Bool

	mu        sync.Mutex
	scope     string
	hint      string
	lastStart time.Time

	listenerID int
}

// New wires the orchestrator to its collaborators and installs the
// cross-component callbacks: outbox wakeups, pipeline lifecycle events,
// realtime hooks, and the bus topics the daemon's surfaces publish on.
// Handlers register here, so New must run before the bus serves.
func New(cfg config.EngineConfig, rtCfg config.RealtimeConfig, pipe Transport, ch Channel, q Queue, cache Cache, st *store.Store, b *bus.Bus, sched *scheduler.Scheduler) *Engine {
	e := &Engine{
		cfg:          cfg,
		degradedPoll: rtCfg.DegradedPollInterval,
		pipe:         pipe,
		ch:           ch,
		queue:        q,
		cache:        cache,
		st:           st,
		b:            b,
		sched:        sched,
		clock:        sched.Clock(),
		log:          logging.WithComponent("engine"),
	}
	if e.degradedPoll <= 0 {
		e.degradedPoll = 30 * time.Second
	}

	q.SetNotify(e.onOutboxNotify)
	e.listenerID = pipe.AddListener(e.onPipelineEvent)
	ch.SetHooks(realtime.Hooks{
		Escalate: e.onEscalate,
		Degraded: e.onDegraded,
		Event:    e.onRealtimeEvent,
	})
	e.bindBus()
	return e
}

func (e *Engine) bindBus() {
	e.b.Handle("engine-wake", bus.TopicWake, func(_ context.Context, payload []byte) error {
		sig, err := bus.Decode[bus.WakeSignal](payload)
		if err != nil {
			return err
		}
		e.Wake(sig.Reason, sig.ScopeID)
		return nil
	})
	e.b.Handle("engine-online", bus.TopicOnline, func(_ context.Context, payload []byte) error {
		sig, err := bus.Decode[bus.OnlineSignal](payload)
		if err != nil {
			return err
		}
		e.SetOnline(sig.Online)
		return nil
	})
}

// Start verifies the store, brings the backend client up when it can,
// and requests the first lifecycle pass. A backend that is unreachable
// at boot is not an error; the daemon starts serving the cache and the
// first successful wake connects.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.st.Ready(ctx); err != nil {
		return fmt.Errorf("store not ready: %w", err)
	}
	if err := e.pipe.Initialize(ctx, false); err != nil {
		e.log.Warn().Err(err).Msg("Backend client unavailable at start")
	}
	e.Wake("startup", "")
	return nil
}

// Close detaches the engine from its collaborators and cancels its
// scheduled work. It does not stop the collaborators themselves.
func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}
	e.pipe.RemoveListener(e.listenerID)
	e.queue.SetNotify(nil)
	e.ch.SetHooks(realtime.Hooks{})
	for _, key := range []string{taskRun, taskRecover, taskDegraded} {
		e.sched.Cancel(key)
	}
}

// Wake requests a lifecycle pass. A trigger landing while a pass is
// running, or inside the debounce window after one started, is coalesced
// into a single trailing pass instead of queueing. The scope hint marks
// a scope whose catch-up pull should run first; push notifications carry
// one so the scope the user is about to open is fresh soonest.
func (e *Engine) Wake(reason, scopeID string) {
	if e.closed.Load() {
		return
	}
	if reason == "" {
		reason = "manual"
	}
	now := e.clock.Now()
	e.mu.Lock()
	if scopeID != "" {
		e.hint = scopeID
	}
	recent := !e.lastStart.IsZero() && now.Sub(e.lastStart) < e.cfg.Debounce
	e.mu.Unlock()

	if e.running.Load() || recent {
		e.coalesce(reason, now)
		return
	}
	go e.orchestrate(reason)
}

// coalesce folds a trigger into the trailing pass. Rescheduling under
// the same key means any number of triggers in the window produce
// exactly one follow-up.
func (e *Engine) coalesce(reason string, now time.Time) {
	metrics.RecordEngineCoalesced()
	e.log.Debug().Str("reason", reason).Msg("Wake coalesced into trailing pass")
	e.sched.Schedule(taskRun, now.Add(e.cfg.Debounce), func(time.Time) {
		go e.orchestrate(reason)
	})
}

func (e *Engine) orchestrate(trigger string) {
	if e.closed.Load() {
		return
	}
	if !e.running.CompareAndSwap(false, true) {
		e.coalesce(trigger, e.clock.Now())
		return
	}
	defer e.running.Store(false)

	start := e.clock.Now()
	e.mu.Lock()
	e.lastStart = start
	hint := e.hint
	e.hint = ""
	scope := e.scope
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	log := e.log.With().Str("trigger", trigger).Logger()
	log.Info().Str("scope_id", scope).Msg("Lifecycle pass started")

	if _, err := e.pipe.RefreshSession(ctx); err != nil {
		if e.pipe.PeekSession() == nil {
			log.Warn().Err(err).Msg("Lifecycle pass aborted, no usable session")
			e.publishStatus(ctx)
			metrics.RecordEngineRun(trigger, e.clock.Now().Sub(start))
			return
		}
		log.Warn().Err(err).Msg("Session refresh failed, continuing on the cached session")
	}

	if err := e.ch.ApplyToken(ctx); err != nil {
		log.Warn().Err(err).Msg("Token reapply failed")
	}

	if scope != "" && e.ch.State() != realtime.ChannelSubscribed {
		if err := e.ch.Subscribe(ctx, scope); err != nil {
			log.Warn().Err(err).Str("scope_id", scope).Msg("Channel resubscribe failed, reconnect ladder owns retries")
		}
	}

	for _, s := range pullOrder(hint, scope) {
		if err := e.catchUp(ctx, s); err != nil {
			log.Warn().Err(err).Str("scope_id", s).Msg("Catch-up pull failed")
		}
	}

	e.drain(ctx, trigger)
	e.publishStatus(ctx)

	dur := e.clock.Now().Sub(start)
	metrics.RecordEngineRun(trigger, dur)
	log.Info().Dur("duration", dur).Msg("Lifecycle pass finished")
}

// pullOrder puts the hinted scope ahead of the active one and drops
// duplicates and blanks.
func pullOrder(hint, scope string) []string {
	switch {
	case hint == "" || hint == scope:
		if scope == "" {
			return nil
		}
		return []string{scope}
	case scope == "":
		return []string{hint}
	default:
		return []string{hint, scope}
	}
}

// catchUp pulls rows newer than the scope's cursor and merges them. One
// pull is bounded by CatchupLimit; a full page schedules a trailing pass
// because the gap may be wider than a single window.
func (e *Engine) catchUp(ctx context.Context, scopeID string) error {
	var since time.Time
	cur, err := e.st.Cursor(ctx, scopeID)
	switch {
	case err == nil:
		since = cur.LastEventAt
	case !errors.Is(err, errs.ErrNotFound):
		return err
	}

	limit := e.cfg.CatchupLimit
	if limit <= 0 {
		limit = defaultCatchupLimit
	}
	rows, quarantined, err := e.pipe.FetchMessagesSince(ctx, scopeID, since, limit)
	if err != nil {
		return fmt.Errorf("catch-up pull for scope %s: %w", scopeID, err)
	}
	res, err := e.cache.MergeIncoming(ctx, scopeID, rows)
	if err != nil {
		return err
	}
	if quarantined > 0 {
		e.log.Warn().Int("quarantined", quarantined).Str("scope_id", scopeID).Msg("Catch-up rows failed validation and were quarantined")
	}
	if res.Changed() {
		e.publishMerge(scopeID, res)
	}
	e.log.Debug().
		Str("scope_id", scopeID).
		Int("pulled", len(rows)).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Msg("Catch-up pull merged")

	if len(rows) >= limit {
		e.sched.Schedule(taskRun, e.clock.Now().Add(e.cfg.Debounce), func(time.Time) {
			go e.orchestrate("catchup-continue")
		})
	}
	return nil
}

// TriggerDrain runs an outbox drain off the caller's goroutine. The
// outbox serializes passes itself, so overlapping triggers collapse to
// one pass.
func (e *Engine) TriggerDrain(reason string) {
	if e.closed.Load() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		e.drain(ctx, reason)
	}()
}

func (e *Engine) drain(ctx context.Context, trigger string) {
	stats, err := e.queue.Drain(ctx)
	switch {
	case errors.Is(err, errs.ErrDrainInProgress):
		e.log.Debug().Str("trigger", trigger).Msg("Drain already in flight")
		return
	case err != nil:
		e.log.Debug().Err(err).Str("trigger", trigger).Msg("Drain did not run")
		return
	}
	if stats.Attempted > 0 {
		e.publish(bus.TopicDrain, bus.DrainSignal{
			Trigger:   trigger,
			Attempted: stats.Attempted,
			Delivered: stats.Delivered,
			Requeued:  stats.Requeued,
			Discarded: stats.Discarded,
			At:        e.clock.Now(),
		})
	}
}

// SendMessage stages an optimistic row, then attempts delivery through
// the pipeline. The call reports success as soon as the row is durable:
// confirmed rows come back reconciled, deferred rows stay pending until
// the outbox delivers them. Only a permanent rejection surfaces as an
// error after staging, with the local row marked failed.
func (e *Engine) SendMessage(ctx context.Context, req SendRequest) (*models.Message, error) {
	if req.ScopeID == "" {
		return nil, fmt.Errorf("%w: scope id required", errs.ErrInvalidRow)
	}
	if req.Content == "" && req.ImagePath == "" {
		return nil, fmt.Errorf("%w: content or image required", errs.ErrInvalidRow)
	}
	sess := e.pipe.PeekSession()
	if sess == nil {
		s, err := e.pipe.RefreshSession(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: sign in before sending", errs.ErrAuthExpired)
		}
		sess = s
	}

	msg := models.NewOptimisticMessage(req.ScopeID, sess.UserID, req.Content)
	msg.Ghost = req.Ghost
	msg.Category = req.Category
	msg.ParentID = req.ParentID
	if req.ImagePath != "" {
		if err := e.attachImage(ctx, msg, req.ImagePath); err != nil {
			return nil, err
		}
	}

	if err := e.st.UpsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("stage optimistic message: %w", err)
	}
	e.publishMerge(req.ScopeID, &merge.Result{Inserted: 1})

	res, err := e.pipe.Send(ctx, msg)
	switch {
	case errors.Is(err, errs.ErrPermanentRejected):
		if markErr := e.st.MarkMessageDelivery(ctx, msg.ID, models.DeliveryFailed); markErr != nil {
			e.log.Warn().Err(markErr).Str("local_id", msg.ID).Msg("Failed to mark rejected message")
		}
		e.publishMerge(req.ScopeID, nil)
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("send failed and could not be deferred: %w", err)
	}

	if res.Confirmed != nil {
		if err := e.cache.ReconcileOptimistic(ctx, msg.ID, res.Confirmed); err != nil {
			e.log.Warn().Err(err).Str("local_id", msg.ID).Msg("Reconcile after confirmed send failed")
		}
		e.publishMerge(req.ScopeID, &merge.Result{Reconciled: 1})
		return res.Confirmed, nil
	}
	return msg, nil
}

// attachImage uploads the file and stamps the message with the resulting
// URL. The object path is derived from the dedupe key so a retried send
// cannot orphan a second copy.
func (e *Engine) attachImage(ctx context.Context, msg *models.Message, imagePath string) error {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("read attachment: %w", err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(imagePath))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	objectPath := msg.ScopeID + "/" + msg.DedupeKey + filepath.Ext(imagePath)
	url, err := e.pipe.UploadAttachment(ctx, objectPath, data, contentType)
	if err != nil {
		return fmt.Errorf("upload attachment: %w", err)
	}
	msg.ImageURL = &url
	msg.MessageType = models.MessageTypeImage
	return nil
}

// FetchScope returns the scope's messages from the local cache. When the
// backend is reachable a bounded catch-up pull freshens the cache first;
// offline, the cache serves as-is.
func (e *Engine) FetchScope(ctx context.Context, scopeID string, limit int) ([]*models.Message, error) {
	if scopeID == "" {
		return nil, fmt.Errorf("%w: scope id required", errs.ErrInvalidRow)
	}
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	if e.pipe.Status() == pipeline.ConnConnected {
		if err := e.catchUp(ctx, scopeID); err != nil {
			e.log.Debug().Err(err).Str("scope_id", scopeID).Msg("Freshen before fetch failed, serving cache")
		}
	}
	return e.cache.Snapshot(ctx, scopeID, limit)
}

// Scopes returns the joined scopes, freshened from the backend when
// reachable.
func (e *Engine) Scopes(ctx context.Context) ([]*models.Scope, error) {
	if e.pipe.Status() == pipeline.ConnConnected {
		if err := e.refreshScopes(ctx); err != nil {
			e.log.Debug().Err(err).Msg("Scope refresh failed, serving cached list")
		}
	}
	return e.st.ListScopes(ctx)
}

// Subscribe makes scopeID the active scope and binds the realtime
// channel to it. Membership is checked against the local scope list,
// refreshed once from the backend on a miss. A join that fails here is
// still bound: the reconnect ladder keeps retrying it.
func (e *Engine) Subscribe(ctx context.Context, scopeID string) error {
	if scopeID == "" {
		return fmt.Errorf("%w: scope id required", errs.ErrInvalidRow)
	}
	if err := e.ensureMember(ctx, scopeID); err != nil {
		return err
	}

	e.mu.Lock()
	e.scope = scopeID
	e.mu.Unlock()

	if err := e.ch.Subscribe(ctx, scopeID); err != nil {
		return fmt.Errorf("subscribe scope %s: %w", scopeID, err)
	}
	e.TriggerDrain("realtime-subscribed")
	go e.pullScope(scopeID)
	return nil
}

// Unsubscribe parks the channel and clears the active scope. A scopeID
// naming a scope that is not active is a no-op; an empty scopeID always
// unbinds.
func (e *Engine) Unsubscribe(scopeID string) {
	e.mu.Lock()
	active := scopeID == "" || e.scope == scopeID
	if active {
		e.scope = ""
	}
	e.mu.Unlock()
	if !active {
		return
	}
	e.ch.Unsubscribe()
	go e.publishStatusDetached()
}

// DeleteMessage removes a message locally and, when everyone is set,
// from the backend as well. The tombstone outlives the row so late
// realtime events cannot resurrect it, and a still-queued outbox item
// for the message is discarded rather than delivered after the delete.
func (e *Engine) DeleteMessage(ctx context.Context, id string, everyone bool) error {
	if id == "" {
		return fmt.Errorf("%w: message id required", errs.ErrInvalidRow)
	}
	msg, err := e.st.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if everyone && !msg.IsOptimistic() {
		if err := e.pipe.DeleteRemote(ctx, id); err != nil {
			return fmt.Errorf("delete for everyone: %w", err)
		}
	}
	if msg.IsOptimistic() {
		err := e.st.MarkOutboxDiscarded(ctx, id, errs.ErrTombstoned.Error())
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return err
		}
	}
	if err := e.cache.DeleteLocal(ctx, id); err != nil {
		return err
	}
	e.publishMerge(msg.ScopeID, nil)
	return nil
}

// SignIn performs the password grant and schedules the first full pass
// for the fresh session.
func (e *Engine) SignIn(ctx context.Context, email, password string) (*models.Session, error) {
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password required", errs.ErrInvalidRow)
	}
	if err := e.pipe.Initialize(ctx, false); err != nil {
		return nil, err
	}
	s, err := e.pipe.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	e.Wake("signed-in", "")
	return s, nil
}

// SignOut unbinds the channel and drops the session.
func (e *Engine) SignOut() error {
	e.mu.Lock()
	e.scope = ""
	e.mu.Unlock()
	e.ch.Unsubscribe()
	err := e.pipe.SignOut()
	go e.publishStatusDetached()
	return err
}

// SetOnline records the platform's reachability signal. Coming back
// online is a wake trigger; going offline just updates the status
// surface, traffic gating happens in the pipeline.
func (e *Engine) SetOnline(online bool) {
	e.pipe.SetOnline(online)
	if online {
		e.Wake("network-restored", "")
		return
	}
	go e.publishStatusDetached()
}

// Status composes the observable snapshot the UI polls.
func (e *Engine) Status(ctx context.Context) *models.StatusSnapshot {
	snap := e.ch.Snapshot()
	pending, err := e.queue.Pending(ctx)
	if err != nil {
		e.log.Debug().Err(err).Msg("Failed to count pending outbox items")
		pending = 0
	}
	scope := e.activeScope()
	var last *time.Time
	if scope != "" {
		if cur, err := e.st.Cursor(ctx, scope); err == nil {
			t := cur.LastEventAt
			last = &t
		}
	}
	return &models.StatusSnapshot{
		Connection:    connectionStatus(e.pipe.Status()),
		ActiveScope:   scope,
		Channel:       subscriptionStatus(snap.State),
		OutboxPending: pending,
		LastEventAt:   last,
	}
}

func (e *Engine) activeScope() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scope
}

// ensureMember checks the scope against the local list, refreshing it
// from the backend once on a miss so a freshly joined scope does not
// need a restart to subscribe.
func (e *Engine) ensureMember(ctx context.Context, scopeID string) error {
	_, err := e.st.GetScope(ctx, scopeID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	if err := e.refreshScopes(ctx); err != nil {
		e.log.Debug().Err(err).Msg("Scope refresh failed, membership check stays local")
	}
	if _, err := e.st.GetScope(ctx, scopeID); err != nil {
		return fmt.Errorf("scope %s not joined: %w", scopeID, err)
	}
	return nil
}

func (e *Engine) refreshScopes(ctx context.Context) error {
	scopes, err := e.pipe.FetchScopes(ctx)
	if err != nil {
		return err
	}
	for _, sc := range scopes {
		if err := e.st.UpsertScope(ctx, sc); err != nil {
			return err
		}
	}
	return nil
}

// pullScope runs one bounded catch-up pull on its own deadline.
func (e *Engine) pullScope(scopeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), pullTimeout)
	defer cancel()
	if err := e.catchUp(ctx, scopeID); err != nil {
		e.log.Debug().Err(err).Str("scope_id", scopeID).Msg("Background catch-up failed")
	}
}

// onOutboxNotify answers the outbox's wakeups: a fresh enqueue or a
// retry coming due both want a drain pass now.
func (e *Engine) onOutboxNotify(reason string) {
	e.TriggerDrain(reason)
}

// onPipelineEvent reacts to client lifecycle events. It runs on the
// pipeline's notify path, and for breaker events inside the breaker's
// state lock, so everything here defers real work.
func (e *Engine) onPipelineEvent(ev pipeline.Event) {
	switch ev.Type {
	case pipeline.EventBreakerOpen:
		e.sched.Schedule(taskRecover, e.clock.Now(), func(time.Time) {
			go e.hardRecover("circuit open: " + ev.Reason)
		})
	case pipeline.EventRecreated:
		go e.rebindRealtime()
		e.Wake("client-recreated", "")
	case pipeline.EventStateChange:
		go e.publishStatusDetached()
	}
}

// onEscalate answers an exhausted reconnect ladder with a hard client
// recreation. Scheduling under one key collapses repeated escalations.
func (e *Engine) onEscalate(reason string) {
	e.log.Warn().Str("reason", reason).Msg("Realtime escalation, scheduling client recreation")
	e.sched.Schedule(taskRecover, e.clock.Now(), func(time.Time) {
		go e.hardRecover("realtime: " + reason)
	})
}

// onDegraded arms periodic reconciliation pulls while the channel is
// silent and disarms them when events flow again.
func (e *Engine) onDegraded(on bool) {
	if on {
		e.log.Warn().Dur("interval", e.degradedPoll).Msg("Realtime degraded, polling fallback engaged")
		e.sched.ScheduleAfter(taskDegraded, e.degradedPoll, e.degradedTick)
		return
	}
	e.sched.Cancel(taskDegraded)
	e.log.Info().Msg("Realtime recovered, polling fallback disarmed")
}

func (e *Engine) degradedTick(time.Time) {
	if e.closed.Load() || !e.ch.Degraded() {
		return
	}
	if scope := e.ch.Scope(); scope != "" {
		go e.pullScope(scope)
	}
	e.sched.ScheduleAfter(taskDegraded, e.degradedPoll, e.degradedTick)
}

// onRealtimeEvent fans an applied push out to the UI surface. The hook
// runs on the socket reader, so the publish moves off it.
func (e *Engine) onRealtimeEvent(scopeID string) {
	go e.publishMerge(scopeID, nil)
}

// hardRecover tears the backend client down and rebuilds it. On success
// the pipeline's recreated event rebinds the socket and wakes a full
// pass; on failure the next wake retries through Initialize.
func (e *Engine) hardRecover(reason string) {
	if e.closed.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recoverTimeout)
	defer cancel()
	if err := e.pipe.HardRecreate(ctx, reason); err != nil {
		e.log.Error().Err(err).Str("reason", reason).Msg("Hard recreation failed, next wake retries")
		e.publishStatus(ctx)
	}
}

func (e *Engine) rebindRealtime() {
	ctx, cancel := context.WithTimeout(context.Background(), pullTimeout)
	defer cancel()
	if err := e.ch.Rebind(ctx); err != nil {
		e.log.Warn().Err(err).Msg("Realtime rebind failed, reconnect ladder owns retries")
	}
}

func (e *Engine) publishMerge(scopeID string, res *merge.Result) {
	sig := bus.MergeSignal{ScopeID: scopeID, At: e.clock.Now()}
	if res != nil {
		sig.Inserted = res.Inserted
		sig.Updated = res.Updated
		sig.Reconciled = res.Reconciled
		sig.Suppressed = res.Suppressed
	}
	e.publish(bus.TopicMerge, sig)
}

func (e *Engine) publishStatus(ctx context.Context) {
	s := e.Status(ctx)
	snap := e.ch.Snapshot()
	e.publish(bus.TopicStatus, bus.StatusSignal{
		Connection:  string(s.Connection),
		Channel:     string(s.Channel),
		Scope:       s.ActiveScope,
		Degraded:    snap.Degraded,
		OutboxDepth: s.OutboxPending,
		Generation:  e.pipe.Generation(),
		At:          e.clock.Now(),
	})
}

func (e *Engine) publishStatusDetached() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.publishStatus(ctx)
}

func (e *Engine) publish(topic string, v any) {
	if err := e.b.Publish(topic, v); err != nil {
		e.log.Debug().Err(err).Str("topic", topic).Msg("Bus publish failed")
	}
}

func connectionStatus(c pipeline.Connection) models.ConnectionStatus {
	switch c {
	case pipeline.ConnConnected:
		return models.ConnectionConnected
	case pipeline.ConnConnecting:
		return models.ConnectionConnecting
	case pipeline.ConnReconnecting:
		return models.ConnectionReconnecting
	default:
		return models.ConnectionDisconnected
	}
}

func subscriptionStatus(s realtime.ChannelState) models.SubscriptionStatus {
	switch s {
	case realtime.ChannelSubscribing:
		return models.SubscriptionConnecting
	case realtime.ChannelSubscribed:
		return models.SubscriptionSubscribed
	case realtime.ChannelReconnecting:
		return models.SubscriptionErrored
	default:
		return models.SubscriptionIdle
	}
}
