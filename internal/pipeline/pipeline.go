// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

// Package pipeline owns the backend client lifecycle: one client at a
// time, created, verified, suspected, and recreated as a unit. Every
// remote operation in the engine goes through the pipeline, so the
// corruption heuristics and the circuit breaker see all traffic state
// in one place.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/sotto-chat/sotto/internal/backend"
	"github.com/sotto-chat/sotto/internal/config"
	"github.com/sotto-chat/sotto/internal/errs"
	"github.com/sotto-chat/sotto/internal/logging"
	"github.com/sotto-chat/sotto/internal/metrics"
	"github.com/sotto-chat/sotto/internal/models"
	"github.com/sotto-chat/sotto/internal/scheduler"
	"github.com/sotto-chat/sotto/internal/session"
)

// breakerName labels the backend circuit breaker in logs and metrics.
const breakerName = "backend"

// State is the pipeline's view of the backend client.
type State string

const (
	// StateUninitialized means no client exists yet.
	StateUninitialized State = "uninitialized"
	// StateInitializing means the first client build is in flight.
	StateInitializing State = "initializing"
	// StateReady means the client passed its last verification.
	StateReady State = "ready"
	// StateSuspect means the client is serving but failed a recent
	// health signal. A probe or recreation resolves the suspicion.
	StateSuspect State = "suspect"
	// StateRecreating means the old client was dropped and a fresh
	// build is in flight.
	StateRecreating State = "recreating"
)

// Connection is the coarse connection state shown on the status surface.
type Connection string

const (
	ConnDisconnected Connection = "disconnected"
	ConnConnecting   Connection = "connecting"
	ConnConnected    Connection = "connected"
	ConnReconnecting Connection = "reconnecting"
)

// EventType identifies a pipeline lifecycle notification.
type EventType string

const (
	// EventStateChange fires whenever the pipeline state settles.
	EventStateChange EventType = "state_change"
	// EventRecreated fires after a successful client recreation. The
	// realtime manager rebinds its socket on this event.
	EventRecreated EventType = "recreated"
	// EventBreakerOpen fires when the circuit breaker opens. The
	// orchestrator schedules a hard recreation on this event.
	EventBreakerOpen EventType = "breaker_open"
)

// Event describes one lifecycle notification.
type Event struct {
	Type       EventType
	State      State
	Generation int64
	Reason     string
}

// Listener receives lifecycle events. Listeners run on the pipeline's
// goroutine and must not block; breaker-open events dispatch from
// inside the breaker's state lock, so a listener must never call back
// into the pipeline's health or probe methods synchronously.
type Listener func(Event)

// Outbox is the durable queue that takes over messages the pipeline
// could not deliver directly.
type Outbox interface {
	Enqueue(ctx context.Context, msg *models.Message) (*models.OutboxItem, error)
}

// SendResult reports how a send concluded: confirmed by the backend, or
// deferred to the outbox for later delivery.
type SendResult struct {
	Confirmed *models.Message
	Deferred  bool
}

// Pipeline manages the single backend client and its session. Safe for
// concurrent use.
type Pipeline struct {
	cfg        config.PipelineConfig
	backendCfg config.BackendConfig

	provider *session.Provider
	vault    *session.Vault

	clock scheduler.Clock
	log   zerolog.Logger

	breaker      *gobreaker.CircuitBreaker[any]
	probeLimiter *rate.Limiter

	online atomic.Bool

	mu         sync.Mutex
	state      State
	client     *backend.Client
	generation int64
	inflight   chan struct{}
	initErr    error
	ob         Outbox

	listenerMu sync.Mutex
	listeners  map[int]Listener
	lastID     int
}

// New builds a pipeline. The session provider is wired here so that its
// fetch path always targets whichever client is current; vault may be
// nil (sessions then live only in memory).
func New(cfg config.PipelineConfig, backendCfg config.BackendConfig, sessionCfg config.SessionConfig, vault *session.Vault, clk scheduler.Clock) *Pipeline {
	p := &Pipeline{
		cfg:        cfg,
		backendCfg: backendCfg,
		vault:      vault,
		clock:      clk,
		log:        logging.WithComponent("pipeline"),
		state:      StateUninitialized,
		listeners:  make(map[int]Listener),
	}
	p.online.Store(true)
	p.provider = session.NewProvider(sessionCfg, p.fetchSession, vault, clk)

	// ProbesPerMinute <= 0 disables pacing; tests rely on that.
	limit := rate.Inf
	if cfg.ProbesPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.ProbesPerMinute))
	}
	p.probeLimiter = rate.NewLimiter(limit, 1)

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	p.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerThreshold)
		},
		OnStateChange: p.onBreakerChange,
	})
	return p
}

// SetOutbox installs the fallback queue for failed sends. Wired after
// construction because the outbox needs the pipeline as its sender.
func (p *Pipeline) SetOutbox(ob Outbox) {
	p.mu.Lock()
	p.ob = ob
	p.mu.Unlock()
}

// AddListener registers a lifecycle listener and returns its id.
func (p *Pipeline) AddListener(fn Listener) int {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	p.lastID++
	p.listeners[p.lastID] = fn
	return p.lastID
}

// RemoveListener drops a previously registered listener.
func (p *Pipeline) RemoveListener(id int) {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	delete(p.listeners, id)
}

func (p *Pipeline) notify(ev Event) {
	p.listenerMu.Lock()
	fns := make([]Listener, 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.listenerMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Initialize ensures a verified client exists. With force false it is a
// no-op when a client is already present. With force true the current
// client is dropped and rebuilt. Concurrent calls coalesce: callers
// arriving while a build is in flight wait for that build and share its
// result instead of stacking recreations.
func (p *Pipeline) Initialize(ctx context.Context, force bool) error {
	p.mu.Lock()
	if ch := p.inflight; ch != nil {
		p.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		p.mu.Lock()
		err := p.initErr
		p.mu.Unlock()
		return err
	}
	if p.client != nil && !force {
		p.mu.Unlock()
		return nil
	}
	old := p.client
	recreate := old != nil
	p.client = nil
	p.inflight = make(chan struct{})
	if recreate {
		p.state = StateRecreating
	} else {
		p.state = StateInitializing
	}
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}

	client, err := p.buildClient(ctx, recreate)

	p.mu.Lock()
	p.initErr = err
	if err == nil {
		p.client = client
		p.generation++
		p.state = StateReady
	} else {
		p.client = nil
		p.state = StateUninitialized
	}
	gen := p.generation
	st := p.state
	close(p.inflight)
	p.inflight = nil
	p.mu.Unlock()

	p.notify(Event{Type: EventStateChange, State: st, Generation: gen})
	if err == nil && recreate {
		p.notify(Event{Type: EventRecreated, State: st, Generation: gen})
	}
	return err
}

// buildClient constructs and verifies a new backend client. The client
// is installed before the verification probe runs because the probe
// authenticates, and token fetches route through the current client. On
// verification failure the client is rolled back to nil.
func (p *Pipeline) buildClient(ctx context.Context, recreate bool) (*backend.Client, error) {
	if recreate {
		p.log.Info().Dur("settle", p.cfg.SettleDelay).Msg("Dropped backend client, settling before rebuild")
		select {
		case <-p.clock.After(p.cfg.SettleDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	client := backend.NewClient(p.backendCfg, p)
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	err := client.Probe(probeCtx)
	cancel()
	if err != nil && !errors.Is(err, errs.ErrAuthExpired) {
		p.mu.Lock()
		p.client = nil
		p.mu.Unlock()
		client.Close()
		return nil, fmt.Errorf("client verification failed: %w", err)
	}
	if err != nil {
		// No credentials yet. The client itself is fine; sign-in and
		// the token vault go through it.
		p.log.Info().Msg("Client verified without credentials")
	} else {
		p.log.Info().Msg("Backend client verified")
	}
	return client, nil
}

// HardRecreate drops the current client and builds a fresh one. On
// failure it falls back to a plain initialization so the pipeline never
// stays wedged behind a failed recreation.
func (p *Pipeline) HardRecreate(ctx context.Context, reason string) error {
	p.log.Warn().Str("reason", reason).Msg("Hard recreation requested")
	metrics.RecordRecreation(reason)
	if err := p.Initialize(ctx, true); err != nil {
		p.log.Error().Err(err).Msg("Recreation failed, retrying as plain initialization")
		return p.Initialize(ctx, false)
	}
	return nil
}

// CheckHealth runs the local corruption heuristic through the circuit
// breaker. It never touches the network: the heuristic inspects client
// presence, connectivity state, and session validity, so the call is
// cheap enough for the orchestrator to run on every lifecycle pass.
func (p *Pipeline) CheckHealth(ctx context.Context) error {
	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.healthHeuristic(ctx)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: circuit open", errs.ErrTransientNetwork)
	default:
		p.markSuspect(err.Error())
		return err
	}
}

func (p *Pipeline) healthHeuristic(_ context.Context) error {
	if !p.online.Load() {
		return fmt.Errorf("%w: offline", errs.ErrTransientNetwork)
	}
	if p.currentClient() == nil {
		return fmt.Errorf("%w: client not initialized", errs.ErrTransientNetwork)
	}
	s := p.provider.Peek()
	if s == nil {
		if p.vault == nil {
			return fmt.Errorf("%w: no cached credentials", errs.ErrAuthExpired)
		}
		vs, err := p.vault.Load()
		if err != nil || vs == nil {
			return fmt.Errorf("%w: no cached credentials", errs.ErrAuthExpired)
		}
		return nil
	}
	if s.Expired(p.clock.Now()) {
		return fmt.Errorf("%w: session expired", errs.ErrAuthExpired)
	}
	return nil
}

// RunProbe issues one cheap remote query through the circuit breaker to
// confirm or clear a corruption suspicion. Probes are paced by the
// limiter; a paced-out probe is a quiet no-op, not a failure.
func (p *Pipeline) RunProbe(ctx context.Context) error {
	if !p.probeLimiter.Allow() {
		return nil
	}
	_, err := p.breaker.Execute(func() (any, error) {
		client := p.currentClient()
		if client == nil {
			return nil, fmt.Errorf("%w: client not initialized", errs.ErrTransientNetwork)
		}
		probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
		defer cancel()
		return nil, client.Probe(probeCtx)
	})
	switch {
	case err == nil:
		metrics.RecordProbe("ok")
		p.clearSuspect()
		return nil
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RecordProbe("rejected")
		return fmt.Errorf("%w: circuit open", errs.ErrTransientNetwork)
	default:
		metrics.RecordProbe("failed")
		p.markSuspect(err.Error())
		return err
	}
}

// Send attempts direct delivery with bounded retries, falling back to
// the outbox when the backend is unreachable. A permanent rejection
// surfaces immediately; retrying the same payload cannot succeed.
func (p *Pipeline) Send(ctx context.Context, msg *models.Message) (*SendResult, error) {
	if err := p.AllowTraffic(ctx); err != nil {
		return p.deferToOutbox(ctx, msg, err)
	}

	row := models.FromMessage(msg)
	attempts := p.backendCfg.SendRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-p.clock.After(p.backendCfg.SendRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		confirmed, err := p.DeliverMessage(ctx, row)
		if err == nil {
			metrics.RecordSendAttempt("delivered")
			return &SendResult{Confirmed: confirmed}, nil
		}
		if errors.Is(err, errs.ErrPermanentRejected) {
			metrics.RecordSendAttempt("rejected")
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		p.log.Debug().Err(err).Int("attempt", attempt).Str("local_id", msg.ID).Msg("Direct send attempt failed")
	}
	return p.deferToOutbox(ctx, msg, lastErr)
}

// deferToOutbox hands the message to the durable queue. The enqueue
// runs detached from the caller's context: a send that timed out must
// still land in the queue rather than vanish.
func (p *Pipeline) deferToOutbox(ctx context.Context, msg *models.Message, cause error) (*SendResult, error) {
	p.mu.Lock()
	ob := p.ob
	p.mu.Unlock()
	if ob == nil {
		return nil, cause
	}
	if _, err := ob.Enqueue(context.WithoutCancel(ctx), msg); err != nil {
		return nil, fmt.Errorf("outbox fallback failed: %w", err)
	}
	metrics.RecordSendAttempt("deferred")
	p.log.Info().Str("local_id", msg.ID).Err(cause).Msg("Send deferred to outbox")
	return &SendResult{Deferred: true}, nil
}

// DeliverMessage performs one upsert of the wire row, recovering once
// from a stale access token. The outbox uses this as its single-attempt
// sender; retry policy lives with the caller.
func (p *Pipeline) DeliverMessage(ctx context.Context, row *models.MessageRow) (*models.Message, error) {
	return withAuthRetry(ctx, p, func(c *backend.Client) (*models.Message, error) {
		return c.UpsertMessage(ctx, row)
	})
}

// AllowTraffic reports whether outbound traffic can currently be
// attempted. The outbox consults it before starting a drain pass.
func (p *Pipeline) AllowTraffic(_ context.Context) error {
	if !p.online.Load() {
		return fmt.Errorf("%w: offline", errs.ErrTransientNetwork)
	}
	if p.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("%w: circuit open", errs.ErrTransientNetwork)
	}
	if p.currentClient() == nil {
		return fmt.Errorf("%w: client not initialized", errs.ErrTransientNetwork)
	}
	return nil
}

// FetchMessagesSince pulls rows in a scope after the watermark. Returns
// the rows plus the count quarantined at the decode boundary.
func (p *Pipeline) FetchMessagesSince(ctx context.Context, scopeID string, since time.Time, limit int) ([]*models.Message, int, error) {
	client := p.currentClient()
	if client == nil {
		return nil, 0, fmt.Errorf("%w: client not initialized", errs.ErrTransientNetwork)
	}
	msgs, rejected, err := client.FetchMessagesSince(ctx, scopeID, since, limit)
	if errors.Is(err, errs.ErrAuthExpired) {
		if _, rerr := p.provider.Refresh(ctx); rerr != nil {
			return nil, 0, err
		}
		msgs, rejected, err = client.FetchMessagesSince(ctx, scopeID, since, limit)
	}
	return msgs, rejected, err
}

// FetchScopes pulls the scopes the authenticated user belongs to.
func (p *Pipeline) FetchScopes(ctx context.Context) ([]*models.Scope, error) {
	return withAuthRetry(ctx, p, func(c *backend.Client) ([]*models.Scope, error) {
		return c.FetchScopes(ctx)
	})
}

// DeleteRemote removes a message row on the backend.
func (p *Pipeline) DeleteRemote(ctx context.Context, id string) error {
	_, err := withAuthRetry(ctx, p, func(c *backend.Client) (struct{}, error) {
		return struct{}{}, c.DeleteMessage(ctx, id)
	})
	return err
}

// UploadAttachment stores an image under the configured bucket and
// returns its public URL.
func (p *Pipeline) UploadAttachment(ctx context.Context, objectPath string, data []byte, contentType string) (string, error) {
	return withAuthRetry(ctx, p, func(c *backend.Client) (string, error) {
		return c.UploadAttachment(ctx, objectPath, data, contentType)
	})
}

// withAuthRetry runs one client call, retrying exactly once after a
// successful token refresh when the backend rejects the access token.
func withAuthRetry[T any](ctx context.Context, p *Pipeline, fn func(*backend.Client) (T, error)) (T, error) {
	var zero T
	client := p.currentClient()
	if client == nil {
		return zero, fmt.Errorf("%w: client not initialized", errs.ErrTransientNetwork)
	}
	out, err := fn(client)
	if errors.Is(err, errs.ErrAuthExpired) {
		if _, rerr := p.provider.Refresh(ctx); rerr != nil {
			return zero, err
		}
		out, err = fn(client)
	}
	return out, err
}

// Token supplies the bearer token for data-plane requests, refreshing
// through the session provider as needed.
func (p *Pipeline) Token(ctx context.Context) (string, error) {
	s, err := p.provider.Current(ctx)
	if err != nil {
		return "", err
	}
	return s.AccessToken, nil
}

// fetchSession is the provider's fetch path: exchange the last known
// refresh token, from cache or vault, for fresh credentials.
func (p *Pipeline) fetchSession(ctx context.Context) (*models.Session, error) {
	client := p.currentClient()
	if client == nil {
		return nil, fmt.Errorf("%w: client not initialized", errs.ErrTransientNetwork)
	}
	refresh := ""
	if s := p.provider.Peek(); s != nil {
		refresh = s.RefreshToken
	}
	if refresh == "" && p.vault != nil {
		if vs, err := p.vault.Load(); err == nil && vs != nil {
			refresh = vs.RefreshToken
		}
	}
	if refresh == "" {
		return nil, fmt.Errorf("%w: no refresh token", errs.ErrAuthExpired)
	}
	return client.RefreshSession(ctx, refresh)
}

// SignIn performs the password grant and adopts the resulting session.
func (p *Pipeline) SignIn(ctx context.Context, email, password string) (*models.Session, error) {
	client := p.currentClient()
	if client == nil {
		return nil, fmt.Errorf("%w: client not initialized", errs.ErrTransientNetwork)
	}
	s, err := client.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	p.provider.Adopt(s)
	return s, nil
}

// SignOut drops the session cache and clears the vault.
func (p *Pipeline) SignOut() error {
	return p.provider.Reset()
}

// RefreshSession forces a token refresh. The orchestrator runs this as
// the first step of every lifecycle pass.
func (p *Pipeline) RefreshSession(ctx context.Context) (*models.Session, error) {
	return p.provider.Refresh(ctx)
}

// PeekSession returns the cached session without fetching, or nil.
func (p *Pipeline) PeekSession() *models.Session {
	return p.provider.Peek()
}

// SetOnline records the platform's network reachability signal.
func (p *Pipeline) SetOnline(online bool) {
	if p.online.Swap(online) != online {
		p.log.Info().Bool("online", online).Msg("Network reachability changed")
	}
}

// Online reports the last known network reachability.
func (p *Pipeline) Online() bool {
	return p.online.Load()
}

// RealtimeURL returns the websocket endpoint of the current client.
func (p *Pipeline) RealtimeURL() (string, error) {
	client := p.currentClient()
	if client == nil {
		return "", fmt.Errorf("%w: client not initialized", errs.ErrTransientNetwork)
	}
	return client.RealtimeURL(), nil
}

// Generation returns the current client generation. It increments on
// every successful build, so holders of stale generations can detect
// that their client was replaced.
func (p *Pipeline) Generation() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// State returns the pipeline's internal lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Status maps the internal state onto the coarse connection state the
// status surface exposes.
func (p *Pipeline) Status() Connection {
	breakerOpen := p.breaker.State() == gobreaker.StateOpen
	p.mu.Lock()
	st := p.state
	p.mu.Unlock()

	if !p.online.Load() {
		return ConnDisconnected
	}
	switch st {
	case StateInitializing:
		return ConnConnecting
	case StateRecreating:
		return ConnReconnecting
	case StateReady, StateSuspect:
		if breakerOpen {
			return ConnReconnecting
		}
		return ConnConnected
	default:
		return ConnDisconnected
	}
}

func (p *Pipeline) currentClient() *backend.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

func (p *Pipeline) markSuspect(reason string) {
	p.mu.Lock()
	changed := p.state == StateReady
	if changed {
		p.state = StateSuspect
	}
	gen := p.generation
	p.mu.Unlock()
	if changed {
		p.log.Warn().Str("reason", reason).Msg("Backend client marked suspect")
		p.notify(Event{Type: EventStateChange, State: StateSuspect, Generation: gen, Reason: reason})
	}
}

func (p *Pipeline) clearSuspect() {
	p.mu.Lock()
	changed := p.state == StateSuspect && p.client != nil
	if changed {
		p.state = StateReady
	}
	gen := p.generation
	p.mu.Unlock()
	if changed {
		p.log.Info().Msg("Backend client suspicion cleared")
		p.notify(Event{Type: EventStateChange, State: StateReady, Generation: gen})
	}
}

// onBreakerChange runs inside the breaker's state lock. It must not
// call back into the breaker.
func (p *Pipeline) onBreakerChange(name string, from, to gobreaker.State) {
	fromStr := breakerStateString(from)
	toStr := breakerStateString(to)
	p.log.Warn().Str("from", fromStr).Str("to", toStr).Msg("Circuit breaker state changed")
	metrics.RecordCircuitTransition(name, fromStr, toStr, breakerStateValue(to))
	if to == gobreaker.StateOpen {
		p.markSuspect("circuit open")
		p.notify(Event{Type: EventBreakerOpen, State: StateSuspect, Generation: p.Generation(), Reason: "circuit open"})
	}
}

func breakerStateString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func breakerStateValue(state gobreaker.State) int {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
