// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

// Package realtime maintains the push subscription to the backend's
// phoenix socket.
//
// One channel is bound at a time, keyed to the scope the user has open.
// Pushed change events are decoded and validated here, then handed to
// the merge engine. Socket loss climbs a doubling reconnect ladder and
// escalates to a hard client recreation when the ladder is exhausted. A
// channel that stays open but goes silent falls back to degraded
// polling until pushes resume.
package realtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sotto-chat/sotto/internal/config"
	"github.com/sotto-chat/sotto/internal/errs"
	"github.com/sotto-chat/sotto/internal/logging"
	"github.com/sotto-chat/sotto/internal/merge"
	"github.com/sotto-chat/sotto/internal/metrics"
	"github.com/sotto-chat/sotto/internal/models"
	"github.com/sotto-chat/sotto/internal/scheduler"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	applyTimeout     = 10 * time.Second
	rejoinTimeout    = 15 * time.Second

	heartbeatTopic = "phoenix"

	evtJoin        = "phx_join"
	evtLeave       = "phx_leave"
	evtReply       = "phx_reply"
	evtError       = "phx_error"
	evtClose       = "phx_close"
	evtHeartbeat   = "heartbeat"
	evtAccessToken = "access_token"
	evtChange      = "postgres_changes"

	taskHeartbeat = "realtime:heartbeat"
	taskWatchdog  = "realtime:watchdog"
	taskReconnect = "realtime:reconnect"
)

// ChannelState is the subscription's position in its lifecycle. Degraded
// polling is a flag layered on top of these states, not a state itself;
// see Snapshot.
type ChannelState string

const (
	ChannelIdle         ChannelState = "idle"
	ChannelSubscribing  ChannelState = "subscribing"
	ChannelSubscribed   ChannelState = "subscribed"
	ChannelReconnecting ChannelState = "reconnect-scheduled"
)

// Conduit is what the manager needs from the connection pipeline: the
// socket endpoint and a fresh access token per join.
type Conduit interface {
	RealtimeURL() (string, error)
	Token(ctx context.Context) (string, error)
}

// Applier lands decoded change events in the local cache.
type Applier interface {
	ApplyEvent(ctx context.Context, ev *models.ChangeEvent) (*merge.Result, error)
}

// Hooks are the orchestrator's callbacks. They run on the manager's
// reader and scheduler goroutines and must not block; long work belongs
// on the callee's own schedule.
type Hooks struct {
	// Escalate fires when the reconnect ladder is exhausted. The
	// orchestrator answers with a hard client recreation.
	Escalate func(reason string)

	// Degraded fires on entry to and exit from degraded fallback. While
	// degraded, the orchestrator runs periodic reconciliation pulls in
	// place of pushes.
	Degraded func(degraded bool)

	// Event fires after a pushed change has been applied to the cache.
	Event func(scopeID string)
}

// frame is the phoenix wire envelope. Payload stays raw until the event
// type is known.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter"`
}

type joinPayload struct {
	Config struct {
		PostgresChanges []changeFilter `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changePayload struct {
	Data struct {
		Type      string          `json:"type"`
		Table     string          `json:"table"`
		Record    json.RawMessage `json:"record"`
		OldRecord json.RawMessage `json:"old_record"`
	} `json:"data"`
}

// deletedRow is the replica-identity slice of a deleted row. Deletes
// carry only old_record, and only its identity columns are guaranteed.
type deletedRow struct {
	ID      string `json:"id"`
	ScopeID string `json:"scope_id"`
}

var emptyObject = json.RawMessage(`{}`)

// Snapshot is the channel's externally visible condition, served on the
// status surface.
type Snapshot struct {
	State    ChannelState `json:"state"`
	ScopeID  string       `json:"scope_id,omitempty"`
	Degraded bool         `json:"degraded"`
	Attempts int          `json:"reconnect_attempts"`
}

// Manager owns the socket, the bound channel, and their recovery.
// Subscribe, SwitchScope, Unsubscribe, and ApplyToken are called from
// the orchestrator; frames are handled on a reader goroutine; deferred
// work (heartbeats, the silence watchdog, ladder steps) runs on the
// shared scheduler.
type Manager struct {
	cfg     config.RealtimeConfig
	conduit Conduit
	applier Applier
	sched   *scheduler.Scheduler
	clock   scheduler.Clock
	log     zerolog.Logger

	// gen is the binding generation token. Every subscribe, switch,
	// rebind, and unsubscribe bumps it; deferred work captured under an
	// older generation is a no-op when it fires.
	gen  atomic.Int64
	refs atomic.Int64

	mu          sync.Mutex
	conn        *websocket.Conn
	state       ChannelState
	scopeID     string
	attempts    int
	lastEventAt time.Time
	degraded    bool

	// writeMu serializes frame writes; the socket allows one writer.
	writeMu sync.Mutex

	wg sync.WaitGroup

	hookMu sync.Mutex
	hooks  Hooks
}

// New creates a realtime manager on the scheduler's clock. Hooks are
// installed separately once the orchestrator exists.
func New(cfg config.RealtimeConfig, conduit Conduit, applier Applier, sched *scheduler.Scheduler) *Manager {
	return &Manager{
		cfg:     cfg,
		conduit: conduit,
		applier: applier,
		sched:   sched,
		clock:   sched.Clock(),
		log:     logging.WithComponent("realtime"),
		state:   ChannelIdle,
	}
}

// SetHooks installs the orchestrator's callbacks.
func (m *Manager) SetHooks(h Hooks) {
	m.hookMu.Lock()
	m.hooks = h
	m.hookMu.Unlock()
}

func (m *Manager) runHook(fn func(Hooks)) {
	m.hookMu.Lock()
	h := m.hooks
	m.hookMu.Unlock()
	fn(h)
}

func topicFor(scopeID string) string {
	return "realtime:scope:" + scopeID
}

func (m *Manager) nextRef() string {
	return strconv.FormatInt(m.refs.Add(1), 10)
}

// Subscribe binds the channel to scopeID: it supersedes any prior
// binding, fetches a fresh access token, opens the socket if none is
// live, and joins the scope's topic. Confirmation arrives as a join
// reply on the reader; until then the channel is subscribing. Failures
// schedule a ladder step, so callers need not retry themselves.
func (m *Manager) Subscribe(ctx context.Context, scopeID string) error {
	gen := m.gen.Add(1)

	m.mu.Lock()
	prev := m.scopeID
	m.scopeID = scopeID
	m.state = ChannelSubscribing
	conn := m.conn
	m.mu.Unlock()

	token, err := m.conduit.Token(ctx)
	if err != nil {
		m.channelErrored(gen, "no session")
		return fmt.Errorf("subscribe needs credentials: %w", err)
	}

	if conn == nil {
		dialed, err := m.dial(ctx)
		if err != nil {
			m.channelErrored(gen, "dial failed")
			return err
		}
		m.mu.Lock()
		if m.gen.Load() != gen {
			// A newer binding raced the dial; it owns the socket slot.
			m.mu.Unlock()
			_ = dialed.Close()
			return nil
		}
		m.conn = dialed
		m.mu.Unlock()
		conn = dialed
		m.wg.Add(1)
		go m.readLoop(dialed)
		m.armHeartbeat()
	} else if prev != "" && prev != scopeID {
		m.leave(conn, prev)
	}

	if err := m.join(conn, scopeID, token); err != nil {
		m.channelErrored(gen, "join write failed")
		return err
	}
	m.armWatchdog()
	return nil
}

// SwitchScope rebinds the channel to a different scope on the live
// socket. No teardown happens: the old topic is left, the new one
// joined, and frames still in flight for the old scope are dropped by
// the superseded binding.
func (m *Manager) SwitchScope(ctx context.Context, scopeID string) error {
	return m.Subscribe(ctx, scopeID)
}

// Unsubscribe leaves the bound scope and parks the channel. The socket
// stays open, kept warm by heartbeats, so a later subscribe is a cheap
// rejoin.
func (m *Manager) Unsubscribe() {
	m.gen.Add(1)
	m.sched.Cancel(taskReconnect)
	m.sched.Cancel(taskWatchdog)

	m.mu.Lock()
	conn := m.conn
	scope := m.scopeID
	m.scopeID = ""
	m.state = ChannelIdle
	m.attempts = 0
	m.mu.Unlock()

	m.clearDegraded()
	if conn != nil && scope != "" {
		m.leave(conn, scope)
	}
	if scope != "" {
		m.log.Info().Str("scope_id", scope).Msg("Realtime channel unsubscribed")
	}
}

// ApplyToken pushes a fresh access token onto the live channel so the
// server does not drop it when the old token expires. No-op when
// nothing is bound.
func (m *Manager) ApplyToken(ctx context.Context) error {
	m.mu.Lock()
	conn := m.conn
	scope := m.scopeID
	m.mu.Unlock()
	if conn == nil || scope == "" {
		return nil
	}

	token, err := m.conduit.Token(ctx)
	if err != nil {
		return fmt.Errorf("token refresh for channel: %w", err)
	}
	payload, err := json.Marshal(map[string]string{"access_token": token})
	if err != nil {
		return err
	}
	return m.writeFrame(conn, frame{
		Topic:   topicFor(scope),
		Event:   evtAccessToken,
		Payload: payload,
		Ref:     m.nextRef(),
	})
}

// Rebind discards the socket and resubscribes the bound scope on a
// fresh one. The orchestrator calls this after the pipeline recreates
// its client: the old socket may be wedged on state the recreation just
// threw away.
func (m *Manager) Rebind(ctx context.Context) error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	scope := m.scopeID
	m.mu.Unlock()

	if conn != nil {
		m.closeConn(conn)
	}
	if scope == "" {
		return nil
	}
	m.log.Info().Str("scope_id", scope).Msg("Rebinding realtime channel on a fresh socket")
	return m.Subscribe(ctx, scope)
}

// Close tears the socket down and waits for the reader to exit.
func (m *Manager) Close() {
	m.gen.Add(1)
	m.sched.Cancel(taskReconnect)
	m.sched.Cancel(taskWatchdog)
	m.sched.Cancel(taskHeartbeat)

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.scopeID = ""
	m.state = ChannelIdle
	m.mu.Unlock()

	if conn != nil {
		m.closeConn(conn)
	}
	m.wg.Wait()
	m.clearDegraded()
}

// Snapshot returns the channel's current condition.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:    m.state,
		ScopeID:  m.scopeID,
		Degraded: m.degraded,
		Attempts: m.attempts,
	}
}

// State returns the current channel state.
func (m *Manager) State() ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Scope returns the bound scope id, or empty when parked.
func (m *Manager) Scope() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scopeID
}

// Degraded reports whether the channel is in degraded fallback.
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := m.conduit.RealtimeURL()
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout:  handshakeTimeout,
		EnableCompression: true,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: realtime dial failed (status %d): %v", errs.ErrTransientNetwork, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: realtime dial failed: %v", errs.ErrTransientNetwork, err)
	}
	return conn, nil
}

func (m *Manager) join(conn *websocket.Conn, scopeID, token string) error {
	var jp joinPayload
	jp.Config.PostgresChanges = []changeFilter{{
		Event:  "*",
		Schema: "public",
		Table:  "messages",
		Filter: "scope_id=eq." + scopeID,
	}}
	jp.AccessToken = token
	payload, err := json.Marshal(jp)
	if err != nil {
		return err
	}
	return m.writeFrame(conn, frame{
		Topic:   topicFor(scopeID),
		Event:   evtJoin,
		Payload: payload,
		Ref:     m.nextRef(),
	})
}

func (m *Manager) leave(conn *websocket.Conn, scopeID string) {
	err := m.writeFrame(conn, frame{
		Topic:   topicFor(scopeID),
		Event:   evtLeave,
		Payload: emptyObject,
		Ref:     m.nextRef(),
	})
	if err != nil {
		m.log.Debug().Err(err).Str("scope_id", scopeID).Msg("Leave frame failed")
	}
}

func (m *Manager) writeFrame(conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop drains one socket until it dies. Socket deadlines run on the
// wall clock; the injected clock only drives scheduled work.
func (m *Manager) readLoop(conn *websocket.Conn) {
	defer m.wg.Done()
	for {
		if m.cfg.SilenceWindow > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(m.cfg.SilenceWindow))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(conn, err)
			return
		}
		m.handleFrame(conn, data)
	}
}

func (m *Manager) handleDisconnect(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		// A reader outliving its replaced socket; nothing to recover.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.mu.Unlock()

	_ = conn.Close()
	m.sched.Cancel(taskHeartbeat)

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.log.Warn().Err(err).Msg("Realtime socket closed unexpectedly")
	} else {
		m.log.Debug().Err(err).Msg("Realtime socket closed")
	}
	m.channelErrored(m.gen.Load(), "socket closed")
}

func (m *Manager) handleFrame(conn *websocket.Conn, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		m.log.Debug().Err(err).Msg("Undecodable realtime frame dropped")
		return
	}

	m.mu.Lock()
	current := m.conn == conn
	topic := ""
	if m.scopeID != "" {
		topic = topicFor(m.scopeID)
	}
	m.mu.Unlock()
	if !current {
		return
	}

	switch f.Event {
	case evtReply:
		if f.Topic == heartbeatTopic {
			m.touchLiveness()
			return
		}
		if f.Topic != topic {
			return
		}
		m.handleJoinReply(f.Payload)
	case evtChange:
		if f.Topic != topic {
			return
		}
		m.handleChange(f.Payload)
	case evtError, evtClose:
		if f.Topic != topic {
			return
		}
		m.channelErrored(m.gen.Load(), "channel "+strings.TrimPrefix(f.Event, "phx_"))
	default:
		m.log.Debug().Str("event", f.Event).Str("topic", f.Topic).Msg("Unhandled realtime frame")
	}
}

func (m *Manager) handleJoinReply(payload json.RawMessage) {
	var rep replyPayload
	if err := json.Unmarshal(payload, &rep); err != nil {
		m.log.Debug().Err(err).Msg("Undecodable join reply dropped")
		return
	}
	if rep.Status != "ok" {
		m.channelErrored(m.gen.Load(), "join rejected: "+rep.Status)
		return
	}
	m.markSubscribed()
}

func (m *Manager) markSubscribed() {
	m.mu.Lock()
	if m.state == ChannelIdle {
		m.mu.Unlock()
		return
	}
	m.state = ChannelSubscribed
	m.attempts = 0
	m.lastEventAt = m.clock.Now()
	scope := m.scopeID
	m.mu.Unlock()

	m.log.Info().Str("scope_id", scope).Msg("Realtime channel subscribed")
	m.clearDegraded()
	m.armWatchdog()
}

// handleChange decodes one pushed change and lands it in the cache. Any
// frame on the bound topic proves the channel is alive, undecodable or
// not, so liveness is touched before decoding.
func (m *Manager) handleChange(payload json.RawMessage) {
	m.touchLiveness()

	ev, err := decodeChange(payload, m.clock.Now())
	if err != nil {
		metrics.RecordRealtimeEvent("quarantined")
		m.log.Warn().Err(err).Msg("Quarantined undecodable change event")
		return
	}
	metrics.RecordRealtimeEvent(strings.ToLower(string(ev.Type)))

	if ev.ScopeID == "" {
		m.mu.Lock()
		ev.ScopeID = m.scopeID
		m.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()
	if _, err := m.applier.ApplyEvent(ctx, ev); err != nil {
		m.log.Error().Err(err).Str("entity_id", ev.EntityID()).Msg("Failed to apply change event")
		return
	}
	m.runHook(func(h Hooks) {
		if h.Event != nil {
			h.Event(ev.ScopeID)
		}
	})
}

func decodeChange(payload json.RawMessage, receivedAt time.Time) (*models.ChangeEvent, error) {
	var cp changePayload
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("%w: change payload: %v", errs.ErrInvalidRow, err)
	}

	ev := &models.ChangeEvent{ReceivedAt: receivedAt}
	switch cp.Data.Type {
	case string(models.EventInsert), string(models.EventUpdate):
		ev.Type = models.EventType(cp.Data.Type)
		msg, err := models.DecodeMessageRow(cp.Data.Record)
		if err != nil {
			return nil, err
		}
		ev.Message = msg
		ev.ScopeID = msg.ScopeID
	case string(models.EventDelete):
		ev.Type = models.EventDelete
		var old deletedRow
		if err := json.Unmarshal(cp.Data.OldRecord, &old); err != nil {
			return nil, fmt.Errorf("%w: delete old_record: %v", errs.ErrInvalidRow, err)
		}
		if old.ID == "" {
			return nil, fmt.Errorf("%w: delete event without id", errs.ErrInvalidRow)
		}
		ev.DeletedID = old.ID
		ev.ScopeID = old.ScopeID
	default:
		return nil, fmt.Errorf("%w: unknown change type %q", errs.ErrInvalidRow, cp.Data.Type)
	}
	return ev, nil
}

// channelErrored advances the reconnect ladder for the binding gen. A
// superseded gen is a no-op: its channel no longer exists. Each call
// consumes one rung; past the last rung the manager escalates instead
// of retrying.
func (m *Manager) channelErrored(gen int64, reason string) {
	if m.gen.Load() != gen {
		return
	}

	m.mu.Lock()
	if m.state == ChannelIdle || m.scopeID == "" {
		m.mu.Unlock()
		return
	}
	scope := m.scopeID
	rung := m.attempts
	m.attempts++
	m.state = ChannelReconnecting
	m.mu.Unlock()

	if rung >= m.cfg.MaxReconnectSteps {
		m.log.Warn().
			Str("scope_id", scope).
			Str("reason", reason).
			Int("steps", rung).
			Msg("Reconnect ladder exhausted, escalating to client recreation")
		m.mu.Lock()
		m.attempts = 0
		m.mu.Unlock()
		m.runHook(func(h Hooks) {
			if h.Escalate != nil {
				h.Escalate(reason)
			}
		})
		return
	}

	delay := m.cfg.ReconnectBase << rung
	metrics.RecordReconnect()
	m.log.Warn().
		Str("scope_id", scope).
		Str("reason", reason).
		Dur("delay", delay).
		Int("step", rung+1).
		Msg("Realtime channel lost, reconnect scheduled")
	m.sched.ScheduleAfter(taskReconnect, delay, func(time.Time) {
		if m.gen.Load() != gen {
			return
		}
		go m.resubscribe(scope)
	})
}

func (m *Manager) resubscribe(scope string) {
	ctx, cancel := context.WithTimeout(context.Background(), rejoinTimeout)
	defer cancel()
	if err := m.Subscribe(ctx, scope); err != nil {
		m.log.Warn().Err(err).Str("scope_id", scope).Msg("Reconnect attempt failed")
	}
}

func (m *Manager) armHeartbeat() {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	m.sched.ScheduleAfter(taskHeartbeat, m.cfg.HeartbeatInterval, m.heartbeat)
}

func (m *Manager) heartbeat(time.Time) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}

	f := frame{Topic: heartbeatTopic, Event: evtHeartbeat, Payload: emptyObject, Ref: m.nextRef()}
	if err := m.writeFrame(conn, f); err != nil {
		m.log.Warn().Err(err).Msg("Heartbeat write failed")
		m.handleDisconnect(conn, err)
		return
	}
	m.armHeartbeat()
}

func (m *Manager) armWatchdog() {
	if m.cfg.SilenceWindow <= 0 {
		return
	}
	gen := m.gen.Load()
	m.sched.ScheduleAfter(taskWatchdog, m.cfg.SilenceWindow, func(now time.Time) {
		if m.gen.Load() != gen {
			return
		}
		m.checkSilence(now)
	})
}

// checkSilence flips the channel into degraded fallback when nothing
// has arrived for a full silence window. Recovery is event-driven: the
// next frame on the topic clears the flag.
func (m *Manager) checkSilence(now time.Time) {
	m.mu.Lock()
	if m.state == ChannelIdle || m.scopeID == "" {
		m.mu.Unlock()
		return
	}
	quiet := now.Sub(m.lastEventAt)
	silent := quiet >= m.cfg.SilenceWindow
	first := silent && !m.degraded
	if silent {
		m.degraded = true
	}
	scope := m.scopeID
	m.mu.Unlock()

	if first {
		metrics.SetRealtimeDegraded(true)
		m.log.Warn().
			Str("scope_id", scope).
			Dur("quiet", quiet).
			Msg("Realtime channel silent, degraded fallback engaged")
		m.runHook(func(h Hooks) {
			if h.Degraded != nil {
				h.Degraded(true)
			}
		})
	}
	m.armWatchdog()
}

func (m *Manager) touchLiveness() {
	m.mu.Lock()
	m.lastEventAt = m.clock.Now()
	m.mu.Unlock()
	m.clearDegraded()
	m.armWatchdog()
}

func (m *Manager) clearDegraded() {
	m.mu.Lock()
	was := m.degraded
	m.degraded = false
	m.mu.Unlock()
	if !was {
		return
	}

	metrics.SetRealtimeDegraded(false)
	m.log.Info().Msg("Realtime channel recovered, degraded fallback cleared")
	m.runHook(func(h Hooks) {
		if h.Degraded != nil {
			h.Degraded(false)
		}
	})
}

func (m *Manager) closeConn(conn *websocket.Conn) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = conn.Close()
}
