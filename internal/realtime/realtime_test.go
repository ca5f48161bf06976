// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/sotto-chat/sotto/internal/config"
	"github.com/sotto-chat/sotto/internal/errs"
	"github.com/sotto-chat/sotto/internal/merge"
	"github.com/sotto-chat/sotto/internal/models"
	"github.com/sotto-chat/sotto/internal/scheduler"
)

// fakeRealtime is a minimal phoenix endpoint: it acks joins and
// heartbeats and lets tests push change frames downstream.
type fakeRealtime struct {
	t        *testing.T
	upgrader websocket.Upgrader
	server   *httptest.Server

	mu         sync.Mutex
	conns      []*websocket.Conn
	frames     []frame
	joinStatus string

	wmu sync.Mutex
}

func newFakeRealtime(t *testing.T) *fakeRealtime {
	t.Helper()
	f := &fakeRealtime{
		t:          t,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		joinStatus: "ok",
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRealtime) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeRealtime) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	for {
		var fr frame
		if err := conn.ReadJSON(&fr); err != nil {
			return
		}
		f.mu.Lock()
		f.frames = append(f.frames, fr)
		status := f.joinStatus
		f.mu.Unlock()

		switch fr.Event {
		case evtJoin:
			payload, _ := json.Marshal(map[string]any{"status": status, "response": map[string]any{}})
			f.write(conn, frame{Topic: fr.Topic, Event: evtReply, Payload: payload, Ref: fr.Ref})
		case evtHeartbeat:
			payload, _ := json.Marshal(map[string]any{"status": "ok", "response": map[string]any{}})
			f.write(conn, frame{Topic: heartbeatTopic, Event: evtReply, Payload: payload, Ref: fr.Ref})
		}
	}
}

func (f *fakeRealtime) write(conn *websocket.Conn, fr frame) {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	_ = conn.WriteJSON(fr)
}

// pushChange injects a postgres_changes frame on the newest connection.
func (f *fakeRealtime) pushChange(topic, typ string, record, oldRecord map[string]any) {
	payload, err := json.Marshal(map[string]any{"data": map[string]any{
		"type":       typ,
		"table":      "messages",
		"record":     record,
		"old_record": oldRecord,
	}})
	if err != nil {
		f.t.Fatalf("marshal change: %v", err)
	}
	f.mu.Lock()
	if len(f.conns) == 0 {
		f.mu.Unlock()
		f.t.Fatal("push with no connection")
	}
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	f.write(conn, frame{Topic: topic, Event: evtChange, Payload: payload})
}

func (f *fakeRealtime) setJoinStatus(s string) {
	f.mu.Lock()
	f.joinStatus = s
	f.mu.Unlock()
}

func (f *fakeRealtime) closeAll() {
	f.mu.Lock()
	conns := append([]*websocket.Conn(nil), f.conns...)
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (f *fakeRealtime) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeRealtime) received(event string) []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []frame
	for _, fr := range f.frames {
		if fr.Event == event {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeRealtime) hasFrame(event, topic string) bool {
	for _, fr := range f.received(event) {
		if fr.Topic == topic {
			return true
		}
	}
	return false
}

type stubConduit struct {
	url string

	mu     sync.Mutex
	tokens int
	err    error
}

func (c *stubConduit) RealtimeURL() (string, error) {
	return c.url, nil
}

func (c *stubConduit) Token(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	c.tokens++
	return fmt.Sprintf("tok-%d", c.tokens), nil
}

func (c *stubConduit) tokenCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

type recordingApplier struct {
	mu     sync.Mutex
	events []*models.ChangeEvent
}

func (a *recordingApplier) ApplyEvent(_ context.Context, ev *models.ChangeEvent) (*merge.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return &merge.Result{}, nil
}

func (a *recordingApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func (a *recordingApplier) byEntity(id string) *models.ChangeEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ev := range a.events {
		if ev.EntityID() == id {
			return ev
		}
	}
	return nil
}

func (a *recordingApplier) last() *models.ChangeEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.events) == 0 {
		return nil
	}
	return a.events[len(a.events)-1]
}

type hookRecorder struct {
	mu        sync.Mutex
	escalated []string
	degraded  []bool
	events    []string
}

func (r *hookRecorder) hooks() Hooks {
	return Hooks{
		Escalate: func(reason string) {
			r.mu.Lock()
			r.escalated = append(r.escalated, reason)
			r.mu.Unlock()
		},
		Degraded: func(d bool) {
			r.mu.Lock()
			r.degraded = append(r.degraded, d)
			r.mu.Unlock()
		},
		Event: func(scopeID string) {
			r.mu.Lock()
			r.events = append(r.events, scopeID)
			r.mu.Unlock()
		},
	}
}

func (r *hookRecorder) escalations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.escalated...)
}

func (r *hookRecorder) degradedFlips() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.degraded...)
}

func defaultRealtimeCfg() config.RealtimeConfig {
	return config.RealtimeConfig{
		// Heartbeats off by default so clock advances fire one task at a
		// time; the heartbeat test turns them on.
		HeartbeatInterval:    0,
		SilenceWindow:        time.Minute,
		ReconnectBase:        3 * time.Second,
		MaxReconnectSteps:    4,
		DegradedPollInterval: 30 * time.Second,
	}
}

func newTestManager(t *testing.T, f *fakeRealtime, cfg config.RealtimeConfig) (*Manager, *scheduler.Scheduler, *scheduler.FakeClock, *stubConduit, *recordingApplier) {
	t.Helper()
	fc := scheduler.NewFakeClock(time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC))
	sched := scheduler.New(fc)
	conduit := &stubConduit{url: f.wsURL()}
	applier := &recordingApplier{}
	m := New(cfg, conduit, applier, sched)
	t.Cleanup(m.Close)
	return m, sched, fc, conduit, applier
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func validRecord(id, scopeID string) map[string]any {
	return map[string]any{
		"id":           id,
		"scope_id":     scopeID,
		"sender_id":    "user-9",
		"content":      "hello",
		"dedupe_key":   "dk-" + id,
		"created_at":   time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC).Format(time.RFC3339Nano),
		"message_type": "text",
	}
}

func TestSubscribeJoinsScopeTopic(t *testing.T) {
	f := newFakeRealtime(t)
	m, _, _, _, _ := newTestManager(t, f, defaultRealtimeCfg())

	if got := m.State(); got != ChannelIdle {
		t.Fatalf("state before subscribe = %q, want %q", got, ChannelIdle)
	}
	if err := m.Subscribe(context.Background(), "scope-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "subscribed", func() bool { return m.State() == ChannelSubscribed })

	joins := f.received(evtJoin)
	if len(joins) != 1 {
		t.Fatalf("join frames = %d, want 1", len(joins))
	}
	if joins[0].Topic != "realtime:scope:scope-1" {
		t.Fatalf("join topic = %q", joins[0].Topic)
	}
	if !bytes.Contains(joins[0].Payload, []byte(`"filter":"scope_id=eq.scope-1"`)) {
		t.Fatalf("join payload missing scope filter: %s", joins[0].Payload)
	}
	if !bytes.Contains(joins[0].Payload, []byte(`"access_token":"tok-1"`)) {
		t.Fatalf("join payload missing access token: %s", joins[0].Payload)
	}

	snap := m.Snapshot()
	if snap.ScopeID != "scope-1" || snap.Degraded || snap.Attempts != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestPushedChangesLandInCache(t *testing.T) {
	f := newFakeRealtime(t)
	m, _, _, _, applier := newTestManager(t, f, defaultRealtimeCfg())
	rec := &hookRecorder{}
	m.SetHooks(rec.hooks())

	if err := m.Subscribe(context.Background(), "scope-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "subscribed", func() bool { return m.State() == ChannelSubscribed })

	f.pushChange("realtime:scope:scope-1", "INSERT", validRecord("m-1", "scope-1"), nil)
	waitFor(t, "insert applied", func() bool { return applier.byEntity("m-1") != nil })

	ev := applier.byEntity("m-1")
	if ev.Type != models.EventInsert {
		t.Fatalf("event type = %q, want INSERT", ev.Type)
	}
	if ev.Message == nil || ev.Message.ScopeID != "scope-1" || ev.Message.DedupeKey != "dk-m-1" {
		t.Fatalf("decoded message = %+v", ev.Message)
	}

	f.pushChange("realtime:scope:scope-1", "DELETE", nil,
		map[string]any{"id": "m-1", "scope_id": "scope-1"})
	waitFor(t, "delete applied", func() bool { return applier.count() == 2 })

	last := applier.last()
	if last == nil || last.Type != models.EventDelete || last.DeletedID != "m-1" {
		t.Fatalf("delete event = %+v", last)
	}

	waitFor(t, "event hook", func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.events) == 2
	})
}

func TestMalformedPushIsQuarantined(t *testing.T) {
	f := newFakeRealtime(t)
	m, _, _, _, applier := newTestManager(t, f, defaultRealtimeCfg())

	if err := m.Subscribe(context.Background(), "scope-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "subscribed", func() bool { return m.State() == ChannelSubscribed })

	// Missing sender_id and dedupe_key fails boundary validation.
	f.pushChange("realtime:scope:scope-1", "INSERT", map[string]any{
		"id":         "m-bad",
		"scope_id":   "scope-1",
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
	}, nil)
	f.pushChange("realtime:scope:scope-1", "INSERT", validRecord("m-good", "scope-1"), nil)

	waitFor(t, "valid row applied", func() bool { return applier.byEntity("m-good") != nil })
	if applier.byEntity("m-bad") != nil {
		t.Fatal("quarantined row reached the cache")
	}
	if got := m.State(); got != ChannelSubscribed {
		t.Fatalf("state after quarantine = %q, want subscribed", got)
	}
}

func TestSwitchScopeRebindsOnSameSocket(t *testing.T) {
	f := newFakeRealtime(t)
	m, _, _, _, _ := newTestManager(t, f, defaultRealtimeCfg())

	if err := m.Subscribe(context.Background(), "scope-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "subscribed", func() bool { return m.State() == ChannelSubscribed })

	if err := m.SwitchScope(context.Background(), "scope-2"); err != nil {
		t.Fatalf("SwitchScope: %v", err)
	}
	waitFor(t, "resubscribed", func() bool {
		return m.State() == ChannelSubscribed && m.Scope() == "scope-2"
	})

	if got := f.connCount(); got != 1 {
		t.Fatalf("connections = %d, want 1 (switch must not redial)", got)
	}
	if !f.hasFrame(evtLeave, "realtime:scope:scope-1") {
		t.Fatal("old topic was never left")
	}
	if !f.hasFrame(evtJoin, "realtime:scope:scope-2") {
		t.Fatal("new topic was never joined")
	}
}

func TestStaleScopeFramesAreDropped(t *testing.T) {
	f := newFakeRealtime(t)
	m, _, _, _, applier := newTestManager(t, f, defaultRealtimeCfg())

	if err := m.Subscribe(context.Background(), "scope-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "subscribed", func() bool { return m.State() == ChannelSubscribed })
	if err := m.SwitchScope(context.Background(), "scope-2"); err != nil {
		t.Fatalf("SwitchScope: %v", err)
	}
	waitFor(t, "resubscribed", func() bool {
		return m.State() == ChannelSubscribed && m.Scope() == "scope-2"
	})

	// A frame for the superseded scope still in flight must be a no-op.
	f.pushChange("realtime:scope:scope-1", "INSERT", validRecord("m-stale", "scope-1"), nil)
	f.pushChange("realtime:scope:scope-2", "INSERT", validRecord("m-live", "scope-2"), nil)

	waitFor(t, "live row applied", func() bool { return applier.byEntity("m-live") != nil })
	if applier.byEntity("m-stale") != nil {
		t.Fatal("superseded scope's event was applied")
	}
}

func TestSocketDropClimbsReconnectLadder(t *testing.T) {
	f := newFakeRealtime(t)
	m, sched, fc, _, _ := newTestManager(t, f, defaultRealtimeCfg())

	if err := m.Subscribe(context.Background(), "scope-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "subscribed", func() bool { return m.State() == ChannelSubscribed })

	f.closeAll()
	waitFor(t, "reconnect scheduled", func() bool {
		_, ok := sched.DueAt(taskReconnect)
		return ok
	})
	if got := m.State(); got != ChannelReconnecting {
		t.Fatalf("state after drop = %q, want %q", got, ChannelReconnecting)
	}
	due, _ := sched.DueAt(taskReconnect)
	if got := due.Sub(fc.Now()); got != 3*time.Second {
		t.Fatalf("first rung delay = %v, want 3s", got)
	}

	fc.Advance(3 * time.Second)
	sched.RunDue(fc.Now())

	waitFor(t, "resubscribed after drop", func() bool { return m.State() == ChannelSubscribed })
	if got := f.connCount(); got != 2 {
		t.Fatalf("connections = %d, want 2", got)
	}
	if got := m.Snapshot().Attempts; got != 0 {
		t.Fatalf("attempts after recovery = %d, want 0", got)
	}
}

func TestLadderExhaustionEscalates(t *testing.T) {
	f := newFakeRealtime(t)
	f.setJoinStatus("error")
	cfg := defaultRealtimeCfg()
	cfg.MaxReconnectSteps = 2
	m, sched, fc, _, _ := newTestManager(t, f, cfg)
	rec := &hookRecorder{}
	m.SetHooks(rec.hooks())

	if err := m.Subscribe(context.Background(), "scope-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Rung 1: 3s.
	waitFor(t, "first rung", func() bool {
		_, ok := sched.DueAt(taskReconnect)
		return ok
	})
	due, _ := sched.DueAt(taskReconnect)
	if got := due.Sub(fc.Now()); got != 3*time.Second {
		t.Fatalf("rung 1 delay = %v, want 3s", got)
	}
	fc.Advance(3 * time.Second)
	sched.RunDue(fc.Now())

	// Rung 2 doubles to 6s.
	waitFor(t, "second rung", func() bool {
		due, ok := sched.DueAt(taskReconnect)
		return ok && due.Sub(fc.Now()) == 6*time.Second
	})
	fc.Advance(6 * time.Second)
	sched.RunDue(fc.Now())

	// Third failure is past the ladder.
	waitFor(t, "escalation", func() bool { return len(rec.escalations()) == 1 })
	if reason := rec.escalations()[0]; !strings.Contains(reason, "join rejected") {
		t.Fatalf("escalation reason = %q", reason)
	}
	if _, ok := sched.DueAt(taskReconnect); ok {
		t.Fatal("a rung is still scheduled after escalation")
	}
	if got := m.Snapshot().Attempts; got != 0 {
		t.Fatalf("attempts after escalation = %d, want 0", got)
	}
}

func TestSilenceEngagesDegradedFallback(t *testing.T) {
	f := newFakeRealtime(t)
	m, sched, fc, _, applier := newTestManager(t, f, defaultRealtimeCfg())
	rec := &hookRecorder{}
	m.SetHooks(rec.hooks())

	if err := m.Subscribe(context.Background(), "scope-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "subscribed", func() bool { return m.State() == ChannelSubscribed })

	fc.Advance(time.Minute)
	sched.RunDue(fc.Now())

	waitFor(t, "degraded engaged", func() bool { return m.Degraded() })
	if flips := rec.degradedFlips(); len(flips) != 1 || !flips[0] {
		t.Fatalf("degraded flips = %v, want [true]", flips)
	}

	// The next push proves the channel is alive again.
	f.pushChange("realtime:scope:scope-1", "INSERT", validRecord("m-1", "scope-1"), nil)
	waitFor(t, "degraded cleared", func() bool { return !m.Degraded() && applier.count() == 1 })
	waitFor(t, "recovery hook", func() bool {
		flips := rec.degradedFlips()
		return len(flips) == 2 && !flips[1]
	})
}

func TestHeartbeatKeepsSocketWarm(t *testing.T) {
	f := newFakeRealtime(t)
	cfg := defaultRealtimeCfg()
	cfg.HeartbeatInterval = 25 * time.Second
	m, sched, fc, _, _ := newTestManager(t, f, cfg)

	if err := m.Subscribe(context.Background(), "scope-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "subscribed", func() bool { return m.State() == ChannelSubscribed })

	fc.Advance(25 * time.Second)
	sched.RunDue(fc.Now())

	waitFor(t, "heartbeat frame", func() bool { return f.hasFrame(evtHeartbeat, heartbeatTopic) })
	due, ok := sched.DueAt(taskHeartbeat)
	if !ok {
		t.Fatal("heartbeat not re-armed")
	}
	if got := due.Sub(fc.Now()); got != 25*time.Second {
		t.Fatalf("next heartbeat in %v, want 25s", got)
	}
}

func TestRebindDialsFreshSocket(t *testing.T) {
	f := newFakeRealtime(t)
	m, sched, _, conduit, _ := newTestManager(t, f, defaultRealtimeCfg())

	if err := m.Subscribe(context.Background(), "scope-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "subscribed", func() bool { return m.State() == ChannelSubscribed })

	if err := m.Rebind(context.Background()); err != nil {
		t.Fatalf("Rebind: %v", err)
	}
	waitFor(t, "resubscribed on new socket", func() bool {
		return m.State() == ChannelSubscribed && f.connCount() == 2
	})

	if got := conduit.tokenCalls(); got != 2 {
		t.Fatalf("token fetches = %d, want 2 (one per join)", got)
	}
	if _, ok := sched.DueAt(taskReconnect); ok {
		t.Fatal("rebind must not arm the reconnect ladder")
	}
}

func TestUnsubscribeParksChannel(t *testing.T) {
	f := newFakeRealtime(t)
	m, sched, _, _, applier := newTestManager(t, f, defaultRealtimeCfg())

	if err := m.Subscribe(context.Background(), "scope-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "subscribed", func() bool { return m.State() == ChannelSubscribed })

	m.Unsubscribe()
	if got := m.State(); got != ChannelIdle {
		t.Fatalf("state after unsubscribe = %q, want idle", got)
	}
	waitFor(t, "leave frame", func() bool { return f.hasFrame(evtLeave, "realtime:scope:scope-1") })
	if _, ok := sched.DueAt(taskWatchdog); ok {
		t.Fatal("watchdog still armed after unsubscribe")
	}

	// The socket survives parking; a fresh subscribe rejoins on it.
	if err := m.Subscribe(context.Background(), "scope-2"); err != nil {
		t.Fatalf("Subscribe after park: %v", err)
	}
	waitFor(t, "rejoined", func() bool {
		return m.State() == ChannelSubscribed && m.Scope() == "scope-2"
	})
	if got := f.connCount(); got != 1 {
		t.Fatalf("connections = %d, want 1", got)
	}

	f.pushChange("realtime:scope:scope-1", "INSERT", validRecord("m-parked", "scope-1"), nil)
	f.pushChange("realtime:scope:scope-2", "INSERT", validRecord("m-2", "scope-2"), nil)
	waitFor(t, "live scope applied", func() bool { return applier.byEntity("m-2") != nil })
	if applier.byEntity("m-parked") != nil {
		t.Fatal("parked scope's event was applied")
	}
}

func TestApplyTokenRefreshesLiveChannel(t *testing.T) {
	f := newFakeRealtime(t)
	m, _, _, _, _ := newTestManager(t, f, defaultRealtimeCfg())

	// Nothing bound: a token push has nowhere to go and that is fine.
	if err := m.ApplyToken(context.Background()); err != nil {
		t.Fatalf("ApplyToken while idle: %v", err)
	}

	if err := m.Subscribe(context.Background(), "scope-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "subscribed", func() bool { return m.State() == ChannelSubscribed })

	if err := m.ApplyToken(context.Background()); err != nil {
		t.Fatalf("ApplyToken: %v", err)
	}
	waitFor(t, "access_token frame", func() bool {
		for _, fr := range f.received(evtAccessToken) {
			if bytes.Contains(fr.Payload, []byte(`"access_token":"tok-2"`)) {
				return true
			}
		}
		return false
	})
}

func TestSubscribeWithoutCredentialsSchedulesRetry(t *testing.T) {
	f := newFakeRealtime(t)
	m, sched, _, conduit, _ := newTestManager(t, f, defaultRealtimeCfg())
	conduit.mu.Lock()
	conduit.err = errs.ErrAuthExpired
	conduit.mu.Unlock()

	err := m.Subscribe(context.Background(), "scope-1")
	if !errors.Is(err, errs.ErrAuthExpired) {
		t.Fatalf("Subscribe error = %v, want ErrAuthExpired", err)
	}
	if got := f.connCount(); got != 0 {
		t.Fatalf("connections = %d, want 0 (no socket without a session)", got)
	}
	if got := m.State(); got != ChannelReconnecting {
		t.Fatalf("state = %q, want %q", got, ChannelReconnecting)
	}
	if _, ok := sched.DueAt(taskReconnect); !ok {
		t.Fatal("no retry scheduled after credential failure")
	}
}
