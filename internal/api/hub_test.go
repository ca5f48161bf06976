// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package api

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/sotto-chat/sotto/internal/bus"
)

type hubFixture struct {
	b      *bus.Bus
	hub    *Hub
	ts     *httptest.Server
	cancel context.CancelFunc
	errCh  chan error
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()

	b, err := bus.New()
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	hub := NewHub(b)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errCh := make(chan error, 1)
	go func() { errCh <- hub.Serve(ctx) }()

	// A fresh hub reports done until Serve opens shop; dialing before
	// that gets the connection closed as not-serving.
	waitFor(t, 2*time.Second, func() bool {
		select {
		case <-hub.doneCh():
			return false
		default:
			return true
		}
	}, "hub did not start serving")

	cfg := testAPIConfig()
	handler := NewHandler(&stubEngine{}, b, hub, cfg)
	ts := httptest.NewServer(NewRouter(handler, NewMiddleware(cfg), false).Routes())
	t.Cleanup(ts.Close)

	return &hubFixture{b: b, hub: hub, ts: ts, cancel: cancel, errCh: errCh}
}

func (f *hubFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestHubForwardsBusSignals(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)

	waitFor(t, 2*time.Second, func() bool { return f.hub.ClientCount() == 1 },
		"client never registered")

	if err := f.b.Publish(bus.TopicStatus, bus.StatusSignal{
		Connection: "connected",
		Channel:    "subscribed",
		Scope:      "scope-1",
		Generation: 3,
	}); err != nil {
		t.Fatalf("publish status: %v", err)
	}

	frame := readFrame(t, conn)
	if frame.Type != FrameStatus {
		t.Fatalf("frame type = %s, want %s", frame.Type, FrameStatus)
	}
	var status bus.StatusSignal
	if err := json.Unmarshal(frame.Data, &status); err != nil {
		t.Fatalf("decode status frame: %v", err)
	}
	if status.Connection != "connected" || status.Generation != 3 {
		t.Errorf("status frame = %+v", status)
	}

	if err := f.b.Publish(bus.TopicMerge, bus.MergeSignal{
		ScopeID:  "scope-1",
		Inserted: 2,
	}); err != nil {
		t.Fatalf("publish merge: %v", err)
	}

	frame = readFrame(t, conn)
	if frame.Type != FrameMerge {
		t.Fatalf("frame type = %s, want %s", frame.Type, FrameMerge)
	}
	var merge bus.MergeSignal
	if err := json.Unmarshal(frame.Data, &merge); err != nil {
		t.Fatalf("decode merge frame: %v", err)
	}
	if merge.ScopeID != "scope-1" || merge.Inserted != 2 {
		t.Errorf("merge frame = %+v", merge)
	}
}

func TestHubAnswersPing(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)

	waitFor(t, 2*time.Second, func() bool { return f.hub.ClientCount() == 1 },
		"client never registered")

	if err := conn.WriteJSON(Frame{Type: FramePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	frame := readFrame(t, conn)
	if frame.Type != FramePong {
		t.Fatalf("frame type = %s, want %s", frame.Type, FramePong)
	}
}

func TestHubDropsClosedClients(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)

	waitFor(t, 2*time.Second, func() bool { return f.hub.ClientCount() == 1 },
		"client never registered")

	conn.Close()
	waitFor(t, 2*time.Second, func() bool { return f.hub.ClientCount() == 0 },
		"client not detached after close")
}

func TestHubShutdownClosesClients(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)

	waitFor(t, 2*time.Second, func() bool { return f.hub.ClientCount() == 1 },
		"client never registered")

	f.cancel()

	select {
	case err := <-f.errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if n := f.hub.ClientCount(); n != 0 {
		t.Fatalf("clients after shutdown = %d, want 0", n)
	}

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still readable after hub shutdown")
	}
}

func TestHubRejectsClientsWhileStopped(t *testing.T) {
	b, err := bus.New()
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	hub := NewHub(b)
	client := &wsClient{id: 99, hub: hub, send: make(chan Frame, 1)}
	hub.attach(client)

	select {
	case _, ok := <-client.send:
		if ok {
			t.Fatal("expected the send channel closed, got a frame")
		}
	case <-time.After(time.Second):
		t.Fatal("attach on a stopped hub did not close the client")
	}
}
