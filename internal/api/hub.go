// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package api

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/sotto-chat/sotto/internal/bus"
	"github.com/sotto-chat/sotto/internal/logging"
)

// Frame types pushed to event stream clients.
const (
	FrameStatus = "status"
	FrameMerge  = "merge"
	FrameDrain  = "drain"
	FramePing   = "ping"
	FramePong   = "pong"
)

// Frame is one WebSocket payload. Data carries the bus signal verbatim;
// the hub forwards without re-marshaling.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Hub fans engine signals out to connected UI clients. It subscribes to
// the status, merge, and drain topics and relays every signal to every
// client; a client that cannot keep up is dropped rather than allowed
// to stall the others.
type Hub struct {
	b          *bus.Bus
	clients    map[*wsClient]bool
	broadcast  chan Frame
	register   chan *wsClient
	unregister chan *wsClient

	// mu guards clients and done. done is remade per Serve incarnation
	// so attach and detach from client goroutines never block against a
	// stopped run loop.
	mu   sync.RWMutex
	done chan struct{}

	log zerolog.Logger
}

// NewHub builds a hub over the given bus.
func NewHub(b *bus.Bus) *Hub {
	closed := make(chan struct{})
	close(closed)
	return &Hub{
		b:          b,
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan Frame, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       closed, // not serving yet
		log:        logging.WithComponent("ws-hub"),
	}
}

// Serve subscribes to the UI-facing topics and runs the fan-out loop
// until ctx ends. It satisfies the supervisor's service contract; the
// subscriptions close with ctx, so a restart resubscribes cleanly.
func (h *Hub) Serve(ctx context.Context) error {
	h.mu.Lock()
	h.done = make(chan struct{})
	h.mu.Unlock()

	topics := []struct {
		topic     string
		frameType string
	}{
		{bus.TopicStatus, FrameStatus},
		{bus.TopicMerge, FrameMerge},
		{bus.TopicDrain, FrameDrain},
	}
	for _, t := range topics {
		ch, err := h.b.Subscribe(ctx, t.topic)
		if err != nil {
			h.closeDone()
			return fmt.Errorf("subscribe %s: %w", t.topic, err)
		}
		go h.forward(ch, t.frameType)
	}
	return h.run(ctx)
}

// forward relays one topic's signals into the broadcast channel. The
// subscription channel closes when the serve context ends.
func (h *Hub) forward(ch <-chan *message.Message, frameType string) {
	for msg := range ch {
		h.enqueue(Frame{Type: frameType, Data: json.RawMessage(msg.Payload)})
		msg.Ack()
	}
}

// enqueue offers a frame to the broadcast loop without blocking. Status
// signals repeat after every orchestration pass, so dropping under
// pressure loses freshness, not correctness.
func (h *Hub) enqueue(frame Frame) {
	select {
	case h.broadcast <- frame:
	default:
		h.log.Warn().Str("frame_type", frame.Type).Msg("broadcast buffer full, dropping frame")
	}
}

// run is the fan-out loop. Lifecycle events are drained before
// broadcast frames so the client set is settled when a frame goes out;
// Go's select picks randomly among ready channels, and this loop wants
// a fixed precedence instead.
func (h *Hub) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.register:
			h.addClient(client)
			continue
		case client := <-h.unregister:
			h.removeClient(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case frame := <-h.broadcast:
			h.broadcastFrame(frame)
		}
	}
}

func (h *Hub) addClient(client *wsClient) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Debug().Int("total_clients", total).Msg("event client connected")
}

func (h *Hub) removeClient(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Debug().Int("total_clients", total).Msg("event client disconnected")
}

// broadcastFrame delivers a frame to every client in id order. A client
// whose send buffer is full is detached; its write pump sees the closed
// channel and closes the connection.
func (h *Hub) broadcastFrame(frame Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	var stalled []*wsClient
	for _, client := range clients {
		select {
		case client.send <- frame:
		default:
			stalled = append(stalled, client)
		}
	}
	for _, client := range stalled {
		close(client.send)
		delete(h.clients, client)
		h.log.Warn().Uint64("client_id", client.id).Msg("event client stalled, detaching")
	}
}

// attach hands a fresh connection to the run loop. If the hub is not
// serving, the client is closed immediately.
func (h *Hub) attach(client *wsClient) {
	select {
	case h.register <- client:
	case <-h.doneCh():
		close(client.send)
	}
}

// detach asks the run loop to drop a connection. Safe after shutdown;
// the run loop already closed every client on its way out.
func (h *Hub) detach(client *wsClient) {
	select {
	case h.unregister <- client:
	case <-h.doneCh():
	}
}

func (h *Hub) doneCh() <-chan struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.done
}

func (h *Hub) closeDone() {
	h.mu.Lock()
	select {
	case <-h.done:
	default:
		close(h.done)
	}
	h.mu.Unlock()
}

// shutdown closes every client connection before the hub stops.
func (h *Hub) shutdown() {
	h.closeDone()

	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})
	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	h.log.Info().Int("clients_closed", len(clients)).Msg("event hub stopped")
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) String() string {
	return "ws-hub"
}
