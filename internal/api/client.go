// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package api

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sotto-chat/sotto/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Clients only send pings and small control frames; anything larger
	// is a misbehaving peer.
	maxFrameBytes = 4096
)

// clientIDCounter orders clients for deterministic broadcast iteration.
var clientIDCounter atomic.Uint64

// wsClient pumps frames between one WebSocket connection and the hub.
type wsClient struct {
	id   uint64
	hub  *Hub
	conn *websocket.Conn
	send chan Frame
}

func newWSClient(hub *Hub, conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:   clientIDCounter.Add(1),
		hub:  hub,
		conn: conn,
		send: make(chan Frame, 64),
	}
}

// start launches the read and write pumps.
func (c *wsClient) start() {
	go c.writePump()
	go c.readPump()
}

// readPump consumes inbound frames until the connection drops. The UI
// only sends application-level pings; everything else is ignored.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.detach(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logging.Warn().Err(err).Msg("event client read error")
			}
			return
		}

		if frame.Type == FramePing {
			select {
			case c.send <- Frame{Type: FramePong}:
			default:
			}
		}
	}
}

// writePump pushes hub frames and protocol pings to the connection. It
// exits when the hub closes the send channel or a write fails; closing
// the connection unblocks the read pump.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("set write deadline")
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				logging.Debug().Err(err).Msg("event client write failed")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
