// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/sotto-chat/sotto/internal/bus"
	"github.com/sotto-chat/sotto/internal/config"
	"github.com/sotto-chat/sotto/internal/engine"
	"github.com/sotto-chat/sotto/internal/logging"
	"github.com/sotto-chat/sotto/internal/models"
)

// Engine is the slice of the sync engine the HTTP surface drives.
type Engine interface {
	SendMessage(ctx context.Context, req engine.SendRequest) (*models.Message, error)
	FetchScope(ctx context.Context, scopeID string, limit int) ([]*models.Message, error)
	Scopes(ctx context.Context) ([]*models.Scope, error)
	Subscribe(ctx context.Context, scopeID string) error
	Unsubscribe(scopeID string)
	DeleteMessage(ctx context.Context, id string, everyone bool) error
	SignIn(ctx context.Context, email, password string) (*models.Session, error)
	SignOut() error
	Status(ctx context.Context) *models.StatusSnapshot
}

// Handler holds the dependencies the endpoint methods share. Wake and
// online signals go over the bus rather than into the engine directly;
// the orchestrator owns coalescing and the hub's subscribers see the
// same signals the engine does.
type Handler struct {
	eng       Engine
	b         *bus.Bus
	hub       *Hub
	cfg       config.APIConfig
	startTime time.Time
}

// NewHandler wires the endpoint set. hub may be nil when the event
// surface is disabled; the events endpoint then answers 503.
func NewHandler(eng Engine, b *bus.Bus, hub *Hub, cfg config.APIConfig) *Handler {
	return &Handler{
		eng:       eng,
		b:         b,
		hub:       hub,
		cfg:       cfg,
		startTime: time.Now(),
	}
}

// Healthz reports daemon liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

// Status returns the composite engine condition for UI indicators.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(h.eng.Status(r.Context()))
}

type signInResponse struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SignIn authenticates against the backend. Tokens stay inside the
// daemon; the UI only learns who is signed in and until when.
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	var req signInRequest
	if !decodeJSON(rw, r, &req) {
		return
	}

	sess, err := h.eng.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		rw.EngineError(err)
		return
	}
	rw.Success(signInResponse{UserID: sess.UserID, ExpiresAt: sess.ExpiresAt})
}

// SignOut drops the session and tears the connection down.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if err := h.eng.SignOut(); err != nil {
		rw.EngineError(err)
		return
	}
	rw.NoContent()
}

// Scopes lists the joined conversation scopes.
func (h *Handler) Scopes(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	scopes, err := h.eng.Scopes(r.Context())
	if err != nil {
		rw.EngineError(err)
		return
	}
	if scopes == nil {
		scopes = []*models.Scope{}
	}
	rw.Success(scopes)
}

// ScopeMessages returns the cached message window for one scope,
// newest-last. The cache answers even when the backend is down.
func (h *Handler) ScopeMessages(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	scopeID := chi.URLParam(r, "id")
	limit, ok := queryLimit(rw, r)
	if !ok {
		return
	}

	rows, err := h.eng.FetchScope(r.Context(), scopeID, limit)
	if err != nil {
		rw.EngineError(err)
		return
	}
	if rows == nil {
		rows = []*models.Message{}
	}
	rw.Success(rows)
}

// SubscribeScope switches the realtime channel onto a scope and answers
// with the post-switch status so the UI updates in one round trip.
func (h *Handler) SubscribeScope(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	scopeID := chi.URLParam(r, "id")
	if err := h.eng.Subscribe(r.Context(), scopeID); err != nil {
		rw.EngineError(err)
		return
	}
	rw.Success(h.eng.Status(r.Context()))
}

// UnsubscribeScope detaches the realtime channel if the scope is active.
func (h *Handler) UnsubscribeScope(w http.ResponseWriter, r *http.Request) {
	h.eng.Unsubscribe(chi.URLParam(r, "id"))
	NewResponseWriter(w, r).NoContent()
}

// SendMessage stages an optimistic message and attempts delivery. A
// confirmed delivery answers 201 with the server row; a deferred one
// answers 202 with the pending row, which the outbox will retry.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	var req sendMessageRequest
	if !decodeJSON(rw, r, &req) {
		return
	}

	msg, err := h.eng.SendMessage(r.Context(), engine.SendRequest{
		ScopeID:   req.ScopeID,
		Content:   req.Content,
		Ghost:     req.Ghost,
		Category:  req.Category,
		ParentID:  req.ParentID,
		ImagePath: req.ImagePath,
	})
	if err != nil {
		rw.EngineError(err)
		return
	}
	if msg.DeliveryStatus == models.DeliveryDelivered {
		rw.Created(msg)
		return
	}
	rw.Accepted(msg)
}

// DeleteMessage removes a message locally, and remotely when
// ?everyone=true. A remote delete that cannot reach the backend fails
// whole so the UI never shows a half-applied delete.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "id")
	everyone := r.URL.Query().Get("everyone") == "true"

	if err := h.eng.DeleteMessage(r.Context(), id, everyone); err != nil {
		rw.EngineError(err)
		return
	}
	rw.NoContent()
}

// Wake publishes a lifecycle trigger. The platform shell calls this on
// app resume and on push receipt; the orchestrator coalesces bursts.
func (h *Handler) Wake(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	var req wakeRequest
	if !decodeJSON(rw, r, &req) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "ui"
	}

	sig := bus.WakeSignal{Reason: reason, ScopeID: req.ScopeID, At: time.Now().UTC()}
	if err := h.b.Publish(bus.TopicWake, sig); err != nil {
		rw.InternalError("publish wake signal")
		return
	}
	rw.Accepted(map[string]string{"reason": reason})
}

// Online reports a connectivity flip from the platform.
func (h *Handler) Online(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	var req onlineRequest
	if !decodeJSON(rw, r, &req) {
		return
	}

	sig := bus.OnlineSignal{Online: req.Online, At: time.Now().UTC()}
	if err := h.b.Publish(bus.TopicOnline, sig); err != nil {
		rw.InternalError("publish online signal")
		return
	}
	rw.Accepted(map[string]bool{"online": req.Online})
}

// Events upgrades to WebSocket and attaches the client to the hub,
// which streams status, merge, and drain frames.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		NewResponseWriter(w, r).ServiceUnavailable("event hub not running")
		return
	}

	up := h.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newWSClient(h.hub, conn)
	h.hub.attach(client)
	client.start()
}

func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
}

// checkOrigin admits browserless shells (no Origin header), the
// configured webview origins, and same-host pages. The daemon binds
// loopback, so this guards against hostile local web pages, not the
// open internet.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
		return true
	}
	logging.Warn().Str("origin", origin).Msg("websocket origin rejected")
	return false
}
