// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router assembles the chi route tree for the loopback surface.
type Router struct {
	handler        *Handler
	mw             *Middleware
	metricsEnabled bool
}

// NewRouter builds a router over the handler set.
func NewRouter(handler *Handler, mw *Middleware, metricsEnabled bool) *Router {
	return &Router{
		handler:        handler,
		mw:             mw,
		metricsEnabled: metricsEnabled,
	}
}

// Routes returns the assembled handler tree.
func (router *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.mw.CORS())

	r.Route("/healthz", func(r chi.Router) {
		r.Use(router.mw.RateLimitHealth())
		r.Get("/", router.handler.Healthz)
	})

	if router.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(router.mw.RateLimit())

		// The event stream is long-lived; per-request metrics and logs
		// would only describe the upgrade, and the wrapped writer would
		// hide http.Hijacker from it, so the route stays bare.
		r.Get("/events", router.handler.Events)

		r.Route("/auth", func(r chi.Router) {
			r.Use(router.mw.RateLimitAuth())
			r.Use(RequestLog)
			r.Use(Instrument)
			r.Post("/signin", router.handler.SignIn)
			r.Post("/signout", router.handler.SignOut)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequestLog)
			r.Use(Instrument)

			r.Get("/status", router.handler.Status)
			r.Get("/scopes", router.handler.Scopes)
			r.Get("/scopes/{id}/messages", router.handler.ScopeMessages)
			r.Post("/scopes/{id}/subscribe", router.handler.SubscribeScope)
			r.Post("/scopes/{id}/unsubscribe", router.handler.UnsubscribeScope)
			r.Post("/messages", router.handler.SendMessage)
			r.Delete("/messages/{id}", router.handler.DeleteMessage)
			r.Post("/wake", router.handler.Wake)
			r.Post("/online", router.handler.Online)
		})
	})

	return r
}
