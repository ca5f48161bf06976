// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/sotto-chat/sotto/internal/config"
	"github.com/sotto-chat/sotto/internal/logging"
	"github.com/sotto-chat/sotto/internal/metrics"
)

const (
	defaultRateLimitReqs   = 240
	defaultRateLimitWindow = time.Minute

	// Auth attempts are limited hard regardless of the default limit.
	authRateLimitReqs   = 5
	authRateLimitWindow = time.Minute

	// Health checks poll frequently; give them headroom.
	healthRateLimitReqs = 1000
)

// Middleware builds the chi middleware stack from config. The daemon
// listens on loopback, but the webview UI still sends an Origin header,
// so CORS stays real rather than wildcarded.
type Middleware struct {
	corsHandler func(http.Handler) http.Handler
	limitReqs   int
	limitWindow time.Duration
}

// NewMiddleware derives the middleware set from the API config.
func NewMiddleware(cfg config.APIConfig) *Middleware {
	reqs := cfg.RateLimitReqs
	if reqs <= 0 {
		reqs = defaultRateLimitReqs
	}
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = defaultRateLimitWindow
	}

	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           86400,
	})

	return &Middleware{
		corsHandler: corsHandler,
		limitReqs:   reqs,
		limitWindow: window,
	}
}

// CORS handles preflight and origin checks for the webview.
func (m *Middleware) CORS() func(http.Handler) http.Handler {
	return m.corsHandler
}

// RateLimit is the default per-IP limit for API routes.
func (m *Middleware) RateLimit() func(http.Handler) http.Handler {
	return httprate.Limit(
		m.limitReqs,
		m.limitWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
	)
}

// RateLimitAuth is the strict limit for credential endpoints.
func (m *Middleware) RateLimitAuth() func(http.Handler) http.Handler {
	return httprate.LimitByIP(authRateLimitReqs, authRateLimitWindow)
}

// RateLimitHealth is the permissive limit for liveness probes.
func (m *Middleware) RateLimitHealth() func(http.Handler) http.Handler {
	return httprate.LimitByIP(healthRateLimitReqs, time.Minute)
}

// Instrument records request counts and latencies per route pattern.
// The chi pattern is resolved after the handler runs so parameterized
// paths collapse into one series instead of one per scope ID.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		metrics.RecordAPIRequest(r.Method, endpoint, ww.statusCode, time.Since(start))
	})
}

// RequestLog writes one structured line per completed request. Routine
// traffic logs at debug so the journal stays quiet while the webview
// polls; server errors are promoted to warn.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}

		evt := logging.Debug()
		if ww.statusCode >= http.StatusInternalServerError {
			evt = logging.Warn()
		}
		evt.
			Str("component", "api").
			Str("method", r.Method).
			Str("path", endpoint).
			Int("status", ww.statusCode).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("Request completed")
	})
}

// statusWriter captures the status code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
