// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

// Sottod is the local sync daemon behind the Sotto chat UI. It owns the
// backend connection, the durable send outbox, the realtime channel,
// and the message cache, and serves both over a loopback HTTP and
// WebSocket surface. The UI process stays a thin renderer: it reads the
// cache, posts sends, and watches the event stream; every network
// concern lives here.
//
// # Configuration
//
// Configuration is layered: built-in defaults, then an optional YAML
// file, then environment variables. The file is searched at
// ./sotto.yaml and /etc/sotto/sotto.yaml, or wherever SOTTO_CONFIG
// points. Minimal setup:
//
//	SOTTO_BACKEND_URL=https://abc.supabase.co \
//	SOTTO_BACKEND_ANON_KEY=ey... \
//	sottod
//
// # Surface
//
// The daemon binds 127.0.0.1:8787 by default:
//
//	GET  /healthz           liveness
//	GET  /metrics           Prometheus exposition
//	POST /v1/auth/signin    backend sign-in (tokens stay in the daemon)
//	GET  /v1/status         composite connection/channel/outbox snapshot
//	GET  /v1/scopes         cached scope list
//	GET  /v1/scopes/{id}/messages
//	POST /v1/scopes/{id}/subscribe
//	POST /v1/messages       optimistic send
//	POST /v1/wake           lifecycle wake (app resume, push received)
//	POST /v1/online         connectivity hint from the shell
//	GET  /v1/events         WebSocket event stream
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sotto-chat/sotto/internal/api"
	"github.com/sotto-chat/sotto/internal/bus"
	"github.com/sotto-chat/sotto/internal/config"
	"github.com/sotto-chat/sotto/internal/engine"
	"github.com/sotto-chat/sotto/internal/logging"
	"github.com/sotto-chat/sotto/internal/maintenance"
	"github.com/sotto-chat/sotto/internal/merge"
	"github.com/sotto-chat/sotto/internal/outbox"
	"github.com/sotto-chat/sotto/internal/pipeline"
	"github.com/sotto-chat/sotto/internal/realtime"
	"github.com/sotto-chat/sotto/internal/scheduler"
	"github.com/sotto-chat/sotto/internal/session"
	"github.com/sotto-chat/sotto/internal/store"
	"github.com/sotto-chat/sotto/internal/supervisor"
	"github.com/sotto-chat/sotto/internal/supervisor/services"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().Msg("Starting sottod with supervisor tree")
	logging.Info().
		Str("backend_url", cfg.Backend.URL).
		Str("db_path", cfg.Store.Path).
		Str("api_addr", cfg.API.Addr).
		Msg("Configuration loaded")

	st, err := store.New(cfg.Store)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()
	if err := st.Ready(context.Background()); err != nil {
		logging.Fatal().Err(err).Msg("Failed to open store")
	}
	logging.Info().Msg("Store ready")

	vault, err := session.OpenVault(cfg.Session.VaultPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open session vault")
	}
	defer func() {
		if err := vault.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing session vault")
		}
	}()

	// The scheduler's clock is the single time source; every component
	// that defers work shares it.
	clock := scheduler.RealClock()
	sched := scheduler.New(clock)

	pipe := pipeline.New(cfg.Pipeline, cfg.Backend, cfg.Session, vault, clock)
	merger := merge.New(st, cfg.Maintenance, clock)

	// The outbox sends through the pipeline and the pipeline defers
	// failed sends to the outbox, hence the two-step wiring.
	queue := outbox.New(cfg.Outbox, st, pipe, merger, pipe, sched, clock)
	pipe.SetOutbox(queue)

	channel := realtime.New(cfg.Realtime, pipe, merger, sched)
	defer channel.Close()

	b, err := bus.New()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create signal bus")
	}
	defer func() {
		if err := b.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing signal bus")
		}
	}()

	eng := engine.New(cfg.Engine, cfg.Realtime, pipe, channel, queue, merger, st, b, sched)

	hub := api.NewHub(b)
	handler := api.NewHandler(eng, b, hub, cfg.API)
	router := api.NewRouter(handler, api.NewMiddleware(cfg.API), cfg.Metrics.Enabled)
	server := api.NewServer(cfg.API, router.Routes())

	sweeper := maintenance.NewSweeper(st, cfg.Maintenance, clock)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bridge zerolog to slog for sutureslog
	tree, err := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	tree.AddDataService(sweeper)
	tree.AddMessagingService(b)
	tree.AddMessagingService(sched)
	tree.AddMessagingService(hub)
	tree.AddMessagingService(services.NewEngineService(eng))
	tree.AddAPIService(server)
	logging.Info().Str("addr", cfg.API.Addr).Msg("Services added to supervisor tree")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Drain the error channel; it closes when the supervisor finishes.
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Daemon stopped gracefully")
}
