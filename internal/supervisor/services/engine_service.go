// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

// Package services adapts component lifecycles to suture's Serve
// contract. Components whose Serve(ctx) already blocks until done
// (bus, scheduler, hub, HTTP server, sweeper) are added to the tree
// directly; wrappers here exist for the Start/Close shaped ones.
package services

import (
	"context"
	"fmt"
)

// StartCloser matches the sync engine's lifecycle. The interface keeps
// this package free of an engine import.
type StartCloser interface {
	Start(ctx context.Context) error
	Close()
}

// EngineService runs the sync engine under supervision.
//
// It adapts the Start/Close lifecycle to suture's Serve pattern:
//  1. Start(ctx) verifies the store and kicks the first lifecycle pass
//  2. Serve blocks until the context is canceled
//  3. Close detaches the engine from its collaborators
//
// A failed Start (store not ready) returns the error so suture retries
// with backoff; Close only runs on shutdown, so a supervised restart
// never revives a closed engine.
type EngineService struct {
	engine StartCloser
	name   string
}

// NewEngineService creates an engine service wrapper.
func NewEngineService(engine StartCloser) *EngineService {
	return &EngineService{
		engine: engine,
		name:   "sync-engine",
	}
}

// Serve implements suture.Service.
func (s *EngineService) Serve(ctx context.Context) error {
	if err := s.engine.Start(ctx); err != nil {
		return fmt.Errorf("engine start failed: %w", err)
	}

	<-ctx.Done()

	s.engine.Close()
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logging.
func (s *EngineService) String() string {
	return s.name
}
