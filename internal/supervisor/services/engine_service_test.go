// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeEngine struct {
	started  atomic.Bool
	closed   atomic.Bool
	startErr error
}

func (f *fakeEngine) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started.Store(true)
	return nil
}

func (f *fakeEngine) Close() {
	f.closed.Store(true)
}

func TestEngineServiceLifecycle(t *testing.T) {
	eng := &fakeEngine{}
	svc := NewEngineService(eng)

	if svc.String() != "sync-engine" {
		t.Errorf("String() = %s, want sync-engine", svc.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !eng.started.Load() {
		if time.Now().After(deadline) {
			t.Fatal("engine never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if eng.closed.Load() {
		t.Fatal("engine closed while serving")
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if !eng.closed.Load() {
		t.Error("engine not closed on shutdown")
	}
}

func TestEngineServiceStartFailure(t *testing.T) {
	boom := errors.New("store not ready")
	eng := &fakeEngine{startErr: boom}
	svc := NewEngineService(eng)

	err := svc.Serve(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Serve returned %v, want wrapped start error", err)
	}
	if eng.closed.Load() {
		t.Error("engine closed despite failed start")
	}
}
