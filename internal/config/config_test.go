// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package config

import (
	"strings"
	"testing"
	"time"
)

// validConfig returns a config that passes Validate, for mutation in tests.
func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Backend.URL = "https://example.supabase.co"
	cfg.Backend.AnonKey = "anon-key"
	return cfg
}

// TestDefaultsMatchDocumentedBehavior pins the defaults the engine's timing
// semantics depend on.
func TestDefaultsMatchDocumentedBehavior(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Session.CacheValidity != 12*time.Second {
		t.Errorf("session cache validity = %s, want 12s", cfg.Session.CacheValidity)
	}
	if cfg.Session.FetchTimeout != 3*time.Second {
		t.Errorf("session fetch timeout = %s, want 3s", cfg.Session.FetchTimeout)
	}
	if cfg.Backend.SendTimeout != 15*time.Second {
		t.Errorf("send timeout = %s, want 15s", cfg.Backend.SendTimeout)
	}
	if cfg.Pipeline.ProbeTimeout != 5*time.Second {
		t.Errorf("probe timeout = %s, want 5s", cfg.Pipeline.ProbeTimeout)
	}
	if cfg.Pipeline.BreakerThreshold != 3 {
		t.Errorf("breaker threshold = %d, want 3", cfg.Pipeline.BreakerThreshold)
	}
	if cfg.Outbox.MaxRetries != 5 {
		t.Errorf("outbox max retries = %d, want 5", cfg.Outbox.MaxRetries)
	}
	if cfg.Outbox.BackoffStep != 30*time.Second {
		t.Errorf("outbox backoff step = %s, want 30s", cfg.Outbox.BackoffStep)
	}
	if cfg.Outbox.BackoffCap != 5*time.Minute {
		t.Errorf("outbox backoff cap = %s, want 5m", cfg.Outbox.BackoffCap)
	}
	if cfg.Realtime.ReconnectBase != 3*time.Second {
		t.Errorf("reconnect base = %s, want 3s", cfg.Realtime.ReconnectBase)
	}
	if cfg.Realtime.MaxReconnectSteps != 4 {
		t.Errorf("max reconnect steps = %d, want 4", cfg.Realtime.MaxReconnectSteps)
	}
	if cfg.Engine.Debounce != 2500*time.Millisecond {
		t.Errorf("engine debounce = %s, want 2.5s", cfg.Engine.Debounce)
	}
	if cfg.Maintenance.TombstoneRetention != 30*24*time.Hour {
		t.Errorf("tombstone retention = %s, want 720h", cfg.Maintenance.TombstoneRetention)
	}
}

// TestValidateRequiresBackend verifies backend URL and key are mandatory.
func TestValidateRequiresBackend(t *testing.T) {
	cfg := validConfig()
	cfg.Backend.URL = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "BACKEND_URL") {
		t.Errorf("expected BACKEND_URL error, got %v", err)
	}

	cfg = validConfig()
	cfg.Backend.AnonKey = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "BACKEND_ANON_KEY") {
		t.Errorf("expected BACKEND_ANON_KEY error, got %v", err)
	}
}

// TestValidateRejectsBadURLs verifies URL shape checking.
func TestValidateRejectsBadURLs(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"bad scheme", "ftp://example.com"},
		{"with path", "https://example.com/rest/v1"},
		{"with query", "https://example.com?x=1"},
		{"no host", "https://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Backend.URL = tt.url
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for URL %q", tt.url)
			}
		})
	}
}

// TestValidateEncryptionKey verifies the at-rest key must be 32 hex bytes.
func TestValidateEncryptionKey(t *testing.T) {
	cfg := validConfig()
	cfg.Store.EncryptionKey = "not-hex"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "hex") {
		t.Errorf("expected hex error, got %v", err)
	}

	cfg = validConfig()
	cfg.Store.EncryptionKey = "deadbeef" // 4 bytes, too short
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "32 bytes") {
		t.Errorf("expected length error, got %v", err)
	}

	cfg = validConfig()
	cfg.Store.EncryptionKey = strings.Repeat("ab", 32)
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected 32-byte hex key to validate, got %v", err)
	}
}

// TestValidateOutboxBounds verifies retry and backoff constraints.
func TestValidateOutboxBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Outbox.MaxRetries = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero max retries")
	}

	cfg = validConfig()
	cfg.Outbox.BackoffCap = time.Second
	cfg.Outbox.BackoffStep = time.Minute
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for cap below step")
	}
}

// TestEnvTransformFunc verifies the explicit env mapping table.
func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"BACKEND_URL", "backend.url"},
		{"BACKEND_ANON_KEY", "backend.anon_key"},
		{"OUTBOX_MAX_RETRIES", "outbox.max_retries"},
		{"REALTIME_RECONNECT_BASE", "realtime.reconnect_base"},
		{"STORE_ENCRYPTION_KEY", "store.encryption_key"},
		{"LOG_LEVEL", "logging.level"},
		{"CORS_ORIGINS", "api.cors_origins"},
		{"PATH", ""},
		{"RANDOM_UNRELATED_VAR", ""},
	}

	for _, tt := range tests {
		if got := envTransformFunc(tt.env); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.env, got, tt.want)
		}
	}
}

// TestEnvOverridesDefaults verifies the env layer wins over defaults.
func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("BACKEND_URL", "https://env.supabase.co")
	t.Setenv("BACKEND_ANON_KEY", "env-anon")
	t.Setenv("OUTBOX_MAX_RETRIES", "7")
	t.Setenv("CORS_ORIGINS", "capacitor://localhost, https://app.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Backend.URL != "https://env.supabase.co" {
		t.Errorf("backend URL = %q, want env value", cfg.Backend.URL)
	}
	if cfg.Outbox.MaxRetries != 7 {
		t.Errorf("outbox max retries = %d, want 7", cfg.Outbox.MaxRetries)
	}
	wantOrigins := []string{"capacitor://localhost", "https://app.example.com"}
	if len(cfg.API.CORSOrigins) != len(wantOrigins) {
		t.Fatalf("cors origins = %v, want %v", cfg.API.CORSOrigins, wantOrigins)
	}
	for i, o := range wantOrigins {
		if cfg.API.CORSOrigins[i] != o {
			t.Errorf("cors origin[%d] = %q, want %q", i, cfg.API.CORSOrigins[i], o)
		}
	}
}
