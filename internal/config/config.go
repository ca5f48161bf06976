// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"time"
)

// Config holds all daemon configuration, loaded in layers:
//
//  1. Defaults: built-in values for every setting
//  2. Config file: optional YAML file (sotto.yaml)
//  3. Environment variables: override any setting
//
// Config is immutable after Load() and safe for concurrent reads.
type Config struct {
	Backend     BackendConfig     `koanf:"backend"`
	Session     SessionConfig     `koanf:"session"`
	Pipeline    PipelineConfig    `koanf:"pipeline"`
	Outbox      OutboxConfig      `koanf:"outbox"`
	Realtime    RealtimeConfig    `koanf:"realtime"`
	Engine      EngineConfig      `koanf:"engine"`
	Store       StoreConfig       `koanf:"store"`
	API         APIConfig         `koanf:"api"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Logging     LoggingConfig     `koanf:"logging"`
	Maintenance MaintenanceConfig `koanf:"maintenance"`
}

// BackendConfig holds the hosted backend connection settings.
//
// Environment Variables:
//   - BACKEND_URL: base URL of the backend (e.g. https://abc.supabase.co)
//   - BACKEND_ANON_KEY: public API key sent with every request
type BackendConfig struct {
	URL     string `koanf:"url"`
	AnonKey string `koanf:"anon_key"`

	// RequestTimeout bounds ordinary REST calls (queries, deletes).
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// SendTimeout bounds one direct message-send attempt.
	SendTimeout time.Duration `koanf:"send_timeout"`

	// SendRetries is the number of direct-send attempts before the write
	// is handed to the outbox.
	SendRetries int `koanf:"send_retries"`

	// SendRetryDelay is the fixed pause between direct-send attempts.
	SendRetryDelay time.Duration `koanf:"send_retry_delay"`

	// StorageBucket receives uploaded message attachments.
	StorageBucket string `koanf:"storage_bucket"`
}

// SessionConfig controls the session cache and token vault.
type SessionConfig struct {
	// CacheValidity is how long a fetched session is served without a
	// fresh fetch. Concurrent fetches inside the window are deduplicated.
	CacheValidity time.Duration `koanf:"cache_validity"`

	// FetchTimeout bounds one session fetch against the backend.
	FetchTimeout time.Duration `koanf:"fetch_timeout"`

	// VaultPath is the badger directory holding last-known tokens so a
	// recreated client can resume without re-auth.
	VaultPath string `koanf:"vault_path"`
}

// PipelineConfig controls the backend client lifecycle.
type PipelineConfig struct {
	// ProbeTimeout bounds one corruption probe.
	ProbeTimeout time.Duration `koanf:"probe_timeout"`

	// SettleDelay is the pause between dropping a corrupted client and
	// re-initializing, letting in-flight socket teardown finish.
	SettleDelay time.Duration `koanf:"settle_delay"`

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit and allows a hard recreation.
	BreakerThreshold int `koanf:"breaker_threshold"`

	// BreakerCooldown is how long the open circuit fails fast before
	// allowing a trial request.
	BreakerCooldown time.Duration `koanf:"breaker_cooldown"`

	// ProbesPerMinute paces health probes so repeated health checks
	// cannot hammer the backend.
	ProbesPerMinute int `koanf:"probes_per_minute"`
}

// OutboxConfig controls durable send retry behavior.
type OutboxConfig struct {
	// MaxRetries is the attempt count after which an item is discarded
	// and its message marked failed.
	MaxRetries int `koanf:"max_retries"`

	// BackoffStep scales the retry delay: retryCount * BackoffStep,
	// capped at BackoffCap.
	BackoffStep time.Duration `koanf:"backoff_step"`
	BackoffCap  time.Duration `koanf:"backoff_cap"`
}

// RealtimeConfig controls the push subscription and its recovery.
type RealtimeConfig struct {
	// HeartbeatInterval is the phoenix heartbeat cadence on the socket.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	// SilenceWindow is how long a subscribed channel may go without any
	// event before it is treated as degraded.
	SilenceWindow time.Duration `koanf:"silence_window"`

	// ReconnectBase is the first rung of the reconnect ladder; each rung
	// doubles. After MaxReconnectSteps rungs the manager escalates to a
	// hard client recreation.
	ReconnectBase     time.Duration `koanf:"reconnect_base"`
	MaxReconnectSteps int           `koanf:"max_reconnect_steps"`

	// DegradedPollInterval is the reconciliation pull cadence while the
	// channel is degraded.
	DegradedPollInterval time.Duration `koanf:"degraded_poll_interval"`
}

// EngineConfig controls the lifecycle orchestrator.
type EngineConfig struct {
	// Debounce coalesces wake triggers arriving while a run is active or
	// recently finished.
	Debounce time.Duration `koanf:"debounce"`

	// CatchupLimit bounds one catch-up pull to this many rows per scope.
	CatchupLimit int `koanf:"catchup_limit"`
}

// StoreConfig holds the embedded relational store settings.
type StoreConfig struct {
	// Path of the sqlite database file. ":memory:" is accepted for tests.
	Path string `koanf:"path"`

	// EncryptionKey is a hex-encoded 32-byte key. When set, message
	// content is sealed at rest; when empty, content is stored in the
	// clear.
	EncryptionKey string `koanf:"encryption_key"`

	// BusyTimeout is passed to sqlite for lock contention.
	BusyTimeout time.Duration `koanf:"busy_timeout"`
}

// APIConfig holds the loopback UI surface settings.
type APIConfig struct {
	Addr        string   `koanf:"addr"`
	CORSOrigins []string `koanf:"cors_origins"`

	// RateLimitReqs requests per RateLimitWindow per client IP.
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// MaintenanceConfig controls background housekeeping.
type MaintenanceConfig struct {
	// TombstoneRetention is how long local-delete markers are kept before
	// the sweeper removes them.
	TombstoneRetention time.Duration `koanf:"tombstone_retention"`

	// SweepInterval is the housekeeping cadence.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// OutboxTerminalRetention is how long delivered or discarded outbox
	// rows are kept for inspection before vacuuming.
	OutboxTerminalRetention time.Duration `koanf:"outbox_terminal_retention"`
}

// Validate checks that required configuration is present and valid.
func (c *Config) Validate() error {
	if err := c.validateBackend(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateOutbox(); err != nil {
		return err
	}
	if err := c.validateRealtime(); err != nil {
		return err
	}
	if err := c.validateAPI(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateBackend() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	if err := validateHTTPURL(c.Backend.URL, "BACKEND_URL"); err != nil {
		return err
	}
	if c.Backend.AnonKey == "" {
		return fmt.Errorf("BACKEND_ANON_KEY is required")
	}
	if c.Backend.SendRetries < 1 {
		return fmt.Errorf("BACKEND_SEND_RETRIES must be at least 1, got %d", c.Backend.SendRetries)
	}
	if c.Backend.SendTimeout <= 0 {
		return fmt.Errorf("BACKEND_SEND_TIMEOUT must be positive, got %s", c.Backend.SendTimeout)
	}
	return nil
}

func (c *Config) validateStore() error {
	if c.Store.Path == "" {
		return fmt.Errorf("STORE_PATH is required")
	}
	if c.Store.EncryptionKey != "" {
		raw, err := hex.DecodeString(c.Store.EncryptionKey)
		if err != nil {
			return fmt.Errorf("STORE_ENCRYPTION_KEY must be hex encoded: %w", err)
		}
		if len(raw) != 32 {
			return fmt.Errorf("STORE_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(raw))
		}
	}
	return nil
}

func (c *Config) validateOutbox() error {
	if c.Outbox.MaxRetries < 1 {
		return fmt.Errorf("OUTBOX_MAX_RETRIES must be at least 1, got %d", c.Outbox.MaxRetries)
	}
	if c.Outbox.BackoffStep <= 0 {
		return fmt.Errorf("OUTBOX_BACKOFF_STEP must be positive, got %s", c.Outbox.BackoffStep)
	}
	if c.Outbox.BackoffCap < c.Outbox.BackoffStep {
		return fmt.Errorf("OUTBOX_BACKOFF_CAP (%s) must be at least OUTBOX_BACKOFF_STEP (%s)",
			c.Outbox.BackoffCap, c.Outbox.BackoffStep)
	}
	return nil
}

func (c *Config) validateRealtime() error {
	if c.Realtime.MaxReconnectSteps < 1 {
		return fmt.Errorf("REALTIME_MAX_RECONNECT_STEPS must be at least 1, got %d", c.Realtime.MaxReconnectSteps)
	}
	if c.Realtime.ReconnectBase <= 0 {
		return fmt.Errorf("REALTIME_RECONNECT_BASE must be positive, got %s", c.Realtime.ReconnectBase)
	}
	return nil
}

func (c *Config) validateAPI() error {
	if c.API.Addr == "" {
		return fmt.Errorf("API_ADDR is required")
	}
	if _, _, err := net.SplitHostPort(c.API.Addr); err != nil {
		return fmt.Errorf("API_ADDR must be host:port: %w", err)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of trace/debug/info/warn/error/fatal/panic/disabled, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
