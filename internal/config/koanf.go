// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, first hit wins.
var DefaultConfigPaths = []string{
	"sotto.yaml",
	"sotto.yml",
	"/etc/sotto/sotto.yaml",
	"/etc/sotto/sotto.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "SOTTO_CONFIG"

// defaultConfig returns a Config with every setting at its default.
// Defaults are applied first, then overridden by file and env layers.
func defaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			URL:            "",
			AnonKey:        "",
			RequestTimeout: 10 * time.Second,
			SendTimeout:    15 * time.Second,
			SendRetries:    3,
			SendRetryDelay: 2 * time.Second,
			StorageBucket:  "attachments",
		},
		Session: SessionConfig{
			CacheValidity: 12 * time.Second,
			FetchTimeout:  3 * time.Second,
			VaultPath:     "/data/sotto/vault",
		},
		Pipeline: PipelineConfig{
			ProbeTimeout:     5 * time.Second,
			SettleDelay:      250 * time.Millisecond,
			BreakerThreshold: 3,
			BreakerCooldown:  30 * time.Second,
			ProbesPerMinute:  6,
		},
		Outbox: OutboxConfig{
			MaxRetries:  5,
			BackoffStep: 30 * time.Second,
			BackoffCap:  5 * time.Minute,
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval:    25 * time.Second,
			SilenceWindow:        60 * time.Second,
			ReconnectBase:        3 * time.Second,
			MaxReconnectSteps:    4,
			DegradedPollInterval: 30 * time.Second,
		},
		Engine: EngineConfig{
			Debounce:     2500 * time.Millisecond,
			CatchupLimit: 500,
		},
		Store: StoreConfig{
			Path:          "/data/sotto/sotto.db",
			EncryptionKey: "",
			BusyTimeout:   5 * time.Second,
		},
		API: APIConfig{
			Addr: "127.0.0.1:8787",
			// Capacitor webviews originate from these schemes
			CORSOrigins:     []string{"capacitor://localhost", "http://localhost"},
			RateLimitReqs:   120,
			RateLimitWindow: time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Maintenance: MaintenanceConfig{
			TombstoneRetention:      30 * 24 * time.Hour,
			SweepInterval:           24 * time.Hour,
			OutboxTerminalRetention: 7 * 24 * time.Hour,
		},
	}
}

// Load loads configuration using koanf with layered sources:
//  1. Defaults: built-in values
//  2. Config file: optional YAML file (if found)
//  3. Environment variables: highest priority
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Env names map to koanf paths through an explicit table; unmapped
	// variables are skipped so ambient environment noise cannot leak in.
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the first file found, or empty string if none exists.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths lists config paths parsed as comma-separated slices
// when they arrive as env strings.
var sliceConfigPaths = []string{
	"api.cors_origins",
}

// processSliceFields converts comma-separated env strings to slices for
// the known slice fields. YAML-sourced slices pass through untouched.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
//
// Examples:
//   - BACKEND_URL -> backend.url
//   - OUTBOX_MAX_RETRIES -> outbox.max_retries
//   - LOG_LEVEL -> logging.level
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Backend mappings
		"backend_url":              "backend.url",
		"backend_anon_key":         "backend.anon_key",
		"backend_request_timeout":  "backend.request_timeout",
		"backend_send_timeout":     "backend.send_timeout",
		"backend_send_retries":     "backend.send_retries",
		"backend_send_retry_delay": "backend.send_retry_delay",
		"backend_storage_bucket":   "backend.storage_bucket",

		// Session mappings
		"session_cache_validity": "session.cache_validity",
		"session_fetch_timeout":  "session.fetch_timeout",
		"session_vault_path":     "session.vault_path",

		// Pipeline mappings
		"pipeline_probe_timeout":     "pipeline.probe_timeout",
		"pipeline_settle_delay":      "pipeline.settle_delay",
		"pipeline_breaker_threshold": "pipeline.breaker_threshold",
		"pipeline_breaker_cooldown":  "pipeline.breaker_cooldown",
		"pipeline_probes_per_minute": "pipeline.probes_per_minute",

		// Outbox mappings
		"outbox_max_retries":  "outbox.max_retries",
		"outbox_backoff_step": "outbox.backoff_step",
		"outbox_backoff_cap":  "outbox.backoff_cap",

		// Realtime mappings
		"realtime_heartbeat_interval":     "realtime.heartbeat_interval",
		"realtime_silence_window":         "realtime.silence_window",
		"realtime_reconnect_base":         "realtime.reconnect_base",
		"realtime_max_reconnect_steps":    "realtime.max_reconnect_steps",
		"realtime_degraded_poll_interval": "realtime.degraded_poll_interval",

		// Engine mappings
		"engine_debounce":      "engine.debounce",
		"engine_catchup_limit": "engine.catchup_limit",

		// Store mappings
		"store_path":           "store.path",
		"store_encryption_key": "store.encryption_key",
		"store_busy_timeout":   "store.busy_timeout",

		// API mappings
		"api_addr":              "api.addr",
		"cors_origins":          "api.cors_origins",
		"api_rate_limit_reqs":   "api.rate_limit_reqs",
		"api_rate_limit_window": "api.rate_limit_window",

		// Metrics mappings
		"metrics_enabled": "metrics.enabled",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",

		// Maintenance mappings
		"tombstone_retention":       "maintenance.tombstone_retention",
		"sweep_interval":            "maintenance.sweep_interval",
		"outbox_terminal_retention": "maintenance.outbox_terminal_retention",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// Unmapped keys are skipped
	return ""
}

// WatchConfigFile sets up a file watcher for hot-reload. The caller is
// responsible for mutex protection when swapping configuration.
func WatchConfigFile(path string, callback func()) error {
	provider := file.Provider(path)

	return provider.Watch(func(event interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	})
}
