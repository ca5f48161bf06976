// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

// Package store persists the local-first cache: messages, outbox items,
// tombstones, sync cursors and known scopes, all in a single sqlite file.
//
// The store opens lazily: New validates configuration only, and the first
// call to Ready (or any data access) opens the database, applies versioned
// migrations and runs crash recovery. Message content is sealed at rest
// with XChaCha20-Poly1305 when an encryption key is configured.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rs/zerolog"

	"github.com/sotto-chat/sotto/internal/config"
	"github.com/sotto-chat/sotto/internal/errs"
	"github.com/sotto-chat/sotto/internal/logging"
	"github.com/sotto-chat/sotto/internal/models"
)

// schemaTimeout bounds migration and recovery statements at open time.
const schemaTimeout = 30 * time.Second

// Store wraps the sqlite connection and provides data access methods.
type Store struct {
	cfg    config.StoreConfig
	log    zerolog.Logger
	sealer *sealer

	mu     sync.Mutex
	db     *sql.DB
	ready  bool
	closed bool
}

// New creates an unopened store. The encryption key is parsed eagerly so a
// misconfigured key fails at startup rather than on the first write.
func New(cfg config.StoreConfig) (*Store, error) {
	s := &Store{
		cfg: cfg,
		log: logging.WithComponent("store"),
	}
	if cfg.EncryptionKey != "" {
		sl, err := newSealer(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize content sealer: %w", err)
		}
		s.sealer = sl
	}
	return s, nil
}

// Ready opens the database and applies migrations if that has not happened
// yet. It is safe to call concurrently; later calls are cheap.
func (s *Store) Ready(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyLocked(ctx)
}

func (s *Store) readyLocked(ctx context.Context) error {
	if s.closed {
		return errs.ErrStoreClosed
	}
	if s.ready {
		return nil
	}

	if err := s.openLocked(); err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, schemaTimeout)
	defer cancel()

	if err := s.runMigrations(sctx); err != nil {
		s.db.Close()
		s.db = nil
		return fmt.Errorf("failed to migrate store: %w", err)
	}
	if err := s.recoverLocked(sctx); err != nil {
		s.db.Close()
		s.db = nil
		return fmt.Errorf("failed to recover store: %w", err)
	}

	s.ready = true
	s.log.Debug().Str("path", s.cfg.Path).Msg("Store ready")
	return nil
}

func (s *Store) openLocked() error {
	// Ensure the parent directory exists for file-backed databases.
	// Use 0750 permissions (owner: rwx, group: rx, other: none) per gosec G301.
	if s.cfg.Path != ":memory:" {
		dbDir := filepath.Dir(s.cfg.Path)
		if dbDir != "" && dbDir != "." {
			if err := os.MkdirAll(dbDir, 0o750); err != nil {
				return fmt.Errorf("failed to create store directory %s: %w", dbDir, err)
			}
		}
	}

	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	// A single connection keeps :memory: databases coherent (each new
	// connection would otherwise see a fresh empty database) and serializes
	// writers so drains never trip SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s.db = db
	return nil
}

// dsn builds the modernc.org/sqlite connection string with pragmas applied
// on every new connection.
func (s *Store) dsn() string {
	busyMillis := int64(5000)
	if s.cfg.BusyTimeout > 0 {
		busyMillis = s.cfg.BusyTimeout.Milliseconds()
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyMillis))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")

	path := s.cfg.Path
	if path == ":memory:" {
		return "file::memory:?" + q.Encode()
	}
	return "file:" + path + "?" + q.Encode()
}

// recoverLocked reverts work interrupted by a crash. Items claimed by a
// drain pass that never finished go back to queued so they are retried.
func (s *Store) recoverLocked(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, updated_at = ? WHERE status = ?`,
		models.OutboxQueued, time.Now().UTC(), models.OutboxSending)
	if err != nil {
		return fmt.Errorf("failed to requeue interrupted sends: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.log.Info().Int64("items", n).Msg("Requeued outbox items interrupted by shutdown")
	}
	return nil
}

// conn returns the live database handle, opening the store on first use.
func (s *Store) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(ctx); err != nil {
		return nil, err
	}
	return s.db, nil
}

// Close releases the database handle. The store cannot be reopened.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
