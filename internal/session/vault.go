// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

// Package session owns the auth session lifecycle: a validity-window cache
// in front of the backend token endpoint, deduplication of concurrent
// fetches, and a durable vault holding the last good tokens so a restarted
// or recreated client can resume without interactive sign-in.
package session

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/sotto-chat/sotto/internal/errs"
	"github.com/sotto-chat/sotto/internal/models"
)

// Vault key for the last-known-good session.
const vaultSessionKey = "session:last_good"

// Vault is a BadgerDB-backed store for the last good session tokens.
type Vault struct {
	db *badger.DB
}

// OpenVault opens (creating if needed) the vault at the given directory.
func OpenVault(path string) (*Vault, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Suppress BadgerDB internal logs
	// Token blobs are tiny; a small value log keeps the vault directory compact.
	opts.ValueLogFileSize = 16 << 20 // 16MB
	// Sync writes: losing the last tokens forces interactive re-auth.
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open session vault: %w", err)
	}
	return &Vault{db: db}, nil
}

// NewVaultFromDB wraps an existing BadgerDB handle. Useful for sharing one
// database across stores and in tests.
func NewVaultFromDB(db *badger.DB) *Vault {
	return &Vault{db: db}
}

// Save persists the session as the last known good one.
func (v *Vault) Save(s *models.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	err = v.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(vaultSessionKey), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Load returns the last saved session, or errs.ErrNotFound.
func (v *Vault) Load() (*models.Session, error) {
	var s models.Session
	err := v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(vaultSessionKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errs.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get session: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &s)
		})
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Clear removes the stored session. Used at sign-out.
func (v *Vault) Clear() error {
	err := v.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(vaultSessionKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (v *Vault) Close() error {
	return v.db.Close()
}
