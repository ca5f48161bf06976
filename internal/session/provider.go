// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/sotto-chat/sotto/internal/config"
	"github.com/sotto-chat/sotto/internal/errs"
	"github.com/sotto-chat/sotto/internal/logging"
	"github.com/sotto-chat/sotto/internal/metrics"
	"github.com/sotto-chat/sotto/internal/models"
	"github.com/sotto-chat/sotto/internal/scheduler"
)

// expiryLookahead treats tokens expiring this soon as already expired, so
// a token is never handed out moments before the backend rejects it.
const expiryLookahead = 30 * time.Second

// FetchFunc obtains a fresh session from the backend, typically through the
// refresh-token grant.
type FetchFunc func(ctx context.Context) (*models.Session, error)

// Provider serves the current session from a short validity-window cache.
// Concurrent callers share one in-flight fetch, and a failed fetch falls
// back to the last known good session instead of failing the caller.
type Provider struct {
	cfg   config.SessionConfig
	fetch FetchFunc
	vault *Vault
	clock scheduler.Clock
	log   zerolog.Logger

	group singleflight.Group

	mu        sync.Mutex
	cached    *models.Session
	fetchedAt time.Time
}

// NewProvider builds a provider. vault may be nil, which disables durable
// token fallback.
func NewProvider(cfg config.SessionConfig, fetch FetchFunc, vault *Vault, clock scheduler.Clock) *Provider {
	return &Provider{
		cfg:   cfg,
		fetch: fetch,
		vault: vault,
		clock: clock,
		log:   logging.WithComponent("session"),
	}
}

// Current returns a usable session. Within the validity window the cached
// session is returned without touching the network.
func (p *Provider) Current(ctx context.Context) (*models.Session, error) {
	now := p.clock.Now()

	p.mu.Lock()
	if p.cached != nil && now.Sub(p.fetchedAt) < p.cfg.CacheValidity && !p.cached.ExpiresWithin(now, expiryLookahead) {
		s := p.cached
		p.mu.Unlock()
		metrics.RecordSessionFetch("cache")
		return s, nil
	}
	p.mu.Unlock()

	return p.refresh(ctx)
}

// Refresh fetches a fresh session regardless of the validity window.
// Concurrent refreshes are still deduplicated.
func (p *Provider) Refresh(ctx context.Context) (*models.Session, error) {
	return p.refresh(ctx)
}

func (p *Provider) refresh(ctx context.Context) (*models.Session, error) {
	v, err, _ := p.group.Do("session", func() (any, error) {
		fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()

		s, err := p.fetch(fctx)
		if err != nil {
			return p.fallback(err)
		}

		fillExpiry(s)
		p.mu.Lock()
		p.cached = s
		p.fetchedAt = p.clock.Now()
		p.mu.Unlock()

		if p.vault != nil {
			if err := p.vault.Save(s); err != nil {
				p.log.Warn().Err(err).Msg("Failed to persist session to vault")
			}
		}
		metrics.RecordSessionFetch("network")
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Session), nil
}

// fallback serves the last known good session when a fetch fails. Order:
// in-memory cache, then the vault. A session past its expiry lookahead is
// not usable as a fallback.
func (p *Provider) fallback(fetchErr error) (*models.Session, error) {
	now := p.clock.Now()

	p.mu.Lock()
	cached := p.cached
	p.mu.Unlock()
	if cached != nil && !cached.ExpiresWithin(now, expiryLookahead) {
		p.log.Warn().Err(fetchErr).Msg("Session fetch failed, serving cached session")
		return cached, nil
	}

	if p.vault != nil {
		stored, err := p.vault.Load()
		if err == nil && !stored.ExpiresWithin(now, expiryLookahead) {
			p.log.Warn().Err(fetchErr).Msg("Session fetch failed, serving vaulted session")
			p.mu.Lock()
			p.cached = stored
			// Leave fetchedAt zero: the next Current call retries the fetch.
			p.fetchedAt = time.Time{}
			p.mu.Unlock()
			metrics.RecordSessionFetch("vault")
			return stored, nil
		}
	}

	return nil, fmt.Errorf("%w: %w", errs.ErrAuthExpired, fetchErr)
}

// Adopt installs a session obtained outside the fetch path, such as a
// password grant, making it the current cached session.
func (p *Provider) Adopt(s *models.Session) {
	fillExpiry(s)
	p.mu.Lock()
	p.cached = s
	p.fetchedAt = p.clock.Now()
	p.mu.Unlock()

	if p.vault != nil {
		if err := p.vault.Save(s); err != nil {
			p.log.Warn().Err(err).Msg("Failed to persist session to vault")
		}
	}
	p.log.Info().Str("user_id", s.UserID).Msg("Session adopted")
}

// Peek returns the cached session without fetching, or nil.
func (p *Provider) Peek() *models.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cached
}

// Invalidate drops the cached session so the next Current call fetches.
// Called when the backend rejects the current token.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.fetchedAt = time.Time{}
	p.mu.Unlock()
	p.log.Debug().Msg("Session cache invalidated")
}

// Reset drops the cache and clears the vault. Used at sign-out.
func (p *Provider) Reset() error {
	p.Invalidate()
	if p.vault == nil {
		return nil
	}
	return p.vault.Clear()
}
