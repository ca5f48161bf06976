// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

// Package maintenance runs the periodic housekeeping sweep over the
// local store: expired tombstones are removed once their retention
// window lapses, and delivered or discarded outbox rows are vacuumed
// after their inspection period.
package maintenance

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sotto-chat/sotto/internal/config"
	"github.com/sotto-chat/sotto/internal/logging"
	"github.com/sotto-chat/sotto/internal/scheduler"
	"github.com/sotto-chat/sotto/internal/store"
)

// Sweeper is the background housekeeping service. It sweeps once at
// startup, then on the configured interval.
type Sweeper struct {
	st    *store.Store
	cfg   config.MaintenanceConfig
	clock scheduler.Clock
	log   zerolog.Logger
}

// NewSweeper builds a sweeper over the given store. Zero config values
// fall back to a daily sweep and a week of terminal outbox retention.
func NewSweeper(st *store.Store, cfg config.MaintenanceConfig, clock scheduler.Clock) *Sweeper {
	if clock == nil {
		clock = scheduler.RealClock()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 24 * time.Hour
	}
	if cfg.OutboxTerminalRetention <= 0 {
		cfg.OutboxTerminalRetention = 7 * 24 * time.Hour
	}
	return &Sweeper{
		st:    st,
		cfg:   cfg,
		clock: clock,
		log:   logging.WithComponent("maintenance"),
	}
}

// Serve runs the sweep loop until ctx ends. The startup sweep means a
// daemon that never stays up a full interval still gets housekeeping.
func (s *Sweeper) Serve(ctx context.Context) error {
	s.log.Info().Dur("interval", s.cfg.SweepInterval).Msg("Maintenance sweeper started")

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.cfg.SweepInterval):
			s.sweep(ctx)
		}
	}
}

// sweep runs one housekeeping pass. Failures log and leave the rows
// for the next pass; nothing downstream depends on a sweep finishing.
func (s *Sweeper) sweep(ctx context.Context) (tombstones, outboxRows int64) {
	now := s.clock.Now()

	tombstones, err := s.st.PurgeExpiredTombstones(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("Tombstone purge failed")
	}

	cutoff := now.Add(-s.cfg.OutboxTerminalRetention)
	outboxRows, err = s.st.PurgeTerminalOutbox(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("Outbox vacuum failed")
	}

	if tombstones > 0 || outboxRows > 0 {
		s.log.Info().
			Int64("tombstones", tombstones).
			Int64("outbox_rows", outboxRows).
			Msg("Housekeeping sweep removed expired rows")
	}
	return tombstones, outboxRows
}

// String implements fmt.Stringer for supervisor logging.
func (s *Sweeper) String() string {
	return "maintenance-sweeper"
}
