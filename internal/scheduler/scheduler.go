// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

// Package scheduler provides the engine's single source of deferred work.
//
// Retry due-times, reconnect ladder steps, debounce windows, and heartbeat
// checks are all scheduled here as keyed due-at tasks in one priority
// queue, driven by one loop. Scheduling an existing key replaces its due
// time, which is what gives debounce and coalescing their semantics.
// Because the only time source is an injectable Clock, timing behavior is
// unit-testable without wall-clock sleeps.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sotto-chat/sotto/internal/logging"
)

// Task is a unit of deferred work. Tasks run on the scheduler loop and
// must return quickly; long work belongs on the caller's own goroutine.
type Task func(now time.Time)

// Scheduler is a keyed due-at task queue driven by a single loop.
type Scheduler struct {
	clock Clock
	log   zerolog.Logger

	mu    sync.Mutex
	tasks *taskHeap

	// wake nudges the loop when the head of the queue changes.
	wake chan struct{}
}

// New creates a scheduler on the given clock.
func New(clock Clock) *Scheduler {
	return &Scheduler{
		clock: clock,
		log:   logging.WithComponent("scheduler"),
		tasks: newTaskHeap(),
		wake:  make(chan struct{}, 1),
	}
}

// Clock returns the clock the scheduler runs on, so collaborators share
// the same time source.
func (s *Scheduler) Clock() Clock {
	return s.clock
}

// Schedule queues task to run at dueAt. If key is already scheduled, its
// due time and task are replaced; timers never stack per key.
func (s *Scheduler) Schedule(key string, dueAt time.Time, task Task) {
	s.mu.Lock()
	s.tasks.push(key, dueAt, task)
	s.mu.Unlock()
	s.nudge()
}

// ScheduleAfter queues task to run after d from now.
func (s *Scheduler) ScheduleAfter(key string, d time.Duration, task Task) {
	s.Schedule(key, s.clock.Now().Add(d), task)
}

// Cancel removes a pending task, reporting whether it was scheduled.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	removed := s.tasks.remove(key)
	s.mu.Unlock()
	if removed {
		s.nudge()
	}
	return removed
}

// DueAt returns the pending due time for key, if scheduled.
func (s *Scheduler) DueAt(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.tasks.get(key); e != nil {
		return e.dueAt, true
	}
	return time.Time{}, false
}

// Len returns the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks.len()
}

// RunDue fires every task due at or before now, in due order, and returns
// how many ran. Tests drive the scheduler with this directly.
func (s *Scheduler) RunDue(now time.Time) int {
	s.mu.Lock()
	due := s.tasks.popDue(now)
	s.mu.Unlock()

	for _, e := range due {
		e.task(now)
	}
	return len(due)
}

// Serve runs the scheduler loop until ctx is canceled. It waits for the
// head-of-queue due time, fires everything due, and re-arms. Implements
// suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.log.Debug().Msg("scheduler loop started")

	for {
		s.mu.Lock()
		head := s.tasks.peek()
		s.mu.Unlock()

		if head == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
				continue
			}
		}

		delay := head.dueAt.Sub(s.clock.Now())
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
				continue
			case <-s.clock.After(delay):
			}
		}

		if n := s.RunDue(s.clock.Now()); n > 0 {
			s.log.Trace().Int("fired", n).Msg("tasks fired")
		}
	}
}

// nudge wakes the loop without blocking when a notification is already
// pending.
func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// String implements fmt.Stringer for supervisor logging.
func (s *Scheduler) String() string {
	return "scheduler"
}
