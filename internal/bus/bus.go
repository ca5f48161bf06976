// Sotto - Offline-First Group Chat Sync Engine
// Copyright 2026 Sotto Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sotto-chat/sotto

// Package bus is the in-process event fabric between the engine's
// producers and consumers: wake triggers flow in from the API surface
// and the outbox, status and merge deltas flow out to the UI hub. It is
// a watermill gochannel pub/sub behind a router with panic recovery and
// bounded redelivery, so a misbehaving handler cannot take the daemon
// down or silently eat a signal.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/sotto-chat/sotto/internal/logging"
)

// Topics. Delivery is at-most-once and subscriber-scoped: signals
// published before the bus is running are dropped, so the supervisor
// starts the bus before anything that publishes.
const (
	// TopicWake carries lifecycle triggers into the orchestrator.
	TopicWake = "lifecycle.wake"

	// TopicOnline carries connectivity flips from the platform.
	TopicOnline = "network.online"

	// TopicDrain carries outbox drain summaries.
	TopicDrain = "outbox.drain"

	// TopicStatus carries engine status snapshots to the UI hub.
	TopicStatus = "sync.status"

	// TopicMerge carries per-scope cache deltas to the UI hub.
	TopicMerge = "cache.merge"
)

const (
	closeTimeout     = 5 * time.Second
	retryMaxRetries  = 3
	retryInitial     = 50 * time.Millisecond
	retryMax         = time.Second
	retryMultiplier  = 2.0
	subscriberBuffer = 256
)

// WakeSignal asks the orchestrator for a run. ScopeID is an optional
// hint; a push wake for one scope pulls that scope first.
type WakeSignal struct {
	Reason  string    `json:"reason"`
	ScopeID string    `json:"scope_id,omitempty"`
	At      time.Time `json:"at"`
}

// OnlineSignal reports a connectivity flip.
type OnlineSignal struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// DrainSignal summarizes one outbox drain pass.
type DrainSignal struct {
	Trigger   string    `json:"trigger"`
	Attempted int       `json:"attempted"`
	Delivered int       `json:"delivered"`
	Requeued  int       `json:"requeued"`
	Discarded int       `json:"discarded"`
	At        time.Time `json:"at"`
}

// StatusSignal is the engine's composite condition, pushed after every
// orchestration run and on connection transitions.
type StatusSignal struct {
	Connection  string    `json:"connection"`
	Channel     string    `json:"channel"`
	Scope       string    `json:"scope,omitempty"`
	Degraded    bool      `json:"degraded"`
	OutboxDepth int       `json:"outbox_depth"`
	Generation  int64     `json:"generation"`
	At          time.Time `json:"at"`
}

// MergeSignal reports rows that changed in one scope's cache.
type MergeSignal struct {
	ScopeID    string    `json:"scope_id"`
	Inserted   int       `json:"inserted"`
	Updated    int       `json:"updated"`
	Reconciled int       `json:"reconciled"`
	Suppressed int       `json:"suppressed"`
	At         time.Time `json:"at"`
}

// Bus wires publishers and handlers over one gochannel transport.
type Bus struct {
	pubsub *gochannel.GoChannel
	router *message.Router
	log    zerolog.Logger
}

// New builds the bus. Handlers are registered with Handle before Serve
// starts the router.
func New() (*Bus, error) {
	log := logging.WithComponent("bus")
	wmLog := loggerAdapter{log: log}

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: subscriberBuffer,
	}, wmLog)

	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: closeTimeout,
	}, wmLog)
	if err != nil {
		return nil, fmt.Errorf("create bus router: %w", err)
	}

	router.AddMiddleware(middleware.Recoverer)
	retry := middleware.Retry{
		MaxRetries:      retryMaxRetries,
		InitialInterval: retryInitial,
		MaxInterval:     retryMax,
		Multiplier:      retryMultiplier,
		Logger:          wmLog,
	}
	router.AddMiddleware(retry.Middleware)

	return &Bus{
		pubsub: pubsub,
		router: router,
		log:    log,
	}, nil
}

// Handle registers a consumer for topic. Must be called before Serve.
// The handler's error triggers bounded redelivery; a handler that keeps
// failing drops the signal with a logged error rather than wedging the
// topic.
func (b *Bus) Handle(name, topic string, fn func(ctx context.Context, payload []byte) error) {
	b.router.AddNoPublisherHandler(name, topic, b.pubsub, func(msg *message.Message) error {
		return fn(msg.Context(), msg.Payload)
	})
}

// Publish marshals v and publishes it on topic. Signals to topics with
// no live subscriber are dropped; that is the desired shape for wake
// coalescing, not a fault.
func (b *Bus) Publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s signal: %w", topic, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a raw subscription for consumers that manage their own
// loop, such as the UI hub's fan-out. The channel closes when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

// Serve runs the router until ctx is canceled. It satisfies the
// supervisor's service contract.
func (b *Bus) Serve(ctx context.Context) error {
	return b.router.Run(ctx)
}

// Running closes once the router is consuming. Publishers start after
// this point or their signals go nowhere.
func (b *Bus) Running() <-chan struct{} {
	return b.router.Running()
}

// Close shuts the transport down after the router has stopped.
func (b *Bus) Close() error {
	if err := b.router.Close(); err != nil {
		return err
	}
	return b.pubsub.Close()
}

func (b *Bus) String() string {
	return "bus"
}

// Decode unmarshals a signal payload.
func Decode[T any](payload []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode bus signal: %w", err)
	}
	return &v, nil
}

// loggerAdapter bridges watermill's logging onto zerolog.
type loggerAdapter struct {
	log zerolog.Logger
}

func (a loggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.emit(a.log.Error().Err(err), msg, fields)
}

func (a loggerAdapter) Info(msg string, fields watermill.LogFields) {
	a.emit(a.log.Debug(), msg, fields)
}

func (a loggerAdapter) Debug(msg string, fields watermill.LogFields) {
	a.emit(a.log.Trace(), msg, fields)
}

func (a loggerAdapter) Trace(msg string, fields watermill.LogFields) {
	a.emit(a.log.Trace(), msg, fields)
}

func (a loggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := a.log.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return loggerAdapter{log: ctx.Logger()}
}

func (a loggerAdapter) emit(e *zerolog.Event, msg string, fields watermill.LogFields) {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}
