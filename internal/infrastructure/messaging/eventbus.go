// Package messaging carries work and events in and out of the badge engine:
// the in-process event bus, the evaluation trigger queue and the dispatcher
// that feeds triggers to the engine.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/campusflow/attendance-engine/internal/domain/shared"
	"github.com/campusflow/attendance-engine/pkg/logger"
)

// ErrEventBusClosed is returned by Publish and Subscribe after Close.
var ErrEventBusClosed = errors.New("messaging: event bus is closed")

// Handler consumes one event.
type Handler func(ctx context.Context, event shared.Event) error

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// EventBus fans events out to in-process subscribers. Handlers run
// synchronously in subscription order; a failing or panicking handler is
// logged and does not stop the others.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[shared.EventType][]namedHandler
	allHandlers []namedHandler
	closed      bool
	log         zerolog.Logger
}

type namedHandler struct {
	name string
	fn   Handler
}

var _ shared.EventPublisher = (*EventBus)(nil)

// NewEventBus creates an empty bus.
func NewEventBus(log zerolog.Logger) *EventBus {
	return &EventBus{
		handlers: make(map[shared.EventType][]namedHandler),
		log:      logger.Component(log, "event_bus"),
	}
}

// Subscribe registers a handler for one event type.
func (b *EventBus) Subscribe(eventType shared.EventType, name string, h Handler) error {
	if h == nil {
		return errors.New("handler cannot be nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrEventBusClosed
	}
	b.handlers[eventType] = append(b.handlers[eventType], namedHandler{name: name, fn: h})
	return nil
}

// SubscribeAll registers a handler for every event type.
func (b *EventBus) SubscribeAll(name string, h Handler) error {
	if h == nil {
		return errors.New("handler cannot be nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrEventBusClosed
	}
	b.allHandlers = append(b.allHandlers, namedHandler{name: name, fn: h})
	return nil
}

// Forward subscribes another publisher, such as the Redis publisher, to every
// event.
func (b *EventBus) Forward(name string, p shared.EventPublisher) error {
	return b.SubscribeAll(name, p.Publish)
}

// Publish delivers event to its subscribers. It returns the joined handler
// errors so callers may log them; delivery to the remaining handlers is not
// affected by a failure.
func (b *EventBus) Publish(ctx context.Context, event shared.Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	targets := make([]namedHandler, 0, len(b.handlers[event.EventType()])+len(b.allHandlers))
	targets = append(targets, b.handlers[event.EventType()]...)
	targets = append(targets, b.allHandlers...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range targets {
		if err := b.deliver(ctx, h, event); err != nil {
			b.log.Warn().Err(err).
				Str("handler", h.name).
				Str("event_type", string(event.EventType())).
				Str("aggregate_id", event.AggregateID()).
				Msg("event handler failed")
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}

func (b *EventBus) deliver(ctx context.Context, h namedHandler, event shared.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.fn(ctx, event)
}

// Close stops accepting events. It is safe to call more than once.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// LogAwards is a handler that writes every badge award to the log, the
// minimal consumer when no notification pipeline is attached.
func LogAwards(log zerolog.Logger) Handler {
	return func(_ context.Context, event shared.Event) error {
		e, ok := event.(shared.BadgeAwardedEvent)
		if !ok {
			return nil
		}
		log.Info().
			Str(logger.FieldStudentID, e.AggregateID()).
			Str(logger.FieldBadgeCode, e.BadgeCode).
			Bool("manual", e.Manual).
			Msg("badge awarded")
		return nil
	}
}
