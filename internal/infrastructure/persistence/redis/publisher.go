package redis

import (
	"context"
	"fmt"

	"github.com/campusflow/attendance-engine/internal/domain/shared"
)

// EventPublisher publishes domain events as JSON envelopes on a Redis
// channel per event type, where the notification pipeline subscribes.
type EventPublisher struct {
	cache *Cache
}

var _ shared.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher creates an EventPublisher.
func NewEventPublisher(cache *Cache) *EventPublisher {
	return &EventPublisher{cache: cache}
}

// Publish implements shared.EventPublisher.
func (p *EventPublisher) Publish(ctx context.Context, event shared.Event) error {
	payload, err := shared.MarshalEvent(event)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}
	if err := p.cache.Publish(ctx, EventChannel(string(event.EventType())), payload); err != nil {
		return fmt.Errorf("publish %s: %w", event.EventType(), err)
	}
	return nil
}
