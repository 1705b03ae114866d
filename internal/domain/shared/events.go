package shared

import (
	"context"
	"encoding/json"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types emitted by the engine for downstream consumers such as
// the notification pipeline.
const (
	EventBadgeAwarded        EventType = "badge.awarded"
	EventStudentEvaluated    EventType = "engine.student_evaluated"
	EventEvaluationCompleted EventType = "engine.batch_completed"
)

// Event is the base interface for all domain events.
type Event interface {
	EventType() EventType
	OccurredAt() time.Time
	// AggregateID is the student ID, or "system" for batch-level events.
	AggregateID() string
	Payload() map[string]any
}

// EventPublisher publishes domain events. Implementations must be safe for
// concurrent use.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Aggregate string    `json:"aggregate_id"`
}

// EventType implements Event.
func (e BaseEvent) EventType() EventType { return e.Type }

// OccurredAt implements Event.
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }

// AggregateID implements Event.
func (e BaseEvent) AggregateID() string { return e.Aggregate }

// NewBaseEvent stamps an event with the current UTC time.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{Type: eventType, Timestamp: time.Now().UTC(), Aggregate: aggregateID}
}

// BadgeAwardedEvent is emitted once per newly inserted award.
type BadgeAwardedEvent struct {
	BaseEvent
	BadgeCode string         `json:"badge_code"`
	BadgeName string         `json:"badge_name"`
	Manual    bool           `json:"manual"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Payload implements Event.
func (e BadgeAwardedEvent) Payload() map[string]any {
	return map[string]any{
		"badge_code": e.BadgeCode,
		"badge_name": e.BadgeName,
		"manual":     e.Manual,
		"metadata":   e.Metadata,
	}
}

// NewBadgeAwardedEvent creates a BadgeAwardedEvent.
func NewBadgeAwardedEvent(studentID, code, name string, manual bool, metadata map[string]any) BadgeAwardedEvent {
	return BadgeAwardedEvent{
		BaseEvent: NewBaseEvent(EventBadgeAwarded, studentID),
		BadgeCode: code,
		BadgeName: name,
		Manual:    manual,
		Metadata:  metadata,
	}
}

// BatchCompletedEvent summarises an EvaluateAllStudents run.
type BatchCompletedEvent struct {
	BaseEvent
	Students  int           `json:"students"`
	Failed    int           `json:"failed"`
	NewAwards int           `json:"new_awards"`
	Duration  time.Duration `json:"duration"`
}

// Payload implements Event.
func (e BatchCompletedEvent) Payload() map[string]any {
	return map[string]any{
		"students":    e.Students,
		"failed":      e.Failed,
		"new_awards":  e.NewAwards,
		"duration_ms": e.Duration.Milliseconds(),
	}
}

// NewBatchCompletedEvent creates a BatchCompletedEvent.
func NewBatchCompletedEvent(students, failed, newAwards int, d time.Duration) BatchCompletedEvent {
	return BatchCompletedEvent{
		BaseEvent: NewBaseEvent(EventEvaluationCompleted, "system"),
		Students:  students,
		Failed:    failed,
		NewAwards: newAwards,
		Duration:  d,
	}
}

// EventEnvelope is the wire representation of an Event.
type EventEnvelope struct {
	Type        EventType      `json:"type"`
	AggregateID string         `json:"aggregate_id"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Payload     map[string]any `json:"payload"`
}

// MarshalEvent encodes any Event into its JSON envelope.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(EventEnvelope{
		Type:        e.EventType(),
		AggregateID: e.AggregateID(),
		OccurredAt:  e.OccurredAt(),
		Payload:     e.Payload(),
	})
}
