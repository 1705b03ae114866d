package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/campusflow/attendance-engine/internal/domain/badge"
)

// EventRepository is the student event log backed by student_events.
type EventRepository struct {
	conn *Connection
}

var _ badge.EventLog = (*EventRepository)(nil)

// NewEventRepository creates a new EventRepository.
func NewEventRepository(conn *Connection) *EventRepository {
	return &EventRepository{conn: conn}
}

// HasEvent reports whether eventName was recorded for the student.
func (r *EventRepository) HasEvent(ctx context.Context, studentID, eventName string) (bool, error) {
	var found bool
	err := r.conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM student_events WHERE student_id = $1 AND event_name = $2
		)`, studentID, eventName).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("has event: %w", err)
	}
	return found, nil
}

// Record appends an event for the student.
func (r *EventRepository) Record(ctx context.Context, studentID, eventName string, at time.Time) error {
	_, err := r.conn.Exec(ctx,
		`INSERT INTO student_events (student_id, event_name, occurred_at) VALUES ($1, $2, $3)`,
		studentID, eventName, at)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}
