package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/campusflow/attendance-engine/internal/domain/badge"
)

// EventRepository is the student event log.
type EventRepository struct {
	db *sqlx.DB
}

var _ badge.EventLog = (*EventRepository)(nil)

// HasEvent reports whether eventName was recorded for the student.
func (r *EventRepository) HasEvent(ctx context.Context, studentID, eventName string) (bool, error) {
	var found bool
	err := r.db.GetContext(ctx, &found, `
		SELECT EXISTS (
			SELECT 1 FROM student_events WHERE student_id = ? AND event_name = ?
		)`, studentID, eventName)
	if err != nil {
		return false, fmt.Errorf("has event: %w", err)
	}
	return found, nil
}

// Record appends an event for the student.
func (r *EventRepository) Record(ctx context.Context, studentID, eventName string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO student_events (student_id, event_name, occurred_at) VALUES (?, ?, ?)`,
		studentID, eventName, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}
