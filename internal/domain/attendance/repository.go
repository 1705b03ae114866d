package attendance

import (
	"context"
	"time"
)

// Repository is the read-only view of students, sessions and attendance the
// engine consumes. Implementations live in infrastructure/persistence.
//
// Every history method returns conducted sessions of the subjects the
// student is enrolled in, joined with the student's records using outer join
// semantics: a session without a record yields a Mark with Present=false.
type Repository interface {
	// ListStudentIDs pages through student IDs in ascending order, starting
	// after afterID ("" for the first page).
	ListStudentIDs(ctx context.Context, afterID string, limit int) ([]string, error)

	// GetStudent returns ErrStudentNotFound when the student does not exist.
	GetStudent(ctx context.Context, id string) (*Student, error)

	// SubjectCounts counts conducted sessions of the subject and the ones the
	// student attended.
	SubjectCounts(ctx context.Context, studentID, subjectID string) (Counts, error)

	// OverallCounts counts conducted sessions across the student's subjects.
	OverallCounts(ctx context.Context, studentID string) (Counts, error)

	// ConductedHistory returns the full history in chronological order.
	ConductedHistory(ctx context.Context, studentID string) ([]Mark, error)

	// RecentHistory returns at most limit marks, most recent first.
	RecentHistory(ctx context.Context, studentID string, limit int) ([]Mark, error)

	// HistoryBetween returns marks dated within [from, to], chronological.
	HistoryBetween(ctx context.Context, studentID string, from, to time.Time) ([]Mark, error)
}
