// Package analytics computes attendance statistics and temporal patterns for
// a single student on top of attendance.Repository.
package analytics

import (
	"context"
	"fmt"

	"github.com/campusflow/attendance-engine/internal/domain/attendance"
	"github.com/campusflow/attendance-engine/internal/domain/shared"
)

// Aggregator computes conducted/attended counts and percentages. It has no
// side effects.
type Aggregator struct {
	repo attendance.Repository
}

// NewAggregator creates an Aggregator.
func NewAggregator(repo attendance.Repository) *Aggregator {
	return &Aggregator{repo: repo}
}

// SubjectStats returns the student's statistics for one subject. The
// percentage is nil when the subject has no conducted sessions.
func (a *Aggregator) SubjectStats(ctx context.Context, studentID, subjectID string) (attendance.Stats, error) {
	if studentID == "" {
		return attendance.Stats{}, shared.ErrEmptyStudentID
	}
	c, err := a.repo.SubjectCounts(ctx, studentID, subjectID)
	if err != nil {
		return attendance.Stats{}, fmt.Errorf("subject stats %s/%s: %w", studentID, subjectID, err)
	}
	return attendance.NewStats(c), nil
}

// OverallStats returns the statistics across every conducted session of the
// student's subjects. Sessions without a record count as absences.
func (a *Aggregator) OverallStats(ctx context.Context, studentID string) (attendance.Stats, error) {
	if studentID == "" {
		return attendance.Stats{}, shared.ErrEmptyStudentID
	}
	c, err := a.repo.OverallCounts(ctx, studentID)
	if err != nil {
		return attendance.Stats{}, fmt.Errorf("overall stats %s: %w", studentID, err)
	}
	return attendance.NewStats(c), nil
}

// SemesterStats is OverallStats until semester boundaries exist in the data
// model.
func (a *Aggregator) SemesterStats(ctx context.Context, studentID string) (attendance.Stats, error) {
	return a.OverallStats(ctx, studentID)
}
