package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/campusflow/attendance-engine/internal/domain/attendance"
	"github.com/campusflow/attendance-engine/internal/domain/shared"
	"github.com/campusflow/attendance-engine/pkg/timeutil"
)

// Detector finds streaks, perfect weeks and cross-subject sequences in a
// student's conducted session history.
type Detector struct {
	repo  attendance.Repository
	clock timeutil.Clock
	loc   *time.Location
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithClock overrides the clock used to determine "today".
func WithClock(c timeutil.Clock) DetectorOption {
	return func(d *Detector) { d.clock = c }
}

// WithLocation sets the timezone in which "today" is a calendar date.
func WithLocation(loc *time.Location) DetectorOption {
	return func(d *Detector) {
		if loc != nil {
			d.loc = loc
		}
	}
}

// NewDetector creates a Detector using the system clock in UTC.
func NewDetector(repo attendance.Repository, opts ...DetectorOption) *Detector {
	d := &Detector{repo: repo, clock: timeutil.SystemClock, loc: time.UTC}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Today returns the current calendar date in the detector's timezone.
func (d *Detector) Today() time.Time {
	return timeutil.DateOf(d.clock(), d.loc)
}

// Streak returns the tail streak: consecutive attended sessions counted
// backward from the most recent conducted one.
func (d *Detector) Streak(ctx context.Context, studentID string) (int, error) {
	if studentID == "" {
		return 0, shared.ErrEmptyStudentID
	}
	marks, err := d.repo.ConductedHistory(ctx, studentID)
	if err != nil {
		return 0, fmt.Errorf("streak %s: %w", studentID, err)
	}
	return attendance.TailStreak(marks), nil
}

// HadPerfectWeek reports whether the trailing seven days hold at least one
// conducted session and the student attended all of them.
func (d *Detector) HadPerfectWeek(ctx context.Context, studentID string) (bool, error) {
	if studentID == "" {
		return false, shared.ErrEmptyStudentID
	}
	today := d.Today()
	from, to := timeutil.TrailingWindow(today, attendance.PerfectWeekDays)
	marks, err := d.repo.HistoryBetween(ctx, studentID, from, to)
	if err != nil {
		return false, fmt.Errorf("perfect week %s: %w", studentID, err)
	}
	return attendance.PerfectWeek(marks, today), nil
}

// CrossSubjectSequence reports whether n consecutive recent sessions were
// attended across n distinct subjects.
func (d *Detector) CrossSubjectSequence(ctx context.Context, studentID string, n int) (bool, error) {
	if studentID == "" {
		return false, shared.ErrEmptyStudentID
	}
	if n < 1 {
		return false, nil
	}
	marks, err := d.repo.RecentHistory(ctx, studentID, attendance.CandidateLimit(n))
	if err != nil {
		return false, fmt.Errorf("cross-subject sequence %s: %w", studentID, err)
	}
	return attendance.CrossSubjectSequence(marks, n), nil
}
