package attendance

import (
	"sort"
	"time"
)

// SessionStatus is the lifecycle state of a scheduled class session.
type SessionStatus string

const (
	StatusScheduled SessionStatus = "scheduled"
	StatusConducted SessionStatus = "conducted"
	StatusCancelled SessionStatus = "cancelled"
)

// IsValid returns true for a known status.
func (s SessionStatus) IsValid() bool {
	switch s {
	case StatusScheduled, StatusConducted, StatusCancelled:
		return true
	}
	return false
}

// Counts toward attendance denominators only when conducted.
func (s SessionStatus) Counts() bool {
	return s == StatusConducted
}

// Student is the enrollment context of a student. It is used only to select
// relevant sessions.
type Student struct {
	ID       string
	Program  string
	Year     int
	Semester int
}

// Subject is immutable reference data.
type Subject struct {
	ID   string
	Code string
	Name string
}

// Session is a scheduled class session of a subject on a calendar date.
type Session struct {
	ID        string
	SubjectID string
	Date      time.Time // calendar date, midnight UTC
	Status    SessionStatus
}

// Record is the attendance mark of one student for one session.
type Record struct {
	SessionID string
	StudentID string
	Present   bool
}

// Mark is one conducted session seen from a single student: the session
// joined with the student's record. Present is false when no record exists.
type Mark struct {
	SessionID string
	SubjectID string
	Date      time.Time
	Present   bool
}

// SortChronological orders marks by (date ascending, session id ascending).
func SortChronological(marks []Mark) {
	sort.SliceStable(marks, func(i, j int) bool {
		return chronologicallyBefore(marks[i], marks[j])
	})
}

// SortRecentFirst orders marks by (date descending, session id descending),
// the exact reverse of SortChronological.
func SortRecentFirst(marks []Mark) {
	sort.SliceStable(marks, func(i, j int) bool {
		return chronologicallyBefore(marks[j], marks[i])
	})
}

func chronologicallyBefore(a, b Mark) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.Before(b.Date)
	}
	return a.SessionID < b.SessionID
}
