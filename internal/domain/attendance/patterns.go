package attendance

import (
	"time"

	"github.com/campusflow/attendance-engine/pkg/timeutil"
)

// PerfectWeekDays is the length of the trailing perfect-week window,
// today included.
const PerfectWeekDays = 7

// CandidateFactor sizes the history searched for cross-subject sequences:
// the CandidateFactor*n most recent conducted sessions.
const CandidateFactor = 3

// TailStreak counts consecutive present marks walking backward from the most
// recent conducted session. It stops at the first absence, so it is 0 when
// the latest session was missed or there is no history.
func TailStreak(marks []Mark) int {
	ordered := make([]Mark, len(marks))
	copy(ordered, marks)
	SortChronological(ordered)

	streak := 0
	for i := len(ordered) - 1; i >= 0; i-- {
		if !ordered[i].Present {
			break
		}
		streak++
	}
	return streak
}

// PerfectWeek reports whether every conducted session dated within the
// trailing PerfectWeekDays calendar days (today inclusive) was attended.
// An empty window is not a perfect week.
func PerfectWeek(marks []Mark, today time.Time) bool {
	from, to := timeutil.TrailingWindow(today, PerfectWeekDays)

	seen := 0
	for _, m := range marks {
		if !timeutil.InRange(m.Date, from, to) {
			continue
		}
		if !m.Present {
			return false
		}
		seen++
	}
	return seen > 0
}

// CandidateLimit is how many recent sessions CrossSubjectSequence needs.
func CandidateLimit(n int) int {
	if n < 1 {
		return 0
	}
	return CandidateFactor * n
}

// CrossSubjectSequence reports whether the recent history contains a
// contiguous run of n attended sessions spanning n distinct subjects.
//
// marks is reordered most-recent-first. Windows of width n start at offsets
// 0 through len(marks)-n-1: the window that ends on the oldest candidate is
// not considered, so a history of exactly n sessions never qualifies.
func CrossSubjectSequence(marks []Mark, n int) bool {
	if n < 1 || len(marks) < n {
		return false
	}

	recent := make([]Mark, len(marks))
	copy(recent, marks)
	SortRecentFirst(recent)

	for start := 0; start+n < len(recent); start++ {
		if distinctAttendedRun(recent[start : start+n]) {
			return true
		}
	}
	return false
}

func distinctAttendedRun(window []Mark) bool {
	subjects := make(map[string]struct{}, len(window))
	for _, m := range window {
		if !m.Present {
			return false
		}
		if _, dup := subjects[m.SubjectID]; dup {
			return false
		}
		subjects[m.SubjectID] = struct{}{}
	}
	return true
}
