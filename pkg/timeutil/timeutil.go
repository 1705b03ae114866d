// Package timeutil provides calendar-date helpers for attendance windows.
// Session dates are calendar days; "today" depends on the campus timezone.
package timeutil

import (
	"time"
)

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time { return time.Now() }

// FixedClock returns a Clock that always reports t.
func FixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

// LoadLocation resolves a timezone name, falling back to UTC.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DateOf truncates t to its calendar date in loc. The result is midnight UTC
// of that date so dates compare and subtract without DST surprises.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// Date builds a calendar date.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// FormatDate formats a calendar date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// TrailingWindow returns the inclusive date range of the last days calendar
// days ending on today. TrailingWindow(today, 7) spans today-6 .. today.
func TrailingWindow(today time.Time, days int) (from, to time.Time) {
	if days < 1 {
		days = 1
	}
	to = DateOf(today, time.UTC)
	from = to.AddDate(0, 0, -(days - 1))
	return from, to
}

// InRange reports whether date lies within [from, to].
func InRange(date, from, to time.Time) bool {
	return !date.Before(from) && !date.After(to)
}
