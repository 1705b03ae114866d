package attendance

import "math"

// Counts is the raw numerator/denominator pair produced by the store.
type Counts struct {
	Conducted int
	Attended  int
}

// Stats is the attendance summary for a student, per subject or overall.
type Stats struct {
	Conducted int `json:"conducted"`
	Attended  int `json:"attended"`
	// Percentage is nil when nothing was conducted: the rate is undefined,
	// not zero.
	Percentage *float64 `json:"percentage"`
}

// NewStats derives Stats from counts. The percentage is rounded to two
// decimals.
func NewStats(c Counts) Stats {
	s := Stats{Conducted: c.Conducted, Attended: c.Attended}
	if c.Conducted > 0 {
		p := Percentage(c.Attended, c.Conducted)
		s.Percentage = &p
	}
	return s
}

// StatsFromMarks counts conducted and attended sessions in marks.
func StatsFromMarks(marks []Mark) Stats {
	c := Counts{Conducted: len(marks)}
	for _, m := range marks {
		if m.Present {
			c.Attended++
		}
	}
	return NewStats(c)
}

// HasRate reports whether a percentage is defined.
func (s Stats) HasRate() bool {
	return s.Percentage != nil
}

// AtLeast reports whether the percentage is defined and >= min.
func (s Stats) AtLeast(min float64) bool {
	return s.HasRate() && *s.Percentage >= min
}

// Percentage returns round(attended/conducted*100, 2). conducted must be > 0.
func Percentage(attended, conducted int) float64 {
	return math.Round(float64(attended)*10000/float64(conducted)) / 100
}
