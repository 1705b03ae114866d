package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusflow/attendance-engine/internal/domain/attendance"
	"github.com/campusflow/attendance-engine/internal/domain/shared"
	"github.com/campusflow/attendance-engine/pkg/timeutil"
)

// historyRepo serves one student's marks and records the arguments of the
// windowed queries.
type historyRepo struct {
	marks []attendance.Mark
	err   error

	lastLimit int
	lastFrom  time.Time
	lastTo    time.Time
}

func (r *historyRepo) ListStudentIDs(context.Context, string, int) ([]string, error) {
	return nil, nil
}

func (r *historyRepo) GetStudent(_ context.Context, id string) (*attendance.Student, error) {
	return &attendance.Student{ID: id}, nil
}

func (r *historyRepo) SubjectCounts(_ context.Context, _, subjectID string) (attendance.Counts, error) {
	if r.err != nil {
		return attendance.Counts{}, r.err
	}
	var c attendance.Counts
	for _, m := range r.marks {
		if m.SubjectID != subjectID {
			continue
		}
		c.Conducted++
		if m.Present {
			c.Attended++
		}
	}
	return c, nil
}

func (r *historyRepo) OverallCounts(context.Context, string) (attendance.Counts, error) {
	if r.err != nil {
		return attendance.Counts{}, r.err
	}
	s := attendance.StatsFromMarks(r.marks)
	return attendance.Counts{Conducted: s.Conducted, Attended: s.Attended}, nil
}

func (r *historyRepo) ConductedHistory(context.Context, string) ([]attendance.Mark, error) {
	return r.marks, r.err
}

func (r *historyRepo) RecentHistory(_ context.Context, _ string, limit int) ([]attendance.Mark, error) {
	r.lastLimit = limit
	if r.err != nil {
		return nil, r.err
	}
	recent := append([]attendance.Mark(nil), r.marks...)
	attendance.SortRecentFirst(recent)
	if len(recent) > limit {
		recent = recent[:limit]
	}
	return recent, nil
}

func (r *historyRepo) HistoryBetween(_ context.Context, _ string, from, to time.Time) ([]attendance.Mark, error) {
	r.lastFrom, r.lastTo = from, to
	if r.err != nil {
		return nil, r.err
	}
	var out []attendance.Mark
	for _, m := range r.marks {
		if timeutil.InRange(m.Date, from, to) {
			out = append(out, m)
		}
	}
	return out, nil
}

func mark(id, subject string, date time.Time, present bool) attendance.Mark {
	return attendance.Mark{SessionID: id, SubjectID: subject, Date: date, Present: present}
}

var day = timeutil.Date(2026, time.March, 10)

func TestAggregator_SubjectStats(t *testing.T) {
	repo := &historyRepo{}
	for i := 0; i < 10; i++ {
		repo.marks = append(repo.marks, mark(string(rune('a'+i)), "math", day.AddDate(0, 0, -i), i < 7))
	}
	agg := NewAggregator(repo)

	s, err := agg.SubjectStats(context.Background(), "st-1", "math")
	require.NoError(t, err)
	require.NotNil(t, s.Percentage)
	assert.Equal(t, 70.0, *s.Percentage)

	s, err = agg.SubjectStats(context.Background(), "st-1", "physics")
	require.NoError(t, err)
	assert.Nil(t, s.Percentage)
	assert.Zero(t, s.Conducted)
}

func TestAggregator_OverallAndSemesterMatch(t *testing.T) {
	repo := &historyRepo{marks: []attendance.Mark{
		mark("1", "math", day, true),
		mark("2", "bio", day, false),
		mark("3", "art", day, true),
	}}
	agg := NewAggregator(repo)

	overall, err := agg.OverallStats(context.Background(), "st-1")
	require.NoError(t, err)
	semester, err := agg.SemesterStats(context.Background(), "st-1")
	require.NoError(t, err)

	assert.Equal(t, overall, semester)
	assert.Equal(t, 66.67, *overall.Percentage)
}

func TestAggregator_Errors(t *testing.T) {
	boom := errors.New("connection reset")
	agg := NewAggregator(&historyRepo{err: boom})

	_, err := agg.OverallStats(context.Background(), "st-1")
	assert.ErrorIs(t, err, boom)

	_, err = agg.SubjectStats(context.Background(), "", "math")
	assert.ErrorIs(t, err, shared.ErrInvalidID)
}

func TestDetector_Streak(t *testing.T) {
	repo := &historyRepo{marks: []attendance.Mark{
		mark("5", "math", day, true),
		mark("4", "math", day.AddDate(0, 0, -1), true),
		mark("3", "math", day.AddDate(0, 0, -2), false),
		mark("2", "math", day.AddDate(0, 0, -3), true),
		mark("1", "math", day.AddDate(0, 0, -4), true),
	}}
	d := NewDetector(repo)

	n, err := d.Streak(context.Background(), "st-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDetector_PerfectWeekUsesLocalDate(t *testing.T) {
	almaty := time.FixedZone("UTC+5", 5*3600)
	// 22:00 UTC on the 9th is already the 10th in UTC+5.
	now := time.Date(2026, time.March, 9, 22, 0, 0, 0, time.UTC)

	repo := &historyRepo{marks: []attendance.Mark{
		mark("1", "math", day, true),
	}}
	d := NewDetector(repo, WithClock(timeutil.FixedClock(now)), WithLocation(almaty))

	ok, err := d.HadPerfectWeek(context.Background(), "st-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, day, repo.lastTo)
	assert.Equal(t, day.AddDate(0, 0, -6), repo.lastFrom)

	utc := NewDetector(repo, WithClock(timeutil.FixedClock(now)))
	ok, err = utc.HadPerfectWeek(context.Background(), "st-1")
	require.NoError(t, err)
	assert.False(t, ok, "session dated tomorrow in UTC")
}

func TestDetector_CrossSubjectSequence(t *testing.T) {
	subjects := []string{"A", "B", "C", "A", "D"}
	repo := &historyRepo{}
	for i, s := range subjects {
		repo.marks = append(repo.marks, mark(string(rune('z'-i)), s, day.AddDate(0, 0, -i), true))
	}
	d := NewDetector(repo)

	ok, err := d.CrossSubjectSequence(context.Background(), "st-1", 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 9, repo.lastLimit)

	ok, err = d.CrossSubjectSequence(context.Background(), "st-1", 4)
	require.NoError(t, err)
	assert.False(t, ok)
}
