package sqlite

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusflow/attendance-engine/internal/domain/attendance"
	"github.com/campusflow/attendance-engine/internal/domain/badge"
	"github.com/campusflow/attendance-engine/internal/domain/shared"
	"github.com/campusflow/attendance-engine/pkg/timeutil"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), MemoryDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var day0 = timeutil.Date(2026, time.September, 1)

// seedHistory creates student st-1 enrolled in math and bio, and one session
// per entry on consecutive days. Entries are "subject:mark" where mark is P
// (present), A (recorded absent), - (no record) or C (cancelled).
func seedHistory(t *testing.T, s *Store, entries ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SaveStudent(ctx, attendance.Student{ID: "st-1", Program: "CS", Year: 2, Semester: 3}))
	require.NoError(t, s.SaveStudent(ctx, attendance.Student{ID: "st-2"}))
	for _, sub := range []string{"math", "bio", "art"} {
		require.NoError(t, s.SaveSubject(ctx, attendance.Subject{ID: sub, Code: sub, Name: sub}))
	}
	require.NoError(t, s.Enroll(ctx, "st-1", "math"))
	require.NoError(t, s.Enroll(ctx, "st-1", "bio"))

	for i, e := range entries {
		subject, mark := e[:len(e)-2], e[len(e)-1]
		status := attendance.StatusConducted
		if mark == 'C' {
			status = attendance.StatusCancelled
		}
		id := fmt.Sprintf("sess-%02d", i)
		require.NoError(t, s.SaveSession(ctx, attendance.Session{
			ID: id, SubjectID: subject, Date: day0.AddDate(0, 0, i), Status: status,
		}))
		if mark == 'P' || mark == 'A' {
			require.NoError(t, s.SaveRecord(ctx, attendance.Record{SessionID: id, StudentID: "st-1", Present: mark == 'P'}))
		}
	}
}

func TestAttendanceRepository_Counts(t *testing.T) {
	s := openStore(t)
	seedHistory(t, s, "math:P", "math:A", "math:-", "math:P", "math:C", "bio:P", "art:P")
	repo := s.Attendance()
	ctx := context.Background()

	math, err := repo.SubjectCounts(ctx, "st-1", "math")
	require.NoError(t, err)
	assert.Equal(t, attendance.Counts{Conducted: 4, Attended: 2}, math)

	overall, err := repo.OverallCounts(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, attendance.Counts{Conducted: 5, Attended: 3}, overall, "art is not enrolled")

	none, err := repo.SubjectCounts(ctx, "st-2", "math")
	require.NoError(t, err)
	assert.Equal(t, attendance.Counts{Conducted: 4}, none)
}

func TestAttendanceRepository_History(t *testing.T) {
	s := openStore(t)
	seedHistory(t, s, "math:P", "bio:-", "math:C", "bio:P", "math:P")
	repo := s.Attendance()
	ctx := context.Background()

	all, err := repo.ConductedHistory(ctx, "st-1")
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "sess-00", all[0].SessionID)
	assert.False(t, all[1].Present, "missing record is an absence")
	assert.Equal(t, day0.AddDate(0, 0, 4), all[3].Date)
	assert.Equal(t, 2, attendance.TailStreak(all))

	recent, err := repo.RecentHistory(ctx, "st-1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "sess-04", recent[0].SessionID)
	assert.Equal(t, "sess-03", recent[1].SessionID)

	window, err := repo.HistoryBetween(ctx, "st-1", day0.AddDate(0, 0, 1), day0.AddDate(0, 0, 3))
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "sess-01", window[0].SessionID)
	assert.Equal(t, "sess-03", window[1].SessionID)
}

func TestAttendanceRepository_Students(t *testing.T) {
	s := openStore(t)
	seedHistory(t, s)
	repo := s.Attendance()
	ctx := context.Background()

	st, err := repo.GetStudent(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, &attendance.Student{ID: "st-1", Program: "CS", Year: 2, Semester: 3}, st)

	_, err = repo.GetStudent(ctx, "nobody")
	assert.True(t, shared.IsNotFound(err))

	page, err := repo.ListStudentIDs(ctx, "", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"st-1"}, page)

	page, err = repo.ListStudentIDs(ctx, "st-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"st-2"}, page)
}

func seedCatalogue(t *testing.T, s *Store) {
	t.Helper()
	err := s.Badges().UpsertDefinitions(context.Background(), []badge.Definition{
		{Code: "streak_3", Name: "On a Roll", Icon: "flame", Criterion: badge.StreakCriterion{MinDays: 3}},
		{Code: "perfect_week", Name: "Perfect Week", Criterion: badge.PerfectWeekCriterion{}},
		{Code: "math_80", Name: "Math", Criterion: badge.SubjectPctCriterion{SubjectID: "math", MinPct: 80}},
	})
	require.NoError(t, err)
}

func TestBadgeRepository_Catalogue(t *testing.T) {
	s := openStore(t)
	seedCatalogue(t, s)
	repo := s.Badges()
	ctx := context.Background()

	// Updating an existing code keeps its position; new codes go last.
	err := repo.UpsertDefinitions(ctx, []badge.Definition{
		{Code: "explorer", Name: "Explorer", Criterion: badge.CrossSubjectSequenceCriterion{Count: 4}},
		{Code: "streak_3", Name: "Renamed", Criterion: badge.StreakCriterion{MinDays: 5}},
	})
	require.NoError(t, err)

	defs, err := repo.ListDefinitions(ctx)
	require.NoError(t, err)
	codes := make([]string, len(defs))
	for i, d := range defs {
		codes[i] = d.Code
	}
	assert.Equal(t, []string{"streak_3", "perfect_week", "math_80", "explorer"}, codes)
	assert.Equal(t, "Renamed", defs[0].Name)
	assert.Equal(t, badge.StreakCriterion{MinDays: 5}, defs[0].Criterion)

	d, err := repo.GetDefinition(ctx, "math_80")
	require.NoError(t, err)
	assert.Equal(t, badge.SubjectPctCriterion{SubjectID: "math", MinPct: 80}, d.Criterion)

	_, err = repo.GetDefinition(ctx, "missing")
	assert.ErrorIs(t, err, shared.ErrBadgeNotFound)
}

func TestBadgeRepository_UnknownCriterionSurvivesStorage(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	_, err := s.DB().ExecContext(ctx, `
		INSERT INTO badges (code, name, criterion_type, criterion_params, position)
		VALUES ('term', 'Term', 'termPct', '{"minPct":90}', 1)`)
	require.NoError(t, err)

	defs, err := s.Badges().ListDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, badge.Kind("termPct"), defs[0].Criterion.Kind())
}

func TestBadgeRepository_AwardIsInsertIfAbsent(t *testing.T) {
	s := openStore(t)
	seedHistory(t, s)
	seedCatalogue(t, s)
	ledger := s.Badges()
	ctx := context.Background()
	at := time.Date(2026, time.September, 9, 8, 0, 0, 0, time.UTC)

	inserted, err := ledger.Award(ctx, badge.Award{
		ID: uuid.NewString(), StudentID: "st-1", BadgeCode: "streak_3", AwardedAt: at,
		Metadata: badge.Metadata{badge.MetaStreak: 4},
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = ledger.Award(ctx, badge.Award{
		ID: uuid.NewString(), StudentID: "st-1", BadgeCode: "streak_3", AwardedAt: at.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, inserted)

	states, err := ledger.StatesFor(ctx, "st-1")
	require.NoError(t, err)
	require.Len(t, states, 3)

	assert.True(t, states[0].Unlocked)
	require.NotNil(t, states[0].AwardedAt)
	assert.True(t, at.Equal(*states[0].AwardedAt), "first award wins")
	assert.Equal(t, badge.Metadata{badge.MetaStreak: 4.0}, states[0].Metadata)
	assert.Equal(t, "flame", states[0].Icon)

	assert.False(t, states[1].Unlocked)
	assert.Nil(t, states[1].AwardedAt)
	assert.Equal(t, 1, badge.UnlockedCount(states))
}

func TestBadgeRepository_ConcurrentAwardsInsertOnce(t *testing.T) {
	s := openStore(t)
	seedHistory(t, s)
	seedCatalogue(t, s)
	ledger := s.Badges()

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.Award(context.Background(), badge.Award{
				ID: uuid.NewString(), StudentID: "st-1", BadgeCode: "perfect_week", AwardedAt: time.Now(),
			})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inserted)
	var rows int
	require.NoError(t, s.DB().Get(&rows,
		`SELECT COUNT(*) FROM student_badges WHERE student_id = 'st-1' AND badge_code = 'perfect_week'`))
	assert.Equal(t, 1, rows)
}

func TestEventRepository(t *testing.T) {
	s := openStore(t)
	events := s.Events()
	ctx := context.Background()

	ok, err := events.HasEvent(ctx, "st-1", "hackathon")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, events.Record(ctx, "st-1", "hackathon", time.Now()))

	ok, err = events.HasEvent(ctx, "st-1", "hackathon")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = events.HasEvent(ctx, "st-2", "hackathon")
	require.NoError(t, err)
	assert.False(t, ok)
}
