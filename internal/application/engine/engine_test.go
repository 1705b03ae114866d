package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusflow/attendance-engine/internal/application/analytics"
	"github.com/campusflow/attendance-engine/internal/application/evaluator"
	"github.com/campusflow/attendance-engine/internal/domain/attendance"
	"github.com/campusflow/attendance-engine/internal/domain/badge"
	"github.com/campusflow/attendance-engine/internal/domain/shared"
	"github.com/campusflow/attendance-engine/internal/infrastructure/persistence/sqlite"
	"github.com/campusflow/attendance-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// FIXTURES
// ══════════════════════════════════════════════════════════════════════════════

var (
	firstDay = timeutil.Date(2026, time.September, 1)
	now      = time.Date(2026, time.September, 10, 12, 0, 0, 0, time.UTC)
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) ofType(t shared.EventType) []shared.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []shared.Event
	for _, e := range p.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

type mapCache struct {
	mu         sync.Mutex
	states     map[string][]badge.State
	gens       map[string]int
	catalogGen int
	hits       int
}

func newMapCache() *mapCache {
	return &mapCache{states: map[string][]badge.State{}, gens: map[string]int{}}
}

func (c *mapCache) GetStates(_ context.Context, id string) ([]badge.State, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[id]
	if ok {
		c.hits++
	}
	return s, ok, nil
}

func (c *mapCache) FillToken(_ context.Context, id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("%d:%d", c.catalogGen, c.gens[id]), nil
}

func (c *mapCache) SetStates(_ context.Context, id, token string, s []badge.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token == fmt.Sprintf("%d:%d", c.catalogGen, c.gens[id]) {
		c.states[id] = s
	}
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[id]++
	delete(c.states, id)
	return nil
}

func (c *mapCache) InvalidateAll(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catalogGen++
	c.states = map[string][]badge.State{}
	return nil
}

func (c *mapCache) cached(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.states[id]
	return ok
}

// hookedLedger runs beforeStates ahead of each StatesFor read.
type hookedLedger struct {
	badge.Ledger
	beforeStates func()
}

func (l *hookedLedger) StatesFor(ctx context.Context, studentID string) ([]badge.State, error) {
	if l.beforeStates != nil {
		l.beforeStates()
	}
	return l.Ledger.StatesFor(ctx, studentID)
}

type fixture struct {
	store     *sqlite.Store
	publisher *recordingPublisher
	eval      *evaluator.Evaluator
}

// newFixture seeds a catalogue and n students. Student i attends the first
// 9-i of 9 daily math sessions ending yesterday, so lower ids earn more.
func newFixture(t *testing.T, students int) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, sqlite.MemoryDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.SaveSubject(ctx, attendance.Subject{ID: "math", Code: "MTH101", Name: "Math"}))
	for d := 0; d < 9; d++ {
		require.NoError(t, store.SaveSession(ctx, attendance.Session{
			ID: fmt.Sprintf("math-%02d", d), SubjectID: "math",
			Date: firstDay.AddDate(0, 0, d), Status: attendance.StatusConducted,
		}))
	}
	for i := 0; i < students; i++ {
		id := studentID(i)
		require.NoError(t, store.SaveStudent(ctx, attendance.Student{ID: id}))
		require.NoError(t, store.Enroll(ctx, id, "math"))
		for d := 0; d < 9; d++ {
			require.NoError(t, store.SaveRecord(ctx, attendance.Record{
				SessionID: fmt.Sprintf("math-%02d", d), StudentID: id, Present: d < 9-i,
			}))
		}
	}

	require.NoError(t, store.Badges().UpsertDefinitions(ctx, []badge.Definition{
		{Code: "streak_3", Name: "On a Roll", Criterion: badge.StreakCriterion{MinDays: 3}},
		{Code: "perfect_week", Name: "Perfect Week", Criterion: badge.PerfectWeekCriterion{}},
		{Code: "math_80", Name: "Math Fan", Criterion: badge.SubjectPctCriterion{SubjectID: "math", MinPct: 80}},
		{Code: "overall_85", Name: "Dependable", Criterion: badge.OverallPctCriterion{MinPct: 85}},
	}))

	repo := store.Attendance()
	clock := timeutil.FixedClock(now)
	eval := evaluator.New(
		analytics.NewAggregator(repo),
		analytics.NewDetector(repo, analytics.WithClock(clock)),
		store.Badges(),
		evaluator.WithEventLog(store.Events()),
		evaluator.WithClock(clock),
	)
	return &fixture{store: store, publisher: &recordingPublisher{}, eval: eval}
}

func studentID(i int) string { return fmt.Sprintf("st-%02d", i) }

func (f *fixture) engine(eval StudentEvaluator, opts ...Option) *Engine {
	if eval == nil {
		eval = f.eval
	}
	opts = append([]Option{
		WithPublisher(f.publisher),
		WithClock(timeutil.FixedClock(now)),
		WithConfig(Config{BatchSize: 2, Concurrency: 3}),
	}, opts...)
	return New(f.store.Attendance(), f.store.Badges(), f.store.Badges(), eval, opts...)
}

func (f *fixture) awardRows(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.store.DB().Get(&n, `SELECT COUNT(*) FROM student_badges`))
	return n
}

func unlocked(states []badge.State) []string {
	var codes []string
	for _, s := range states {
		if s.Unlocked {
			codes = append(codes, s.Code)
		}
	}
	return codes
}

// ══════════════════════════════════════════════════════════════════════════════
// SINGLE STUDENT
// ══════════════════════════════════════════════════════════════════════════════

func TestEvaluateStudent_AwardsAndReturnsStates(t *testing.T) {
	f := newFixture(t, 1)
	e := f.engine(nil)

	states, err := e.EvaluateStudent(context.Background(), "st-00")
	require.NoError(t, err)
	require.Len(t, states, 4)
	assert.Equal(t, []string{"streak_3", "perfect_week", "math_80", "overall_85"}, unlocked(states))
	assert.Equal(t, 9.0, states[0].Metadata[badge.MetaStreak])

	awarded := f.publisher.ofType(shared.EventBadgeAwarded)
	assert.Len(t, awarded, 4)
}

func TestEvaluateStudent_IsIdempotent(t *testing.T) {
	f := newFixture(t, 2)
	e := f.engine(nil)
	ctx := context.Background()

	first, err := e.EvaluateStudent(ctx, "st-01")
	require.NoError(t, err)
	rows := f.awardRows(t)

	second, err := e.EvaluateStudent(ctx, "st-01")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, rows, f.awardRows(t))
	assert.Len(t, f.publisher.ofType(shared.EventBadgeAwarded), rows)
}

func TestEvaluateStudent_ConcurrentCallsAwardOnce(t *testing.T) {
	f := newFixture(t, 1)
	e := f.engine(nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.EvaluateStudent(context.Background(), "st-00")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, f.awardRows(t))
	assert.Len(t, f.publisher.ofType(shared.EventBadgeAwarded), 4)
}

func TestEvaluateStudent_UnknownStudent(t *testing.T) {
	f := newFixture(t, 1)
	e := f.engine(nil)

	_, err := e.EvaluateStudent(context.Background(), "ghost")
	assert.True(t, shared.IsNotFound(err))

	_, err = e.EvaluateStudent(context.Background(), " ")
	assert.True(t, shared.IsValidation(err))
}

// ══════════════════════════════════════════════════════════════════════════════
// READ SIDE AND MANUAL AWARDS
// ══════════════════════════════════════════════════════════════════════════════

func TestListBadgeDefinitions(t *testing.T) {
	f := newFixture(t, 0)
	defs, err := f.engine(nil).ListBadgeDefinitions(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 4)
	assert.Equal(t, "streak_3", defs[0].Code)
}

func TestListStudentBadges_UsesAndRefreshesCache(t *testing.T) {
	f := newFixture(t, 1)
	cache := newMapCache()
	e := f.engine(nil, WithStateCache(cache))
	ctx := context.Background()

	states, err := e.ListStudentBadges(ctx, "st-00")
	require.NoError(t, err)
	assert.Empty(t, unlocked(states))
	assert.Len(t, states, 4, "locked badges are listed")

	_, err = e.ListStudentBadges(ctx, "st-00")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)

	inserted, err := e.AwardManually(ctx, "st-00", "perfect_week", "registrar")
	require.NoError(t, err)
	require.True(t, inserted)

	states, err = e.ListStudentBadges(ctx, "st-00")
	require.NoError(t, err)
	assert.Equal(t, []string{"perfect_week"}, unlocked(states))
	assert.Equal(t, 1, cache.hits, "manual award invalidated the cached states")
}

func TestListStudentBadges_ReseedRefreshesCachedStates(t *testing.T) {
	f := newFixture(t, 1)
	cache := newMapCache()
	e := f.engine(nil, WithStateCache(cache))
	ctx := context.Background()

	states, err := e.ListStudentBadges(ctx, "st-00")
	require.NoError(t, err)
	require.Len(t, states, 4)
	require.True(t, cache.cached("st-00"))

	require.NoError(t, e.UpsertBadgeDefinitions(ctx, []badge.Definition{
		{Code: "early_bird", Name: "Early Bird", Criterion: badge.EventCriterion{EventName: "onboarding_completed"}},
	}))
	assert.False(t, cache.cached("st-00"))

	states, err = e.ListStudentBadges(ctx, "st-00")
	require.NoError(t, err)
	assert.Len(t, states, 5)
}

func TestListStudentBadges_StaleReadDoesNotRefillCache(t *testing.T) {
	f := newFixture(t, 1)
	cache := newMapCache()
	ctx := context.Background()

	// Another writer awards and invalidates while the states are being read.
	ledger := &hookedLedger{Ledger: f.store.Badges()}
	ledger.beforeStates = func() {
		ledger.beforeStates = nil
		require.NoError(t, cache.Invalidate(ctx, "st-00"))
	}
	e := New(f.store.Attendance(), f.store.Badges(), ledger, f.eval,
		WithStateCache(cache), WithClock(timeutil.FixedClock(now)))

	_, err := e.ListStudentBadges(ctx, "st-00")
	require.NoError(t, err)
	assert.False(t, cache.cached("st-00"), "states read before the invalidation are not cached")

	_, err = e.ListStudentBadges(ctx, "st-00")
	require.NoError(t, err)
	assert.True(t, cache.cached("st-00"))
}

func TestAwardManually(t *testing.T) {
	f := newFixture(t, 1)
	e := f.engine(nil)
	ctx := context.Background()

	inserted, err := e.AwardManually(ctx, "st-00", "math_80", "dean")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = e.AwardManually(ctx, "st-00", "math_80", "dean")
	require.NoError(t, err)
	assert.False(t, inserted)

	states, err := e.ListStudentBadges(ctx, "st-00")
	require.NoError(t, err)
	assert.Equal(t, badge.Metadata{badge.MetaManual: true, badge.MetaAwardedBy: "dean"}, states[2].Metadata)

	events := f.publisher.ofType(shared.EventBadgeAwarded)
	require.Len(t, events, 1)
	assert.Equal(t, true, events[0].Payload()["manual"])

	// The rule pass treats the manual award as already held.
	_, err = e.EvaluateStudent(ctx, "st-00")
	require.NoError(t, err)
	assert.Equal(t, 4, f.awardRows(t))

	_, err = e.AwardManually(ctx, "st-00", "nope", "dean")
	assert.ErrorIs(t, err, shared.ErrBadgeNotFound)
	_, err = e.AwardManually(ctx, "ghost", "math_80", "dean")
	assert.True(t, shared.IsNotFound(err))
}

// ══════════════════════════════════════════════════════════════════════════════
// BATCH
// ══════════════════════════════════════════════════════════════════════════════

// flakyEvaluator fails or panics for chosen students and delegates otherwise.
type flakyEvaluator struct {
	inner    StudentEvaluator
	failFor  string
	panicFor string

	mu   sync.Mutex
	seen []string
}

func (f *flakyEvaluator) Evaluate(ctx context.Context, id string, defs []badge.Definition) (*evaluator.Result, error) {
	f.mu.Lock()
	f.seen = append(f.seen, id)
	f.mu.Unlock()

	switch id {
	case f.failFor:
		return nil, errors.New("connection reset by peer")
	case f.panicFor:
		panic("nil map write")
	}
	return f.inner.Evaluate(ctx, id, defs)
}

func TestEvaluateAllStudents_PagesThroughEveryone(t *testing.T) {
	f := newFixture(t, 5)
	e := f.engine(nil)

	report, err := e.EvaluateAllStudents(context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, 5, report.Students)
	assert.Equal(t, 5, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.Equal(t, f.awardRows(t), report.NewAwards)
	assert.Same(t, report, e.LastReport())
	assert.Len(t, f.publisher.ofType(shared.EventEvaluationCompleted), 1)

	again, err := e.EvaluateAllStudents(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, again.NewAwards, "second batch creates nothing")
	assert.Equal(t, 2, again.BatchSize)
}

func TestEvaluateAllStudents_IsolatesFailingStudents(t *testing.T) {
	f := newFixture(t, 5)
	flaky := &flakyEvaluator{inner: f.eval, failFor: "st-01", panicFor: "st-03"}
	e := f.engine(flaky)

	report, err := e.EvaluateAllStudents(context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, 5, report.Students)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 2, report.Failed)
	assert.ElementsMatch(t, []string{"st-00", "st-01", "st-02", "st-03", "st-04"}, flaky.seen)

	failed := []string{report.Failures[0].StudentID, report.Failures[1].StudentID}
	assert.ElementsMatch(t, []string{"st-01", "st-03"}, failed)

	// Students around the failures got exactly what a clean run gives them.
	states, err := e.ListStudentBadges(context.Background(), "st-00")
	require.NoError(t, err)
	assert.Len(t, unlocked(states), 4)

	// st-01 would earn math_80 and overall_85 on a clean run.
	states, err = e.ListStudentBadges(context.Background(), "st-01")
	require.NoError(t, err)
	assert.Empty(t, unlocked(states))
}

func TestEvaluateAllStudents_SkipsUnparseableCatalogueRows(t *testing.T) {
	f := newFixture(t, 3)
	_, err := f.store.DB().Exec(`
		INSERT INTO badges (code, name, criterion_type, criterion_params, position)
		VALUES ('bad_subject', 'Bad', 'subjectPct', '{}', 98),
		       ('bad_pct', 'Too Much', 'overallPct', '{"minPct":150}', 99)`)
	require.NoError(t, err)
	e := f.engine(nil)

	defs, err := e.ListBadgeDefinitions(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 6)

	report, err := e.EvaluateAllStudents(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 6, report.SkippedBadges)
	assert.Zero(t, report.BadgeErrors)
	assert.Equal(t, 6, f.awardRows(t))

	states, err := e.EvaluateStudent(context.Background(), "st-00")
	require.NoError(t, err)
	require.Len(t, states, 6)
	assert.Equal(t, []string{"streak_3", "perfect_week", "math_80", "overall_85"}, unlocked(states))
}

func TestEvaluateAllStudents_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t, 3)
	e := f.engine(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := e.EvaluateAllStudents(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Zero(t, report.Students)
	assert.Zero(t, f.awardRows(t))
}

func TestEvaluateAllStudents_CancelStopsDispatchButFinishesInFlight(t *testing.T) {
	f := newFixture(t, 6)
	ctx, cancel := context.WithCancel(context.Background())

	gate := &cancellingEvaluator{inner: f.eval, cancelAt: "st-01", cancel: cancel}
	e := f.engine(gate, WithConfig(Config{BatchSize: 10, Concurrency: 1}))

	report, err := e.EvaluateAllStudents(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, report.Cancelled)
	// With one worker at most one more student is dispatched after the cancel.
	assert.GreaterOrEqual(t, report.Students, 2)
	assert.LessOrEqual(t, report.Students, 3)
	assert.Equal(t, report.Students, report.Succeeded, "students already running completed")
}

// cancellingEvaluator cancels the batch context while evaluating cancelAt.
type cancellingEvaluator struct {
	inner    StudentEvaluator
	cancelAt string
	cancel   context.CancelFunc
}

func (c *cancellingEvaluator) Evaluate(ctx context.Context, id string, defs []badge.Definition) (*evaluator.Result, error) {
	if id == c.cancelAt {
		c.cancel()
	}
	return c.inner.Evaluate(ctx, id, defs)
}

func TestEvaluateAllStudents_RatePaced(t *testing.T) {
	f := newFixture(t, 3)
	e := f.engine(nil, WithConfig(Config{BatchSize: 10, Concurrency: 2, StudentsPerSecond: 1000}))

	report, err := e.EvaluateAllStudents(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Succeeded)
}
