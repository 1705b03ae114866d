// Package engine is the entry point of the attendance badge engine. It
// evaluates one student or the whole population, serves badge state to the
// host application and accepts manual awards.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/campusflow/attendance-engine/internal/application/evaluator"
	"github.com/campusflow/attendance-engine/internal/domain/attendance"
	"github.com/campusflow/attendance-engine/internal/domain/badge"
	"github.com/campusflow/attendance-engine/internal/domain/shared"
	"github.com/campusflow/attendance-engine/pkg/logger"
	"github.com/campusflow/attendance-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// COLLABORATORS
// ══════════════════════════════════════════════════════════════════════════════

// StudentEvaluator runs the badge rules for one student.
type StudentEvaluator interface {
	Evaluate(ctx context.Context, studentID string, defs []badge.Definition) (*evaluator.Result, error)
}

// StateCache caches the badge state list of a student. Implementations must
// tolerate concurrent use; cache errors never fail an engine operation.
//
// A refill is guarded by a token taken before the ledger read: SetStates must
// discard the states when Invalidate or InvalidateAll ran after FillToken.
type StateCache interface {
	GetStates(ctx context.Context, studentID string) ([]badge.State, bool, error)
	FillToken(ctx context.Context, studentID string) (string, error)
	SetStates(ctx context.Context, studentID, token string, states []badge.State) error
	Invalidate(ctx context.Context, studentID string) error
	InvalidateAll(ctx context.Context) error
}

// Metrics receives engine measurements.
type Metrics interface {
	ObserveBadge(kind, status string, d time.Duration)
	ObserveStudent(d time.Duration, failed bool)
	ObserveBatch(students, failed, awards int, d time.Duration)
	AwardCreated(badgeCode string, manual bool)
}

type nopMetrics struct{}

func (nopMetrics) ObserveBadge(string, string, time.Duration) {}
func (nopMetrics) ObserveStudent(time.Duration, bool)         {}
func (nopMetrics) ObserveBatch(int, int, int, time.Duration)  {}
func (nopMetrics) AwardCreated(string, bool)                  {}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config controls batch evaluation.
type Config struct {
	// BatchSize is the page size used to walk the student population.
	BatchSize int

	// Concurrency bounds the number of students evaluated in parallel.
	Concurrency int

	// StudentsPerSecond paces batch work; 0 disables pacing.
	StudentsPerSecond float64

	// StudentTimeout bounds a single student's evaluation; 0 disables it.
	StudentTimeout time.Duration
}

// DefaultConfig returns the batch defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      100,
		Concurrency:    8,
		StudentTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	return c
}

// ══════════════════════════════════════════════════════════════════════════════
// ENGINE
// ══════════════════════════════════════════════════════════════════════════════

// Engine orchestrates badge evaluation.
type Engine struct {
	students  attendance.Repository
	catalog   badge.Catalog
	ledger    badge.Ledger
	evaluator StudentEvaluator

	cache     StateCache
	publisher shared.EventPublisher
	metrics   Metrics
	limiter   *rate.Limiter

	cfg   Config
	clock timeutil.Clock
	log   zerolog.Logger

	lastReport atomic.Pointer[BatchReport]
}

// Option configures an Engine.
type Option func(*Engine)

// WithStateCache enables read-through caching of ListStudentBadges.
func WithStateCache(c StateCache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithPublisher publishes badge.awarded and batch completion events.
func WithPublisher(p shared.EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithConfig sets batch configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg.withDefaults() }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = logger.Component(l, "engine") }
}

// WithClock overrides the clock used for manual awards and reports.
func WithClock(c timeutil.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New creates an Engine.
func New(
	students attendance.Repository,
	catalog badge.Catalog,
	ledger badge.Ledger,
	eval StudentEvaluator,
	opts ...Option,
) *Engine {
	e := &Engine{
		students:  students,
		catalog:   catalog,
		ledger:    ledger,
		evaluator: eval,
		metrics:   nopMetrics{},
		cfg:       DefaultConfig(),
		clock:     timeutil.SystemClock,
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.StudentsPerSecond > 0 {
		burst := e.cfg.Concurrency
		e.limiter = rate.NewLimiter(rate.Limit(e.cfg.StudentsPerSecond), burst)
	}
	return e
}

// Config returns the effective batch configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// LastReport returns the report of the most recent completed batch, or nil.
func (e *Engine) LastReport() *BatchReport {
	return e.lastReport.Load()
}

// ListBadgeDefinitions returns the catalogue in evaluation order.
func (e *Engine) ListBadgeDefinitions(ctx context.Context) ([]badge.Definition, error) {
	defs, err := e.catalog.ListDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list badge definitions: %w", err)
	}
	return defs, nil
}

// UpsertBadgeDefinitions inserts or replaces catalogue entries and drops
// every cached badge state, since each lists the whole catalogue.
func (e *Engine) UpsertBadgeDefinitions(ctx context.Context, defs []badge.Definition) error {
	if err := e.catalog.UpsertDefinitions(ctx, defs); err != nil {
		return fmt.Errorf("upsert badge definitions: %w", err)
	}
	e.log.Info().Int("badges", len(defs)).Msg("badge catalogue updated")
	if e.cache != nil {
		if err := e.cache.InvalidateAll(ctx); err != nil {
			e.log.Warn().Err(err).Msg("badge state cache flush failed")
		}
	}
	return nil
}

// EvaluateStudent runs every badge rule for the student and returns the
// refreshed badge states. Failures of individual badges are logged and do not
// fail the call; their badges simply stay locked until a later pass.
func (e *Engine) EvaluateStudent(ctx context.Context, studentID string) ([]badge.State, error) {
	if err := e.requireStudent(ctx, studentID); err != nil {
		return nil, err
	}
	defs, err := e.ListBadgeDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := e.evaluate(ctx, studentID, defs); err != nil {
		return nil, err
	}
	return e.loadStates(ctx, studentID)
}

// ListStudentBadges returns the full catalogue with the student's awards,
// locked badges included.
func (e *Engine) ListStudentBadges(ctx context.Context, studentID string) ([]badge.State, error) {
	if e.cache != nil && studentID != "" {
		states, ok, err := e.cache.GetStates(ctx, studentID)
		if err != nil {
			e.log.Warn().Err(err).Str(logger.FieldStudentID, studentID).Msg("badge state cache read failed")
		} else if ok {
			return states, nil
		}
	}
	if err := e.requireStudent(ctx, studentID); err != nil {
		return nil, err
	}
	return e.loadStates(ctx, studentID)
}

// AwardManually grants a badge on an administrator's request. It goes through
// the same ledger as rule-based awards, so granting an already held badge
// reports inserted=false.
func (e *Engine) AwardManually(ctx context.Context, studentID, badgeCode, awardedBy string) (bool, error) {
	if strings.TrimSpace(badgeCode) == "" {
		return false, shared.ErrEmptyBadgeCode
	}
	if err := e.requireStudent(ctx, studentID); err != nil {
		return false, err
	}
	def, err := e.catalog.GetDefinition(ctx, badgeCode)
	if err != nil {
		return false, err
	}

	meta := badge.Metadata{badge.MetaManual: true}
	if awardedBy != "" {
		meta[badge.MetaAwardedBy] = awardedBy
	}
	award := badge.Award{
		ID:        uuid.NewString(),
		StudentID: studentID,
		BadgeCode: def.Code,
		AwardedAt: e.clock().UTC(),
		Metadata:  meta,
	}
	inserted, err := e.ledger.Award(ctx, award)
	if err != nil {
		return false, fmt.Errorf("manual award %s/%s: %w", studentID, badgeCode, err)
	}

	e.log.Info().
		Str(logger.FieldStudentID, studentID).
		Str(logger.FieldBadgeCode, badgeCode).
		Str("awarded_by", awardedBy).
		Bool("inserted", inserted).
		Msg("manual award")

	if inserted {
		e.metrics.AwardCreated(def.Code, true)
		e.publishAward(ctx, award, def.Name, true)
		e.invalidate(ctx, studentID)
	}
	return inserted, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// INTERNALS
// ══════════════════════════════════════════════════════════════════════════════

func (e *Engine) requireStudent(ctx context.Context, studentID string) error {
	if strings.TrimSpace(studentID) == "" {
		return shared.ErrEmptyStudentID
	}
	if _, err := e.students.GetStudent(ctx, studentID); err != nil {
		if shared.IsNotFound(err) {
			return err
		}
		return fmt.Errorf("load student %s: %w", studentID, err)
	}
	return nil
}

// evaluate runs the evaluator, records metrics, publishes new awards and
// drops the cached state.
func (e *Engine) evaluate(ctx context.Context, studentID string, defs []badge.Definition) (*evaluator.Result, error) {
	start := e.clock()
	res, err := e.evaluator.Evaluate(ctx, studentID, defs)
	if err != nil {
		e.metrics.ObserveStudent(e.clock().Sub(start), true)
		return nil, err
	}

	names := make(map[string]string, len(defs))
	for _, d := range defs {
		names[d.Code] = d.Name
	}
	for _, o := range res.Outcomes {
		e.metrics.ObserveBadge(string(o.Kind), string(o.Status), o.Latency)
	}
	for _, a := range res.Awarded {
		e.metrics.AwardCreated(a.BadgeCode, false)
		e.publishAward(ctx, a, names[a.BadgeCode], false)
	}
	if len(res.Awarded) > 0 {
		e.invalidate(ctx, studentID)
	}
	e.metrics.ObserveStudent(e.clock().Sub(start), false)

	if errs := res.Err(); errs != nil {
		e.log.Warn().Err(errs).
			Str(logger.FieldStudentID, studentID).
			Int("errored", res.Count(evaluator.StatusErrored)).
			Msg("some badges could not be evaluated")
	}
	return res, nil
}

func (e *Engine) loadStates(ctx context.Context, studentID string) ([]badge.State, error) {
	var token string
	fill := false
	if e.cache != nil {
		t, err := e.cache.FillToken(ctx, studentID)
		if err != nil {
			e.log.Warn().Err(err).Str(logger.FieldStudentID, studentID).Msg("badge state cache token read failed")
		} else {
			token, fill = t, true
		}
	}

	states, err := e.ledger.StatesFor(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("badge states %s: %w", studentID, err)
	}
	if fill {
		if err := e.cache.SetStates(ctx, studentID, token, states); err != nil {
			e.log.Warn().Err(err).Str(logger.FieldStudentID, studentID).Msg("badge state cache write failed")
		}
	}
	return states, nil
}

func (e *Engine) invalidate(ctx context.Context, studentID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx, studentID); err != nil {
		e.log.Warn().Err(err).Str(logger.FieldStudentID, studentID).Msg("badge state cache invalidation failed")
	}
}

func (e *Engine) publishAward(ctx context.Context, a badge.Award, name string, manual bool) {
	if e.publisher == nil {
		return
	}
	ev := shared.NewBadgeAwardedEvent(a.StudentID, a.BadgeCode, name, manual, a.Metadata.Clone())
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.log.Warn().Err(err).
			Str(logger.FieldStudentID, a.StudentID).
			Str(logger.FieldBadgeCode, a.BadgeCode).
			Msg("failed to publish badge.awarded event")
	}
}
