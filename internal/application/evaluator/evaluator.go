// Package evaluator decides which badges a student has earned and records
// new awards through the ledger.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/campusflow/attendance-engine/internal/domain/attendance"
	"github.com/campusflow/attendance-engine/internal/domain/badge"
	"github.com/campusflow/attendance-engine/internal/domain/shared"
	"github.com/campusflow/attendance-engine/pkg/logger"
	"github.com/campusflow/attendance-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// StatsSource is implemented by analytics.Aggregator.
type StatsSource interface {
	SubjectStats(ctx context.Context, studentID, subjectID string) (attendance.Stats, error)
	OverallStats(ctx context.Context, studentID string) (attendance.Stats, error)
	SemesterStats(ctx context.Context, studentID string) (attendance.Stats, error)
}

// PatternSource is implemented by analytics.Detector.
type PatternSource interface {
	Streak(ctx context.Context, studentID string) (int, error)
	HadPerfectWeek(ctx context.Context, studentID string) (bool, error)
	CrossSubjectSequence(ctx context.Context, studentID string, n int) (bool, error)
}

// Status is what happened to one badge during an evaluation pass.
type Status string

const (
	StatusAwarded Status = "awarded" // passed, new award row
	StatusHeld    Status = "held"    // passed, award already existed
	StatusNotMet  Status = "not_met" // criterion failed
	StatusSkipped Status = "skipped" // unknown criterion
	StatusErrored Status = "errored" // store error or panic
)

// BadgeOutcome is the result for one badge definition.
type BadgeOutcome struct {
	Code    string
	Kind    badge.Kind
	Status  Status
	Latency time.Duration
	Err     error
}

// Result summarises one student's evaluation pass.
type Result struct {
	StudentID string
	Outcomes  []BadgeOutcome
	Awarded   []badge.Award
}

// Count returns how many badges ended with status s.
func (r *Result) Count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// Err joins every per-badge error, nil when all badges were evaluated.
func (r *Result) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("badge %s: %w", o.Code, o.Err))
		}
	}
	return errors.Join(errs...)
}

// ══════════════════════════════════════════════════════════════════════════════
// EVALUATOR
// ══════════════════════════════════════════════════════════════════════════════

// Evaluator runs every badge criterion for a student. Badges are isolated: an
// error or panic in one is recorded in its outcome and the pass continues.
type Evaluator struct {
	stats    StatsSource
	patterns PatternSource
	events   badge.EventLog
	ledger   badge.Ledger
	clock    timeutil.Clock
	newID    func() string
	log      zerolog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithEventLog sets the event log used by event criteria. Without one every
// event criterion fails.
func WithEventLog(l badge.EventLog) Option {
	return func(e *Evaluator) { e.events = l }
}

// WithClock overrides the award timestamp clock.
func WithClock(c timeutil.Clock) Option {
	return func(e *Evaluator) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Evaluator) { e.log = logger.Component(l, "evaluator") }
}

// WithIDGenerator overrides award id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Evaluator) { e.newID = fn }
}

// New creates an Evaluator.
func New(stats StatsSource, patterns PatternSource, ledger badge.Ledger, opts ...Option) *Evaluator {
	e := &Evaluator{
		stats:    stats,
		patterns: patterns,
		ledger:   ledger,
		clock:    timeutil.SystemClock,
		newID:    uuid.NewString,
		log:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs every definition, in the given order, for the student. The
// returned error is non-nil only for invalid input; per-badge failures are
// reported in the Result.
func (e *Evaluator) Evaluate(ctx context.Context, studentID string, defs []badge.Definition) (*Result, error) {
	if studentID == "" {
		return nil, shared.ErrEmptyStudentID
	}

	res := &Result{StudentID: studentID, Outcomes: make([]BadgeOutcome, 0, len(defs))}
	v := &studentVisitor{e: e, studentID: studentID}

	for _, def := range defs {
		start := time.Now()
		out := e.evaluateBadge(ctx, v, def, res)
		out.Latency = time.Since(start)
		res.Outcomes = append(res.Outcomes, out)
	}
	return res, nil
}

func (e *Evaluator) evaluateBadge(ctx context.Context, v *studentVisitor, def badge.Definition, res *Result) (out BadgeOutcome) {
	out = BadgeOutcome{Code: def.Code}
	if def.Criterion == nil {
		out.Status = StatusSkipped
		return out
	}
	out.Kind = def.Criterion.Kind()

	log := e.log.With().
		Str(logger.FieldStudentID, v.studentID).
		Str(logger.FieldBadgeCode, def.Code).
		Str(logger.FieldCriterion, string(out.Kind)).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			out.Status = StatusErrored
			out.Err = fmt.Errorf("panic: %v", r)
			log.Error().Interface("panic", r).Msg("badge evaluation panicked")
		}
	}()

	outcome, err := def.Criterion.Accept(ctx, v)
	switch {
	case shared.IsUnknownCriterion(err):
		log.Warn().Err(err).Msg("criterion cannot be evaluated, badge skipped")
		out.Status = StatusSkipped
		return out
	case err != nil:
		log.Error().Err(err).Msg("criterion evaluation failed")
		out.Status = StatusErrored
		out.Err = err
		return out
	case !outcome.Passed:
		out.Status = StatusNotMet
		return out
	}

	award := badge.Award{
		ID:        e.newID(),
		StudentID: v.studentID,
		BadgeCode: def.Code,
		AwardedAt: e.clock().UTC(),
		Metadata:  outcome.Evidence,
	}
	inserted, err := e.ledger.Award(ctx, award)
	if err != nil {
		log.Error().Err(err).Msg("award write failed")
		out.Status = StatusErrored
		out.Err = err
		return out
	}
	if !inserted {
		out.Status = StatusHeld
		return out
	}

	log.Info().Msg("badge awarded")
	res.Awarded = append(res.Awarded, award)
	out.Status = StatusAwarded
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// CRITERION VISITOR
// ══════════════════════════════════════════════════════════════════════════════

type studentVisitor struct {
	e         *Evaluator
	studentID string
}

var _ badge.Visitor = (*studentVisitor)(nil)

func (v *studentVisitor) VisitStreak(ctx context.Context, c badge.StreakCriterion) (badge.Outcome, error) {
	n, err := v.e.patterns.Streak(ctx, v.studentID)
	if err != nil {
		return badge.Fail(), err
	}
	if n < c.MinDays {
		return badge.Fail(), nil
	}
	return badge.Pass(badge.Metadata{badge.MetaStreak: n}), nil
}

func (v *studentVisitor) VisitPerfectWeek(ctx context.Context, _ badge.PerfectWeekCriterion) (badge.Outcome, error) {
	ok, err := v.e.patterns.HadPerfectWeek(ctx, v.studentID)
	if err != nil || !ok {
		return badge.Fail(), err
	}
	return badge.Pass(nil), nil
}

func (v *studentVisitor) VisitSubjectPct(ctx context.Context, c badge.SubjectPctCriterion) (badge.Outcome, error) {
	s, err := v.e.stats.SubjectStats(ctx, v.studentID, c.SubjectID)
	if err != nil || !s.AtLeast(c.MinPct) {
		return badge.Fail(), err
	}
	return badge.Pass(badge.Metadata{
		badge.MetaSubjectID:  c.SubjectID,
		badge.MetaPercentage: *s.Percentage,
	}), nil
}

func (v *studentVisitor) VisitOverallPct(ctx context.Context, c badge.OverallPctCriterion) (badge.Outcome, error) {
	return percentageOutcome(v.e.stats.OverallStats(ctx, v.studentID))(c.MinPct)
}

func (v *studentVisitor) VisitSemesterPct(ctx context.Context, c badge.SemesterPctCriterion) (badge.Outcome, error) {
	return percentageOutcome(v.e.stats.SemesterStats(ctx, v.studentID))(c.MinPct)
}

// VisitEvent fails closed: a missing or failing event log means "no event".
func (v *studentVisitor) VisitEvent(ctx context.Context, c badge.EventCriterion) (badge.Outcome, error) {
	if v.e.events == nil {
		return badge.Fail(), nil
	}
	ok, err := v.e.events.HasEvent(ctx, v.studentID, c.EventName)
	if err != nil {
		v.e.log.Warn().Err(err).
			Str(logger.FieldStudentID, v.studentID).
			Str("event", c.EventName).
			Msg("event log unavailable, treating event as absent")
		return badge.Fail(), nil
	}
	if !ok {
		return badge.Fail(), nil
	}
	return badge.Pass(badge.Metadata{badge.MetaEvent: c.EventName}), nil
}

func (v *studentVisitor) VisitCrossSubjectSequence(ctx context.Context, c badge.CrossSubjectSequenceCriterion) (badge.Outcome, error) {
	ok, err := v.e.patterns.CrossSubjectSequence(ctx, v.studentID, c.Count)
	if err != nil || !ok {
		return badge.Fail(), err
	}
	return badge.Pass(nil), nil
}

func (v *studentVisitor) VisitUnknown(_ context.Context, c badge.UnknownCriterion) (badge.Outcome, error) {
	if c.Invalid != nil {
		return badge.Fail(), shared.WrapError("badge", "Evaluate", shared.ErrUnknownCriterion,
			fmt.Sprintf("criterion %q has invalid parameters", c.Tag), c.Invalid)
	}
	return badge.Fail(), shared.NewDomainError("badge", "Evaluate", shared.ErrUnknownCriterion,
		fmt.Sprintf("criterion %q", c.Tag))
}

func percentageOutcome(s attendance.Stats, err error) func(minPct float64) (badge.Outcome, error) {
	return func(minPct float64) (badge.Outcome, error) {
		if err != nil || !s.AtLeast(minPct) {
			return badge.Fail(), err
		}
		return badge.Pass(badge.Metadata{badge.MetaPercentage: *s.Percentage}), nil
	}
}
