package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/campusflow/attendance-engine/internal/application/evaluator"
	"github.com/campusflow/attendance-engine/internal/domain/badge"
	"github.com/campusflow/attendance-engine/internal/domain/shared"
	"github.com/campusflow/attendance-engine/pkg/logger"
	"github.com/campusflow/attendance-engine/pkg/retry"
)

// BatchReport summarises an EvaluateAllStudents run.
type BatchReport struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	BatchSize int           `json:"batchSize"`

	// Students is the number of students whose evaluation was started.
	Students  int `json:"students"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	NewAwards     int `json:"newAwards"`
	BadgeErrors   int `json:"badgeErrors"`
	SkippedBadges int `json:"skippedBadges"`

	// Cancelled is set when the context ended before every student was
	// dispatched.
	Cancelled bool `json:"cancelled"`

	Failures []StudentFailure `json:"failures,omitempty"`
}

// StudentFailure records a student whose evaluation could not complete.
type StudentFailure struct {
	StudentID string `json:"studentId"`
	Error     string `json:"error"`
}

// maxRecordedFailures caps BatchReport.Failures; Failed keeps the full count.
const maxRecordedFailures = 100

type batchState struct {
	mu     sync.Mutex
	report *BatchReport
}

func (s *batchState) record(studentID string, res *evaluator.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.report
	if err != nil {
		r.Failed++
		if len(r.Failures) < maxRecordedFailures {
			r.Failures = append(r.Failures, StudentFailure{StudentID: studentID, Error: err.Error()})
		}
		return
	}
	r.Succeeded++
	r.NewAwards += len(res.Awarded)
	r.BadgeErrors += res.Count(evaluator.StatusErrored)
	r.SkippedBadges += res.Count(evaluator.StatusSkipped)
}

// EvaluateAllStudents evaluates every student on a bounded worker pool.
//
// Students are read in pages of batchSize (the configured size when <= 0). A
// failing or panicking student is logged and counted, never aborting the
// batch. Cancelling ctx stops dispatching new students; those already running
// finish on a context detached from ctx so no award write is cut short. The
// returned error is non-nil only when the population or catalogue cannot be
// read, or when ctx ended early; the report is returned in every case.
func (e *Engine) EvaluateAllStudents(ctx context.Context, batchSize int) (*BatchReport, error) {
	if batchSize <= 0 {
		batchSize = e.cfg.BatchSize
	}
	start := e.clock()
	state := &batchState{report: &BatchReport{StartedAt: start.UTC(), BatchSize: batchSize}}
	log := e.log.With().Int(logger.FieldBatchSize, batchSize).Logger()

	log.Info().Int("concurrency", e.cfg.Concurrency).Msg("starting batch evaluation")

	defs, err := e.ListBadgeDefinitions(ctx)
	if err != nil {
		return e.finishBatch(state, start), err
	}

	work := context.WithoutCancel(ctx)
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Concurrency)

	runErr := e.dispatch(ctx, batchSize, func(studentID string) {
		state.mu.Lock()
		state.report.Students++
		state.mu.Unlock()

		g.Go(func() error {
			res, err := e.evaluateIsolated(work, studentID, defs)
			state.record(studentID, res, err)
			return nil
		})
	})
	_ = g.Wait()

	cancelled := errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)
	state.report.Cancelled = cancelled
	report := e.finishBatch(state, start)
	switch {
	case cancelled:
		log.Warn().Int("students", report.Students).Msg("batch evaluation stopped before completion")
	case runErr != nil:
		log.Error().Err(runErr).Msg("batch evaluation aborted")
	}

	log.Info().
		Int("students", report.Students).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("new_awards", report.NewAwards).
		Int("badge_errors", report.BadgeErrors).
		Dur(logger.FieldLatency, report.Duration).
		Msg("batch evaluation finished")

	return report, runErr
}

// dispatch walks the student population page by page and hands each id to
// fn. It stops at the first page read failure (after retries) or when ctx
// ends.
func (e *Engine) dispatch(ctx context.Context, batchSize int, fn func(studentID string)) error {
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := retry.DoWithData(ctx, func(ctx context.Context) ([]string, error) {
			return e.students.ListStudentIDs(ctx, after, batchSize)
		}, retry.WithRetryIf(isTransient))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("list students after %q: %w", after, err)
		}

		for _, id := range ids {
			if e.limiter != nil {
				if err := e.limiter.Wait(ctx); err != nil {
					return ctx.Err()
				}
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			fn(id)
		}

		if len(ids) < batchSize {
			return nil
		}
		after = ids[len(ids)-1]
	}
}

// evaluateIsolated evaluates one student, turning panics into errors.
func (e *Engine) evaluateIsolated(ctx context.Context, studentID string, defs []badge.Definition) (res *evaluator.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic evaluating student %s: %v", studentID, r)
			e.log.Error().Interface("panic", r).Str(logger.FieldStudentID, studentID).Msg("student evaluation panicked")
		}
	}()

	if e.cfg.StudentTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.StudentTimeout)
		defer cancel()
	}

	res, err = e.evaluate(ctx, studentID, defs)
	if err != nil {
		e.log.Error().Err(err).Str(logger.FieldStudentID, studentID).Msg("student evaluation failed")
	}
	return res, err
}

func (e *Engine) finishBatch(state *batchState, start time.Time) *BatchReport {
	state.mu.Lock()
	report := *state.report
	state.mu.Unlock()

	report.Duration = e.clock().Sub(start)
	e.lastReport.Store(&report)
	e.metrics.ObserveBatch(report.Students, report.Failed, report.NewAwards, report.Duration)

	if e.publisher != nil {
		ev := shared.NewBatchCompletedEvent(report.Students, report.Failed, report.NewAwards, report.Duration)
		if err := e.publisher.Publish(context.Background(), ev); err != nil {
			e.log.Warn().Err(err).Msg("failed to publish batch completion event")
		}
	}
	return &report
}

// isTransient reports whether a store error is worth retrying: anything but
// cancellation, validation and not-found errors.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !shared.IsValidation(err) && !shared.IsNotFound(err)
}
