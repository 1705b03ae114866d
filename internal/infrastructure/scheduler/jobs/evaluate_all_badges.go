// Package jobs contains the scheduled jobs run by the engine worker.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/campusflow/attendance-engine/internal/application/engine"
	"github.com/campusflow/attendance-engine/internal/infrastructure/messaging"
	"github.com/campusflow/attendance-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// EVALUATE ALL BADGES JOB
// ══════════════════════════════════════════════════════════════════════════════

// JobName is the registered name of EvaluateAllBadgesJob.
const JobName = "evaluate_all_badges"

// BatchEvaluator runs a full evaluation over every student. The worker passes
// the trigger dispatcher so scheduled runs coalesce with queued ones.
type BatchEvaluator interface {
	EvaluateAllStudents(ctx context.Context, batchSize int) (*engine.BatchReport, error)
}

// EvaluateAllBadgesConfig contains configuration for the job.
type EvaluateAllBadgesConfig struct {
	// BatchSize is passed to the engine; 0 uses the engine default.
	BatchSize int

	// Timeout bounds one run; 0 disables it.
	Timeout time.Duration

	// MaxFailureRate fails the run when the share of failed students
	// exceeds it.
	MaxFailureRate float64
}

// DefaultEvaluateAllBadgesConfig returns sensible defaults.
func DefaultEvaluateAllBadgesConfig() EvaluateAllBadgesConfig {
	return EvaluateAllBadgesConfig{
		Timeout:        30 * time.Minute,
		MaxFailureRate: 0.5,
	}
}

// EvaluateAllBadgesJob re-evaluates every student's badges so awards that no
// single attendance trigger caught, such as perfect weeks closing, are made.
type EvaluateAllBadgesJob struct {
	engine BatchEvaluator
	config EvaluateAllBadgesConfig
	log    zerolog.Logger

	lastReport atomic.Pointer[engine.BatchReport]
}

// NewEvaluateAllBadgesJob creates the job.
func NewEvaluateAllBadgesJob(e BatchEvaluator, cfg EvaluateAllBadgesConfig, log zerolog.Logger) *EvaluateAllBadgesJob {
	if cfg.MaxFailureRate <= 0 {
		cfg.MaxFailureRate = 0.5
	}
	return &EvaluateAllBadgesJob{
		engine: e,
		config: cfg,
		log:    logger.Component(log, "job_"+JobName),
	}
}

// Name returns the job name.
func (j *EvaluateAllBadgesJob) Name() string { return JobName }

// Description returns a human-readable description.
func (j *EvaluateAllBadgesJob) Description() string {
	return "Evaluates badge criteria for every student and awards newly earned badges"
}

// Run executes one full evaluation.
func (j *EvaluateAllBadgesJob) Run(ctx context.Context) error {
	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	report, err := j.engine.EvaluateAllStudents(ctx, j.config.BatchSize)
	if errors.Is(err, messaging.ErrBatchRunning) {
		j.log.Info().Msg("evaluation already in progress, skipping this run")
		return nil
	}
	if report != nil {
		j.lastReport.Store(report)
	}
	if err != nil {
		return fmt.Errorf("evaluate all students: %w", err)
	}

	j.log.Info().
		Int("students", report.Students).
		Int("failed", report.Failed).
		Int("new_awards", report.NewAwards).
		Bool("cancelled", report.Cancelled).
		Dur("duration", report.Duration).
		Msg("badge evaluation run finished")

	if report.Students > 0 {
		rate := float64(report.Failed) / float64(report.Students)
		if rate > j.config.MaxFailureRate {
			return fmt.Errorf("evaluation failed for %d of %d students", report.Failed, report.Students)
		}
	}
	return nil
}

// LastReport returns the report of the most recent run, or nil.
func (j *EvaluateAllBadgesJob) LastReport() *engine.BatchReport {
	return j.lastReport.Load()
}
