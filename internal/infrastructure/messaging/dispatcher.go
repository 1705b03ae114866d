package messaging

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/campusflow/attendance-engine/internal/application/engine"
	"github.com/campusflow/attendance-engine/internal/domain/badge"
	"github.com/campusflow/attendance-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCHER
// ══════════════════════════════════════════════════════════════════════════════

// Engine is the part of the badge engine that triggers drive.
type Engine interface {
	EvaluateStudent(ctx context.Context, studentID string) ([]badge.State, error)
	EvaluateAllStudents(ctx context.Context, batchSize int) (*engine.BatchReport, error)
}

// TriggerMetrics observes dispatched triggers.
type TriggerMetrics interface {
	TriggerHandled(triggerType, status string, d time.Duration)
}

// Trigger outcomes reported to TriggerMetrics.
const (
	TriggerOK        = "ok"
	TriggerFailed    = "failed"
	TriggerCoalesced = "coalesced"
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Workers is the number of triggers handled concurrently.
	Workers int

	// StudentTimeout bounds an evaluate_student trigger; 0 disables it.
	StudentTimeout time.Duration
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{Workers: 4, StudentTimeout: 30 * time.Second}
}

// Dispatcher consumes triggers from a Queue and runs them on the engine.
// At most one evaluate_all runs at a time; one arriving while another is in
// progress is dropped.
type Dispatcher struct {
	queue   Queue
	engine  Engine
	cfg     DispatcherConfig
	metrics TriggerMetrics
	log     zerolog.Logger

	batchRunning atomic.Bool
	handled      atomic.Int64
	failed       atomic.Int64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTriggerMetrics sets the metrics sink.
func WithTriggerMetrics(m TriggerMetrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(q Queue, e Engine, cfg DispatcherConfig, log zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	d := &Dispatcher{
		queue:  q,
		engine: e,
		cfg:    cfg,
		log:    logger.Component(log, "trigger_dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run consumes until ctx ends and in-flight triggers have finished. A student
// evaluation already under way is not cut short by ctx; it runs to completion
// bounded only by StudentTimeout. A running evaluate_all stops dispatching
// students and lets those in flight finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	triggers, err := d.queue.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume triggers: %w", err)
	}

	d.log.Info().Int("workers", d.cfg.Workers).Msg("trigger dispatcher started")

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range triggers {
				d.Handle(ctx, t)
			}
		}()
	}
	wg.Wait()

	d.log.Info().
		Int64("handled", d.handled.Load()).
		Int64("failed", d.failed.Load()).
		Msg("trigger dispatcher stopped")
	return nil
}

// Handle runs one trigger. Errors and panics are logged and counted.
func (d *Dispatcher) Handle(ctx context.Context, t Trigger) {
	start := time.Now()
	status := TriggerOK

	err := d.run(ctx, t)
	switch {
	case errors.Is(err, ErrBatchRunning):
		status = TriggerCoalesced
	case err != nil:
		status = TriggerFailed
		d.failed.Add(1)
		d.log.Error().Err(err).
			Str("trigger_id", t.ID).
			Str("type", string(t.Type)).
			Str(logger.FieldStudentID, t.StudentID).
			Msg("trigger failed")
	}
	d.handled.Add(1)
	if d.metrics != nil {
		d.metrics.TriggerHandled(string(t.Type), status, time.Since(start))
	}
}

// Stats returns the number of handled and failed triggers.
func (d *Dispatcher) Stats() (handled, failed int64) {
	return d.handled.Load(), d.failed.Load()
}

// ErrBatchRunning is returned when an evaluate-all run is requested while
// another one is in progress.
var ErrBatchRunning = errors.New("messaging: batch evaluation already running")

// EvaluateAllStudents runs a full evaluation under the same single-flight
// guard as evaluate_all triggers, so scheduled and queued runs never overlap.
func (d *Dispatcher) EvaluateAllStudents(ctx context.Context, batchSize int) (*engine.BatchReport, error) {
	if !d.batchRunning.CompareAndSwap(false, true) {
		return nil, ErrBatchRunning
	}
	defer d.batchRunning.Store(false)
	return d.engine.EvaluateAllStudents(ctx, batchSize)
}

func (d *Dispatcher) run(ctx context.Context, t Trigger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trigger panic: %v", r)
			d.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("trigger panicked")
		}
	}()

	if err := t.Validate(); err != nil {
		return err
	}

	switch t.Type {
	case TriggerEvaluateStudent:
		ctx = context.WithoutCancel(ctx)
		if d.cfg.StudentTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.cfg.StudentTimeout)
			defer cancel()
		}
		_, err := d.engine.EvaluateStudent(ctx, t.StudentID)
		return err

	case TriggerEvaluateAll:
		_, err := d.EvaluateAllStudents(ctx, t.BatchSize)
		if errors.Is(err, ErrBatchRunning) {
			d.log.Info().Str("trigger_id", t.ID).Msg("batch already running, trigger dropped")
		}
		return err
	}
	return nil
}
