// Package eventlog guards the student event log consulted by event
// criteria. While the log is unreachable, events read as absent.
package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/campusflow/attendance-engine/internal/domain/badge"
	"github.com/campusflow/attendance-engine/internal/domain/shared"
	"github.com/campusflow/attendance-engine/pkg/circuitbreaker"
	"github.com/campusflow/attendance-engine/pkg/logger"
)

// Config tunes the guard.
type Config struct {
	// Timeout bounds a single lookup; 0 disables it.
	Timeout time.Duration

	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold uint32

	// OpenFor is how long the circuit stays open before probing.
	OpenFor time.Duration

	// OnStateChange, when set, also receives breaker transitions.
	OnStateChange func(name string, from, to circuitbreaker.State)
}

// DefaultConfig returns the guard defaults.
func DefaultConfig() Config {
	return Config{Timeout: 2 * time.Second, FailureThreshold: 5, OpenFor: 30 * time.Second}
}

// Guarded wraps an EventLog with a timeout and a circuit breaker.
type Guarded struct {
	inner   badge.EventLog
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
	log     zerolog.Logger
}

var _ badge.EventLog = (*Guarded)(nil)

// New wraps inner.
func New(inner badge.EventLog, cfg Config, log zerolog.Logger) *Guarded {
	g := &Guarded{
		inner:   inner,
		timeout: cfg.Timeout,
		log:     logger.Component(log, "event_log"),
	}
	g.breaker = circuitbreaker.New("event_log",
		circuitbreaker.WithFailureThreshold(cfg.FailureThreshold),
		circuitbreaker.WithTimeout(cfg.OpenFor),
		circuitbreaker.WithOnStateChange(func(name string, from, to circuitbreaker.State) {
			g.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("event log circuit state changed")
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from, to)
			}
		}),
	)
	return g
}

// HasEvent reports whether the event was recorded. While the circuit is open
// it returns false without error and without calling the log; a failed lookup
// returns false with an error wrapping shared.ErrEventLogUnavailable.
func (g *Guarded) HasEvent(ctx context.Context, studentID, eventName string) (bool, error) {
	var found bool
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		var err error
		found, err = g.inner.HasEvent(ctx, studentID, eventName)
		return err
	})
	switch {
	case err == nil:
		return found, nil
	case circuitbreaker.IsRejected(err):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", shared.ErrEventLogUnavailable, err)
	}
}

// State returns the breaker state for readiness reporting.
func (g *Guarded) State() circuitbreaker.State {
	return g.breaker.State()
}
