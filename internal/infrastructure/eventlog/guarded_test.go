package eventlog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusflow/attendance-engine/internal/domain/shared"
	"github.com/campusflow/attendance-engine/pkg/circuitbreaker"
	"github.com/campusflow/attendance-engine/pkg/logger"
)

type flakyLog struct {
	calls atomic.Int32
	err   atomic.Pointer[error]
	delay time.Duration
}

func (f *flakyLog) HasEvent(ctx context.Context, _, eventName string) (bool, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if p := f.err.Load(); p != nil {
		return false, *p
	}
	return eventName == "hackathon", nil
}

func (f *flakyLog) fail(err error) { f.err.Store(&err) }
func (f *flakyLog) heal()          { f.err.Store(nil) }

func TestGuarded_PassesThrough(t *testing.T) {
	g := New(&flakyLog{}, DefaultConfig(), logger.Nop())

	ok, err := g.HasEvent(context.Background(), "st-1", "hackathon")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.HasEvent(context.Background(), "st-1", "meetup")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGuarded_FailsClosedAndOpens(t *testing.T) {
	inner := &flakyLog{}
	g := New(inner, Config{FailureThreshold: 2, OpenFor: 50 * time.Millisecond}, logger.Nop())
	ctx := context.Background()

	inner.fail(errors.New("connection refused"))
	for i := 0; i < 2; i++ {
		ok, err := g.HasEvent(ctx, "st-1", "hackathon")
		assert.False(t, ok)
		assert.ErrorIs(t, err, shared.ErrEventLogUnavailable)
		assert.True(t, shared.IsRetryable(err))
	}
	assert.Equal(t, circuitbreaker.StateOpen, g.State())

	// Open: answered locally as absent.
	calls := inner.calls.Load()
	ok, err := g.HasEvent(ctx, "st-1", "hackathon")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, calls, inner.calls.Load())

	// After the open period a successful probe closes the circuit.
	inner.heal()
	require.Eventually(t, func() bool {
		ok, err := g.HasEvent(ctx, "st-1", "hackathon")
		return err == nil && ok
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, circuitbreaker.StateClosed, g.State())
}

func TestGuarded_Timeout(t *testing.T) {
	g := New(&flakyLog{delay: time.Second}, Config{Timeout: 10 * time.Millisecond, FailureThreshold: 5}, logger.Nop())

	ok, err := g.HasEvent(context.Background(), "st-1", "hackathon")
	assert.False(t, ok)
	assert.ErrorIs(t, err, shared.ErrEventLogUnavailable)
}
