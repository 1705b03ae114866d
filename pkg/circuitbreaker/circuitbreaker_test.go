package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("down")

func failing(context.Context) error { return errDown }
func healthy(context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	var transitions []string
	cb := New("test",
		WithFailureThreshold(3),
		WithTimeout(time.Hour),
		WithOnStateChange(func(_ string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		}),
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, failing), errDown)
	}
	assert.True(t, cb.IsOpen())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsRejected(err))
	assert.False(t, called)
	assert.Equal(t, []string{"closed>open"}, transitions)
}

func TestCircuitBreaker_SuccessResetsStreak(t *testing.T) {
	cb := New("test", WithFailureThreshold(2))
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	require.NoError(t, cb.Execute(ctx, healthy))
	_ = cb.Execute(ctx, failing)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb := New("test", WithFailureThreshold(1), WithTimeout(20*time.Millisecond))
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	require.True(t, cb.IsOpen())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, healthy))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_IgnoresCancellationAndFilteredErrors(t *testing.T) {
	ignored := errors.New("not found")
	cb := New("test", WithFailureThreshold(1), WithIsFailure(func(err error) bool {
		return !errors.Is(err, ignored)
	}))
	ctx := context.Background()

	_ = cb.Execute(ctx, func(context.Context) error { return context.Canceled })
	_ = cb.Execute(ctx, func(context.Context) error { return ignored })
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_Fallback(t *testing.T) {
	cb := New("test", WithFailureThreshold(1), WithTimeout(time.Hour))
	ctx := context.Background()
	_ = cb.Execute(ctx, failing)

	err := cb.ExecuteWithFallback(ctx, healthy, func(error) error { return nil })
	assert.NoError(t, err)

	err = New("fresh").ExecuteWithFallback(ctx, failing, func(error) error { return nil })
	assert.ErrorIs(t, err, errDown, "fallback only covers rejected calls")
}
