package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func newTestBreaker() (*CircuitBreaker, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	cb := New(Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		MaxRequestsHalfOpen: 1,
	})
	cb.now = func() time.Time { return now }
	return cb, &now
}

func fail(ctx context.Context) error    { return errBackend }
func succeed(ctx context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker()
	ctx := context.Background()

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cb, now := newTestBreaker()
	ctx := context.Background()

	var transitions []State
	cb.OnStateChange(func(from, to State) { transitions = append(transitions, to) })

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	*now = now.Add(2 * time.Minute)

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker()
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	*now = now.Add(2 * time.Minute)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_CancelledContextIsNotAFailure(t *testing.T) {
	cb, _ := newTestBreaker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecute_Generic(t *testing.T) {
	cb, _ := newTestBreaker()
	got, err := Execute(context.Background(), cb, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
