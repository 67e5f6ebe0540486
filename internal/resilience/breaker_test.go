package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("facematch: connection refused")

func failCall(_ context.Context) (float64, error) { return 0, errDown }
func okCall(_ context.Context) (float64, error)   { return 0.5, nil }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("test", BreakerSettings{Threshold: threshold, Cooldown: cooldown})
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	for range 3 {
		_, err := Call(ctx, b, failCall)
		assert.ErrorIs(t, err, errDown)
	}
	assert.Equal(t, StateOpen, b.State())

	called := false
	_, err := Call(ctx, b, func(context.Context) (float64, error) {
		called = true
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	_, _ = Call(ctx, b, failCall)
	_, _ = Call(ctx, b, failCall)
	_, err := Call(ctx, b, okCall)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Failures())

	_, _ = Call(ctx, b, failCall)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)
	ctx := context.Background()

	_, _ = Call(ctx, b, failCall)
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(31 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	val, err := Call(ctx, b, okCall)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, val, 1e-9)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)
	ctx := context.Background()

	_, _ = Call(ctx, b, failCall)
	*now = now.Add(time.Minute)

	_, err := Call(ctx, b, failCall)
	assert.ErrorIs(t, err, errDown)
	assert.Equal(t, StateOpen, b.State())

	_, err = Call(ctx, b, okCall)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreaker_SingleTrialInHalfOpen(t *testing.T) {
	b, now := newTestBreaker(1, time.Second)
	ctx := context.Background()

	_, _ = Call(ctx, b, failCall)
	*now = now.Add(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = Call(ctx, b, func(context.Context) (float64, error) {
			close(started)
			<-release
			return 1, nil
		})
	}()
	<-started

	_, err := Call(ctx, b, okCall)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	close(release)
}

func TestBreaker_CountsFilter(t *testing.T) {
	b := NewBreaker("camera", BreakerSettings{
		Threshold: 1,
		Counts:    IsTransient,
	})
	_, err := Call(context.Background(), b, func(context.Context) (int, error) {
		return 0, &StatusError{Service: "camera", StatusCode: 404}
	})
	assert.Error(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerFromSettings(t *testing.T) {
	s := BreakerFromSettings(0, 10)
	assert.Equal(t, 5, s.Threshold)
	assert.Equal(t, 10*time.Second, s.Cooldown)
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(9).String())
}
