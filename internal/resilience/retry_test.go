package resilience

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBackoff(attempts int) Backoff {
	return Backoff{Attempts: attempts, Initial: time.Millisecond, Max: 5 * time.Millisecond}
}

func TestRetry_SucceedsFirstTry(t *testing.T) {
	calls := 0
	val, err := Retry(context.Background(), fastBackoff(3), func(_ context.Context) (float64, error) {
		calls++
		return 0.72, nil
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.72, val, 1e-9)
	assert.Equal(t, 1, calls)
}

func TestRetry_RetriesTransientStatus(t *testing.T) {
	calls := 0
	var retried []int
	b := fastBackoff(3)
	b.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	val, err := Retry(context.Background(), b, func(_ context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &StatusError{Service: "facematch", StatusCode: http.StatusServiceUnavailable}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastBackoff(5), func(_ context.Context) error {
		calls++
		return &StatusError{Service: "camera", StatusCode: http.StatusNotFound}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	sentinel := &StatusError{Service: "facematch", StatusCode: http.StatusBadGateway}
	err := Do(context.Background(), fastBackoff(4), func(_ context.Context) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 4, calls)
}

func TestRetry_CustomRetryable(t *testing.T) {
	calls := 0
	b := fastBackoff(3)
	b.Retryable = func(error) bool { return true }
	_ = Do(context.Background(), b, func(_ context.Context) error {
		calls++
		return errors.New("anything")
	})
	assert.Equal(t, 3, calls)
}

func TestRetry_ContextCancelStopsSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := Backoff{Attempts: 5, Initial: time.Hour, Max: time.Hour}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, b, func(_ context.Context) error {
			calls++
			return &StatusError{Service: "x", StatusCode: http.StatusTooManyRequests}
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestBackoff_DelayCapped(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: 300 * time.Millisecond}.normalized()
	b.Jitter = 0
	assert.Equal(t, 100*time.Millisecond, b.delay(0))
	assert.Equal(t, 200*time.Millisecond, b.delay(1))
	assert.Equal(t, 300*time.Millisecond, b.delay(2))
	assert.Equal(t, 300*time.Millisecond, b.delay(8))
}

func TestBackoffFromSettings(t *testing.T) {
	b := BackoffFromSettings(2, 250, 0)
	assert.Equal(t, 2, b.Attempts)
	assert.Equal(t, 250*time.Millisecond, b.Initial)
	assert.Equal(t, DefaultBackoff().Max, b.Max)
}
