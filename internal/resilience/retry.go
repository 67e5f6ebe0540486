package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Backoff controls how a failed outbound call (face-match scoring, camera
// frame download) is retried.
type Backoff struct {
	// Attempts is the total number of tries including the first. Default: 3.
	Attempts int

	// Initial is the delay before the first retry. Default: 500ms.
	Initial time.Duration

	// Max caps any single delay. Default: 10s.
	Max time.Duration

	// Jitter spreads each delay by up to this fraction either way. Default: 0.2.
	Jitter float64

	// Retryable decides whether an error is worth another try. If nil,
	// IsTransient is used.
	Retryable func(err error) bool

	// OnRetry runs before each backoff sleep.
	OnRetry func(attempt int, err error)
}

// DefaultBackoff returns the backoff used when nothing is configured.
func DefaultBackoff() Backoff {
	return Backoff{
		Attempts: 3,
		Initial:  500 * time.Millisecond,
		Max:      10 * time.Second,
		Jitter:   0.2,
	}
}

// BackoffFromSettings builds a Backoff from config values, keeping defaults
// for anything unset.
func BackoffFromSettings(attempts, initialMs, maxMs int) Backoff {
	b := DefaultBackoff()
	if attempts > 0 {
		b.Attempts = attempts
	}
	if initialMs > 0 {
		b.Initial = time.Duration(initialMs) * time.Millisecond
	}
	if maxMs > 0 {
		b.Max = time.Duration(maxMs) * time.Millisecond
	}
	return b
}

func (b Backoff) normalized() Backoff {
	d := DefaultBackoff()
	if b.Attempts <= 0 {
		b.Attempts = d.Attempts
	}
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Retryable == nil {
		b.Retryable = IsTransient
	}
	return b
}

// delay returns the sleep before retry number n (0-based), doubling from
// Initial up to Max.
func (b Backoff) delay(n int) time.Duration {
	d := math.Min(float64(b.Initial)*math.Pow(2, float64(n)), float64(b.Max))
	if b.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * b.Jitter
	}
	return time.Duration(math.Max(d, 0))
}

// Retry runs fn until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx ends. The last error is returned.
func Retry[T any](ctx context.Context, b Backoff, fn func(ctx context.Context) (T, error)) (T, error) {
	b = b.normalized()

	var zero T
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil || !b.Retryable(err) || attempt >= b.Attempts {
			return zero, err
		}

		if b.OnRetry != nil {
			b.OnRetry(attempt, err)
		}

		timer := time.NewTimer(b.delay(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}

// Do is Retry for calls without a result.
func Do(ctx context.Context, b Backoff, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// LogRetries returns an OnRetry callback that logs through the global logger.
func LogRetries(target, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("resilience: retrying",
			zap.String("target", target),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
