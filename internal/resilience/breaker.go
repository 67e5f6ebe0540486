// Package resilience provides retry with backoff and circuit breaking for
// calls to the face-match service and camera snapshot endpoints.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	// StateClosed lets calls through.
	StateClosed BreakerState = iota
	// StateOpen rejects calls until the cooldown passes.
	StateOpen
	// StateHalfOpen lets one trial call through.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned for calls rejected by an open breaker.
var ErrCircuitOpen = eris.New("resilience: circuit open")

// BreakerSettings configures a Breaker.
type BreakerSettings struct {
	// Threshold is the number of consecutive failures that opens the
	// breaker. Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open. Default: 30s.
	Cooldown time.Duration

	// Counts decides whether an error counts as a failure. If nil, every
	// non-nil error does.
	Counts func(err error) bool
}

// BreakerFromSettings builds BreakerSettings from config values.
func BreakerFromSettings(threshold, cooldownSecs int) BreakerSettings {
	s := BreakerSettings{Threshold: 5, Cooldown: 30 * time.Second}
	if threshold > 0 {
		s.Threshold = threshold
	}
	if cooldownSecs > 0 {
		s.Cooldown = time.Duration(cooldownSecs) * time.Second
	}
	return s
}

// Breaker guards one downstream dependency. When the dependency keeps
// failing, callers get ErrCircuitOpen immediately instead of waiting on
// timeouts.
type Breaker struct {
	name string
	set  BreakerSettings

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	trial    bool

	now func() time.Time
}

// NewBreaker creates a closed breaker. name labels its log lines.
func NewBreaker(name string, s BreakerSettings) *Breaker {
	if s.Threshold <= 0 {
		s.Threshold = 5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	if s.Counts == nil {
		s.Counts = func(err error) bool { return err != nil }
	}
	return &Breaker{name: name, set: s, now: time.Now}
}

// Call runs fn unless the breaker is open.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.record(err)
	return val, err
}

// State reports the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.set.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Failures reports the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.set.Cooldown {
			return ErrCircuitOpen
		}
		b.move(StateHalfOpen)
		b.trial = true
		return nil
	case StateHalfOpen:
		// Only one trial call at a time.
		if b.trial {
			return ErrCircuitOpen
		}
		b.trial = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !b.set.Counts(err) {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.trial = false
			b.move(StateClosed)
		}
		return
	}

	b.failures++
	switch {
	case b.state == StateHalfOpen:
		b.trial = false
		b.openedAt = b.now()
		b.move(StateOpen)
	case b.state == StateClosed && b.failures >= b.set.Threshold:
		b.openedAt = b.now()
		b.move(StateOpen)
	}
}

func (b *Breaker) move(to BreakerState) {
	if b.state == to {
		return
	}
	zap.L().Info("resilience: breaker state change",
		zap.String("breaker", b.name),
		zap.Stringer("from", b.state),
		zap.Stringer("to", to),
		zap.Int("failures", b.failures),
	)
	b.state = to
}
