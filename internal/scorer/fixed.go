package scorer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sells-group/reunite/internal/model"
)

// Fixed is a deterministic scorer: each encoding maps to a configured
// confidence or error, and unknown encodings get Default. It is used by tests
// and by dry runs without a face-match service.
type Fixed struct {
	mu     sync.RWMutex
	scores map[string]float64
	errs   map[string]error
	def    float64
	delay  time.Duration
	calls  atomic.Int64
}

// NewFixed returns a Fixed scorer with the given default confidence.
func NewFixed(def float64) *Fixed {
	return &Fixed{
		scores: make(map[string]float64),
		errs:   make(map[string]error),
		def:    def,
	}
}

// Set assigns a confidence to an encoding.
func (f *Fixed) Set(encoding []byte, confidence float64) *Fixed {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scores[string(encoding)] = confidence
	delete(f.errs, string(encoding))
	return f
}

// Fail makes scoring of an encoding return err.
func (f *Fixed) Fail(encoding []byte, err error) *Fixed {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[string(encoding)] = err
	return f
}

// WithDelay makes every call wait d or until its context ends.
func (f *Fixed) WithDelay(d time.Duration) *Fixed {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
	return f
}

// Calls returns the number of Score invocations.
func (f *Fixed) Calls() int {
	return int(f.calls.Load())
}

// Score implements matcher.Scorer.
func (f *Fixed) Score(ctx context.Context, encoding []byte, _ string, _ model.SourceProfile) (float64, error) {
	f.calls.Add(1)

	f.mu.RLock()
	delay := f.delay
	err, failing := f.errs[string(encoding)]
	c, ok := f.scores[string(encoding)]
	f.mu.RUnlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-t.C:
		}
	}
	if failing {
		return 0, err
	}
	if !ok {
		c = f.def
	}
	return c, nil
}
