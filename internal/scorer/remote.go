// Package scorer implements the similarity scorers the match engine calls:
// a remote face-match service client and a deterministic fixed scorer.
package scorer

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reunite/internal/model"
	"github.com/sells-group/reunite/internal/resilience"
	"github.com/sells-group/reunite/pkg/facematch"
)

// Remote scores through an external face-match service. Calls go through a
// circuit breaker so an outage fails fast for every record in a probe.
type Remote struct {
	client  facematch.Client
	backoff resilience.Backoff
	breaker *resilience.Breaker

	mu     sync.Mutex
	images map[string]*probeImage
}

// probeImage is a probe file held in memory while a probe is scored.
type probeImage struct {
	data []byte
	refs int
}

// RemoteOption configures a Remote scorer.
type RemoteOption func(*Remote)

// WithBackoff sets the retry policy for each score call.
func WithBackoff(b resilience.Backoff) RemoteOption {
	return func(r *Remote) { r.backoff = b }
}

// WithBreaker sets the circuit breaker settings.
func WithBreaker(s resilience.BreakerSettings) RemoteOption {
	return func(r *Remote) { r.breaker = newBreaker(s) }
}

func newBreaker(s resilience.BreakerSettings) *resilience.Breaker {
	s.Counts = retryable
	return resilience.NewBreaker("facematch", s)
}

// NewRemote wraps a face-match client.
func NewRemote(client facematch.Client, opts ...RemoteOption) *Remote {
	r := &Remote{
		client:  client,
		backoff: resilience.BackoffFromSettings(2, 250, 2000),
		breaker: newBreaker(resilience.BreakerFromSettings(5, 30)),
		images:  make(map[string]*probeImage),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.backoff.Retryable = retryable
	r.backoff.OnRetry = resilience.LogRetries("facematch", "score")
	return r
}

// Score implements matcher.Scorer.
func (r *Remote) Score(ctx context.Context, encoding []byte, probeImagePath string, profile model.SourceProfile) (float64, error) {
	img, err := r.image(probeImagePath)
	if err != nil {
		return 0, err
	}

	resp, err := resilience.Call(ctx, r.breaker, func(ctx context.Context) (*facematch.ScoreResponse, error) {
		return resilience.Retry(ctx, r.backoff, func(ctx context.Context) (*facematch.ScoreResponse, error) {
			return r.client.Score(ctx, facematch.ScoreRequest{
				Encoding: encoding,
				Image:    img,
				Profile:  string(profile),
			})
		})
	})
	if err != nil {
		return 0, eris.Wrap(err, "scorer: remote score")
	}
	return resp.Score, nil
}

// BreakerState reports the face-match circuit state.
func (r *Remote) BreakerState() resilience.BreakerState {
	return r.breaker.State()
}

// Prepare loads the probe image once so every Score call for the same path
// reuses it. The bytes are dropped when the last holder calls release.
func (r *Remote) Prepare(path string) (func(), error) {
	img, err := readProbe(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	entry, ok := r.images[path]
	if !ok {
		entry = &probeImage{data: img}
		r.images[path] = entry
	}
	entry.refs++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			entry.refs--
			if entry.refs == 0 && r.images[path] == entry {
				delete(r.images, path)
			}
		})
	}, nil
}

// image returns the prepared bytes for path, or reads the file when the
// probe was not prepared.
func (r *Remote) image(path string) ([]byte, error) {
	r.mu.Lock()
	entry, ok := r.images[path]
	r.mu.Unlock()
	if ok {
		return entry.data, nil
	}
	return readProbe(path)
}

func readProbe(path string) ([]byte, error) {
	img, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "scorer: read probe image %s", path)
	}
	if len(img) == 0 {
		return nil, eris.Errorf("scorer: probe image %s is empty", path)
	}
	return img, nil
}

// retryable treats 408/429/5xx service replies and network timeouts as
// temporary. Anything else, such as an image with no detectable face, is
// final for this record.
func retryable(err error) bool {
	var apiErr *facematch.APIError
	if errors.As(err, &apiErr) {
		return (&resilience.StatusError{StatusCode: apiErr.StatusCode}).Transient()
	}
	return resilience.IsTransient(err)
}
