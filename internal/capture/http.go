package capture

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/reunite/internal/model"
	"github.com/sells-group/reunite/internal/resilience"
)

// HTTPOptions configures the HTTP capturer.
type HTTPOptions struct {
	Dir         string
	UserAgent   string
	Timeout     time.Duration
	RatePerHost float64
	MaxBytes    int64
	Backoff     resilience.Backoff
}

// HTTPCapturer downloads camera snapshots over HTTP with per-host rate
// limiting and retry.
type HTTPCapturer struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPCapturer creates an HTTPCapturer with the given options.
func NewHTTPCapturer(opts HTTPOptions) *HTTPCapturer {
	if opts.Dir == "" {
		opts.Dir = "snapshots"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "reunite/1.0"
	}
	if opts.RatePerHost <= 0 {
		opts.RatePerHost = 2
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 16 << 20
	}
	if opts.Backoff.OnRetry == nil {
		opts.Backoff.OnRetry = resilience.LogRetries("camera", "snapshot")
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPCapturer{
		client:   &http.Client{Timeout: opts.Timeout, Transport: transport},
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *HTTPCapturer) limiterFor(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.opts.RatePerHost), 1)
		c.limiters[host] = lim
	}
	return lim
}

// Capture implements Capturer.
func (c *HTTPCapturer) Capture(ctx context.Context, cam model.Camera) (string, error) {
	rawURL := SnapshotURL(cam)
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrapf(err, "capture: parse snapshot url for camera %s", cam.ID)
	}

	path, err := resilience.Retry(ctx, c.opts.Backoff, func(ctx context.Context) (string, error) {
		if err := c.limiterFor(u.Host).Wait(ctx); err != nil {
			return "", eris.Wrap(err, "capture: rate limiter wait")
		}
		return c.fetch(ctx, cam.ID, rawURL)
	})
	if err != nil {
		return "", eris.Wrapf(err, "capture: camera %s", cam.ID)
	}
	zap.L().Debug("capture: frame saved", zap.String("camera", cam.ID), zap.String("path", path))
	return path, nil
}

func (c *HTTPCapturer) fetch(ctx context.Context, cameraID, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", eris.Wrap(err, "capture: create request")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &resilience.StatusError{
			Service:    "camera",
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return writeFrame(c.opts.Dir, cameraID, resp.Body, c.opts.MaxBytes)
}
