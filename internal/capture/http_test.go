package capture

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reunite/internal/model"
	"github.com/sells-group/reunite/internal/resilience"
)

func newTestHTTPCapturer(t *testing.T) *HTTPCapturer {
	return NewHTTPCapturer(HTTPOptions{
		Dir:         t.TempDir(),
		UserAgent:   "test-agent",
		Timeout:     5 * time.Second,
		RatePerHost: 1000,
		Backoff:     resilience.Backoff{Attempts: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond},
	})
}

func TestHTTPCapturer_Capture(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "/shot.jpg", r.URL.Path)
		w.Write([]byte("frame")) //nolint:errcheck
	}))
	defer srv.Close()

	c := newTestHTTPCapturer(t)
	path, err := c.Capture(context.Background(), model.Camera{ID: "gate", SnapshotURL: srv.URL + "/shot.jpg"})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "frame", string(data))
}

func TestHTTPCapturer_DefaultURLFromCameraID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultSnapshotPath, r.URL.Path)
		w.Write([]byte("frame")) //nolint:errcheck
	}))
	defer srv.Close()

	c := newTestHTTPCapturer(t)
	// host:port ids keep their port
	_, err := c.Capture(context.Background(), model.Camera{ID: srv.Listener.Addr().String()})
	require.NoError(t, err)
}

func TestHTTPCapturer_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()

	c := newTestHTTPCapturer(t)
	_, err := c.Capture(context.Background(), model.Camera{ID: "a", SnapshotURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPCapturer_NotFoundNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such camera", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestHTTPCapturer(t)
	_, err := c.Capture(context.Background(), model.Camera{ID: "a", SnapshotURL: srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPCapturer_EmptyFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestHTTPCapturer(t)
	_, err := c.Capture(context.Background(), model.Camera{ID: "a", SnapshotURL: srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty frame")

	entries, err := os.ReadDir(c.opts.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHTTPCapturer_FrameTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0123456789")) //nolint:errcheck
	}))
	defer srv.Close()

	c := newTestHTTPCapturer(t)
	c.opts.MaxBytes = 4
	_, err := c.Capture(context.Background(), model.Camera{ID: "a", SnapshotURL: srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 4 bytes")
}

func TestHTTPCapturer_LimiterPerHost(t *testing.T) {
	c := newTestHTTPCapturer(t)
	assert.Same(t, c.limiterFor("a:80"), c.limiterFor("a:80"))
	assert.NotSame(t, c.limiterFor("a:80"), c.limiterFor("b:80"))
}

func TestHTTPCapturer_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("frame")) //nolint:errcheck
	}))
	defer srv.Close()

	c := newTestHTTPCapturer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Capture(ctx, model.Camera{ID: "a", SnapshotURL: srv.URL})
	require.Error(t, err)
}
