package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/reunite/internal/config"
	"github.com/sells-group/reunite/internal/store"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	collector := NewCollector(&mockStats{stats: &store.Stats{}})
	cfg := config.MonitoringConfig{IntervalMins: 1, LookbackHours: 24, NotifyFailureRate: 0.5}
	checker := NewChecker(collector, NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	collector := NewCollector(&mockStats{stats: &store.Stats{}})
	checker := NewChecker(collector, NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.NotNil(t, checker)

	// Start and immediately cancel to verify it doesn't panic.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsAlert(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer ts.Close()

	st := &mockStats{stats: &store.Stats{Delivered: 1, Failed: 9, Detections: 10}}
	cfg := config.MonitoringConfig{WebhookURL: ts.URL, LookbackHours: 6, NotifyFailureRate: 0.5}
	checker := NewChecker(NewCollector(st), NewAlerter(cfg), cfg)

	checker.Check(context.Background())
	assert.Equal(t, 1, st.calls)
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_CheckHealthy(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer ts.Close()

	st := &mockStats{stats: &store.Stats{Delivered: 10}}
	cfg := config.MonitoringConfig{WebhookURL: ts.URL, LookbackHours: 6, NotifyFailureRate: 0.5}
	checker := NewChecker(NewCollector(st), NewAlerter(cfg), cfg)

	checker.Check(context.Background())
	assert.Equal(t, int32(0), received.Load())
}
