// Package monitoring exposes Prometheus metrics for the match engine and
// camera scheduler, and runs periodic health checks over the detection
// ledger that raise webhook alerts.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sells-group/reunite/internal/model"
)

// Camera poll results recorded by RecordCameraPoll.
const (
	PollAdmitted  = "admitted"
	PollDebounced = "debounced"
	PollFailed    = "failed"
)

// Metrics holds the engine and scheduler collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	probes          *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	scoringFailures *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	cameraPolls     *prometheus.CounterVec
	probeDuration   *prometheus.HistogramVec

	collectors []prometheus.Collector
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reunite_probes_total",
				Help: "Probes processed by the match engine",
			},
			[]string{"profile"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reunite_outcomes_total",
				Help: "Qualifying match outcomes by decision tier",
			},
			[]string{"profile", "kind"},
		),
		scoringFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reunite_scoring_failures_total",
				Help: "Per-record scoring calls that failed or timed out",
			},
			[]string{"profile"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reunite_notifications_total",
				Help: "Match alert delivery attempts by result",
			},
			[]string{"result"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reunite_status_transitions_total",
				Help: "Missing to found compare-and-set attempts by result",
			},
			[]string{"result"},
		),
		cameraPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reunite_camera_polls_total",
				Help: "Camera poll requests by admission result",
			},
			[]string{"camera", "result"},
		),
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reunite_probe_duration_seconds",
				Help:    "End-to-end probe processing time",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"profile"},
		),
	}
	m.collectors = []prometheus.Collector{
		m.probes, m.outcomes, m.scoringFailures, m.notifications,
		m.transitions, m.cameraPolls, m.probeDuration,
	}

	for _, c := range m.collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveProbe counts a finished probe and its duration.
func (m *Metrics) ObserveProbe(profile model.SourceProfile, d time.Duration) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(string(profile)).Inc()
	m.probeDuration.WithLabelValues(string(profile)).Observe(d.Seconds())
}

// RecordOutcome counts a qualifying outcome.
func (m *Metrics) RecordOutcome(profile model.SourceProfile, kind model.OutcomeKind) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(profile), string(kind)).Inc()
}

// RecordScoringFailure counts a per-record scoring failure.
func (m *Metrics) RecordScoringFailure(profile model.SourceProfile) {
	if m == nil {
		return
	}
	m.scoringFailures.WithLabelValues(string(profile)).Inc()
}

// RecordNotification counts an alert attempt.
func (m *Metrics) RecordNotification(outcome model.NotifyOutcome) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(string(outcome)).Inc()
}

// RecordTransition counts a compare-and-set attempt.
func (m *Metrics) RecordTransition(changed bool) {
	if m == nil {
		return
	}
	result := "already_changed"
	if changed {
		result = "found"
	}
	m.transitions.WithLabelValues(result).Inc()
}

// RecordCameraPoll counts a poll request for a camera.
func (m *Metrics) RecordCameraPoll(camera, result string) {
	if m == nil {
		return
	}
	m.cameraPolls.WithLabelValues(camera, result).Inc()
}
