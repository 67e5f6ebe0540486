package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reunite/internal/store"
)

// Snapshot holds a point-in-time view of the registry and the recent
// detection ledger.
type Snapshot struct {
	// Registry counts (all time).
	Missing int `json:"missing"`
	Found   int `json:"found"`
	Closed  int `json:"closed"`
	Active  int `json:"active"`

	// Ledger counts (within lookback window).
	Detections     int     `json:"detections"`
	Delivered      int     `json:"delivered"`
	Failed         int     `json:"failed"`
	NotAttempted   int     `json:"not_attempted"`
	NotifyFailRate float64 `json:"notify_fail_rate"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Attempted is the number of detections an alert was tried for.
func (s *Snapshot) Attempted() int {
	return s.Delivered + s.Failed
}

// StatsSource is the part of the store the collector reads.
type StatsSource interface {
	Stats(ctx context.Context, since time.Time) (*store.Stats, error)
}

// Collector gathers health figures from the store.
type Collector struct {
	store StatsSource
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st StatsSource) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now().UTC()
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	st, err := c.store.Stats(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: collect stats")
	}

	snap := &Snapshot{
		Missing:       st.Missing,
		Found:         st.Found,
		Closed:        st.Closed,
		Active:        st.Active,
		Detections:    st.Detections,
		Delivered:     st.Delivered,
		Failed:        st.Failed,
		NotAttempted:  st.NotAttempted,
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	if attempted := snap.Attempted(); attempted > 0 {
		snap.NotifyFailRate = float64(snap.Failed) / float64(attempted)
	}
	return snap, nil
}
