package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// NotifyOutcome records what happened when an alert was attempted for a
// detection. It is set at most once after the detection is written.
type NotifyOutcome string

const (
	NotifyNotAttempted NotifyOutcome = "not_attempted"
	NotifyDelivered    NotifyOutcome = "delivered"
	NotifyFailed       NotifyOutcome = "failed"
)

// ParseNotifyOutcome validates a stored notify outcome label.
func ParseNotifyOutcome(s string) (NotifyOutcome, error) {
	switch NotifyOutcome(s) {
	case NotifyNotAttempted, NotifyDelivered, NotifyFailed:
		return NotifyOutcome(s), nil
	default:
		return "", eris.Errorf("model: invalid notify outcome %q", s)
	}
}

// Detection is an append-only ledger entry for one (probe, person) pair that
// cleared the recording threshold.
type Detection struct {
	ID             int64         `json:"id"`
	PersonID       int64         `json:"person_id"`
	Confidence     float64       `json:"confidence"`
	SourceLocation string        `json:"source_location"`
	DetectedAt     time.Time     `json:"detected_at"`
	Notified       NotifyOutcome `json:"notified"`
}

// DetectionFilter narrows ledger listings.
type DetectionFilter struct {
	PersonID      int64         `json:"person_id,omitempty"`
	Notified      NotifyOutcome `json:"notified,omitempty"`
	DetectedAfter time.Time     `json:"detected_after,omitempty"`
	Limit         int           `json:"limit,omitempty"`
}
