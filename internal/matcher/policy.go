package matcher

import (
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reunite/internal/model"
)

// Thresholds split the confidence range into the three decision tiers:
// below Low is no match, [Low, Confirm) is a potential match, and Confirm or
// above is a confirmed match.
type Thresholds struct {
	Low     float64 `json:"low"`
	Confirm float64 `json:"confirm"`
}

// Validate checks 0 <= Low <= Confirm <= 1.
func (t Thresholds) Validate() error {
	if math.IsNaN(t.Low) || math.IsNaN(t.Confirm) {
		return eris.New("matcher: thresholds must be numbers")
	}
	if t.Low < 0 || t.Confirm > 1 {
		return eris.Errorf("matcher: thresholds must lie in [0,1] (low=%.2f confirm=%.2f)", t.Low, t.Confirm)
	}
	if t.Low > t.Confirm {
		return eris.Errorf("matcher: low threshold %.2f exceeds confirm threshold %.2f", t.Low, t.Confirm)
	}
	return nil
}

// Classify maps a confidence onto a decision tier. NaN never qualifies.
func (t Thresholds) Classify(confidence float64) model.OutcomeKind {
	switch {
	case confidence >= t.Confirm:
		return model.ConfirmedMatch
	case confidence >= t.Low:
		return model.PotentialMatch
	default:
		return model.NoMatch
	}
}

// Policy carries one set of thresholds per source profile.
type Policy struct {
	Upload Thresholds `json:"upload"`
	Camera Thresholds `json:"camera"`
}

// DefaultPolicy returns the production thresholds: uploads record from 0.30,
// camera frames from 0.25, and both confirm at 0.40.
func DefaultPolicy() Policy {
	return Policy{
		Upload: Thresholds{Low: 0.30, Confirm: 0.40},
		Camera: Thresholds{Low: 0.25, Confirm: 0.40},
	}
}

// Validate checks both threshold sets.
func (p Policy) Validate() error {
	if err := p.Upload.Validate(); err != nil {
		return eris.Wrap(err, "upload profile")
	}
	if err := p.Camera.Validate(); err != nil {
		return eris.Wrap(err, "camera profile")
	}
	return nil
}

// For returns the thresholds of a profile. Unknown profiles use the upload
// thresholds, the stricter of the two defaults.
func (p Policy) For(profile model.SourceProfile) Thresholds {
	if profile == model.ProfileCamera {
		return p.Camera
	}
	return p.Upload
}

// Classify is a pure function of (confidence, thresholds, profile).
func (p Policy) Classify(confidence float64, profile model.SourceProfile) model.OutcomeKind {
	return p.For(profile).Classify(confidence)
}
