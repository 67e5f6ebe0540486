package model

import "github.com/rotisserie/eris"

// SourceProfile identifies where a probe came from. Thresholds are configured
// per profile.
type SourceProfile string

const (
	ProfileUpload SourceProfile = "upload"
	ProfileCamera SourceProfile = "camera"
)

// ParseSourceProfile validates a profile label.
func ParseSourceProfile(s string) (SourceProfile, error) {
	switch SourceProfile(s) {
	case ProfileUpload, ProfileCamera:
		return SourceProfile(s), nil
	default:
		return "", eris.Errorf("model: invalid source profile %q", s)
	}
}

// OutcomeKind is the decision-policy tier a confidence falls into.
type OutcomeKind string

const (
	NoMatch        OutcomeKind = "no_match"
	PotentialMatch OutcomeKind = "potential_match"
	ConfirmedMatch OutcomeKind = "confirmed_match"
)

// rank orders kinds from weakest to strongest.
func (k OutcomeKind) rank() int {
	switch k {
	case PotentialMatch:
		return 1
	case ConfirmedMatch:
		return 2
	default:
		return 0
	}
}

// AtLeast reports whether k is as strong as other.
func (k OutcomeKind) AtLeast(other OutcomeKind) bool {
	return k.rank() >= other.rank()
}

// Qualifies reports whether the kind produces a detection event.
func (k OutcomeKind) Qualifies() bool {
	return k == PotentialMatch || k == ConfirmedMatch
}

// Outcome is one qualifying (person, confidence) pair from a probe together
// with what the engine did about it.
type Outcome struct {
	PersonID      int64         `json:"person_id"`
	PersonName    string        `json:"person_name"`
	CaseID        string        `json:"case_id"`
	Confidence    float64       `json:"confidence"`
	Kind          OutcomeKind   `json:"kind"`
	DetectionID   int64         `json:"detection_id,omitempty"`
	StatusChanged bool          `json:"status_changed"`
	Notified      NotifyOutcome `json:"notified"`

	// Err is set when the detection could not be recorded. Other outcomes of
	// the same probe are unaffected.
	Err error `json:"-"`
}

// Recorded reports whether a detection event exists for the outcome.
func (o *Outcome) Recorded() bool {
	return o.Err == nil && o.DetectionID != 0
}

// MatchResult is the engine's answer for a single probe. An empty Outcomes
// slice with a nil error means "no match", which is distinct from a failed
// probe.
type MatchResult struct {
	ProbeID         string        `json:"probe_id,omitempty"`
	Profile         SourceProfile `json:"profile"`
	Location        string        `json:"location"`
	Outcomes        []Outcome     `json:"outcomes"`
	Scored          int           `json:"scored"`
	ScoringFailures int           `json:"scoring_failures"`
	Debounced       bool          `json:"debounced,omitempty"`
}

// Matched reports whether at least one outcome qualified.
func (r *MatchResult) Matched() bool {
	return len(r.Outcomes) > 0
}

// Confirmed returns the outcomes that reached the confirmed tier.
func (r *MatchResult) Confirmed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Kind == ConfirmedMatch {
			out = append(out, o)
		}
	}
	return out
}
