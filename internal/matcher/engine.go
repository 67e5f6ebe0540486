// Package matcher scores probe images against the missing-person registry,
// applies the tiered confidence policy, records detections, flips confirmed
// cases to found, and dispatches alerts.
package matcher

import (
	"context"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/reunite/internal/model"
	"github.com/sells-group/reunite/internal/monitoring"
)

// Scorer compares a stored encoding against a probe image and returns a
// confidence in [0,1]. Implementations may be slow and may fail per call.
type Scorer interface {
	Score(ctx context.Context, encoding []byte, probeImagePath string, profile model.SourceProfile) (float64, error)
}

// ProbePreparer is implemented by scorers that load the probe image once per
// probe instead of once per record.
type ProbePreparer interface {
	Prepare(probeImagePath string) (release func(), err error)
}

// Registry is the read side of the person registry plus the only status
// write the engine performs.
type Registry interface {
	// FetchActive returns missing persons that have an encoding.
	FetchActive(ctx context.Context) ([]model.Person, error)
	// CompareAndSetFound flips a person from missing to found. It returns
	// false when the person was no longer missing.
	CompareAndSetFound(ctx context.Context, personID int64) (bool, error)
	// GetPerson reads the current record, used after a lost status flip.
	GetPerson(ctx context.Context, id int64) (*model.Person, error)
}

// Ledger is the append-only detection store.
type Ledger interface {
	AppendDetection(ctx context.Context, d model.Detection) (int64, error)
	MarkNotified(ctx context.Context, detectionID int64, outcome model.NotifyOutcome) error
}

// Notifier delivers a match alert. attachment is the probe image path and
// may be empty.
type Notifier interface {
	SendMatchAlert(ctx context.Context, person *model.Person, detection *model.Detection, attachment string) error
}

// Probe is a single image to be matched.
type Probe struct {
	ImagePath string
	Location  string
	Profile   model.SourceProfile
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the decision thresholds.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithWorkers caps concurrent scorer calls per probe.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithScoringTimeout bounds each individual scorer call.
func WithScoringTimeout(d time.Duration) Option {
	return func(e *Engine) { e.scoringTimeout = d }
}

// WithProbeTimeout bounds the scoring phase of a probe as a whole. Records
// not scored in time count as scoring failures.
func WithProbeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.probeTimeout = d }
}

// WithNotifyPotential controls whether potential matches are alerted.
// Confirmed matches are always alerted.
func WithNotifyPotential(on bool) Option {
	return func(e *Engine) { e.notifyPotential = on }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source used for detection timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is safe for concurrent use by any number of probes.
type Engine struct {
	registry Registry
	ledger   Ledger
	scorer   Scorer
	notifier Notifier

	policy          Policy
	workers         int
	scoringTimeout  time.Duration
	probeTimeout    time.Duration
	notifyPotential bool
	metrics         *monitoring.Metrics
	now             func() time.Time
}

// New builds an Engine. notifier may be nil, in which case detections are
// recorded without alerting.
func New(registry Registry, ledger Ledger, scorer Scorer, notifier Notifier, opts ...Option) *Engine {
	e := &Engine{
		registry:        registry,
		ledger:          ledger,
		scorer:          scorer,
		notifier:        notifier,
		policy:          DefaultPolicy(),
		workers:         8,
		scoringTimeout:  10 * time.Second,
		probeTimeout:    60 * time.Second,
		notifyPotential: true,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Classify applies the engine's policy to a confidence.
func (e *Engine) Classify(confidence float64, profile model.SourceProfile) model.OutcomeKind {
	return e.policy.Classify(confidence, profile)
}

// Policy returns the engine's thresholds.
func (e *Engine) Policy() Policy {
	return e.policy
}

// ProcessUploadProbe matches a user-uploaded image.
func (e *Engine) ProcessUploadProbe(ctx context.Context, imagePath, location string) (*model.MatchResult, error) {
	if location == "" {
		location = "Unknown location"
	}
	return e.ProcessProbe(ctx, Probe{ImagePath: imagePath, Location: location, Profile: model.ProfileUpload})
}

// scored is one successful scorer call.
type scored struct {
	person     *model.Person
	confidence float64
	kind       model.OutcomeKind
}

// ProcessProbe scores the probe against every active person and acts on each
// qualifying outcome in confidence-descending order. A registry snapshot
// failure is the only error that fails the whole probe.
func (e *Engine) ProcessProbe(ctx context.Context, probe Probe) (*model.MatchResult, error) {
	if probe.ImagePath == "" {
		return nil, eris.New("matcher: probe image path is required")
	}
	if _, err := model.ParseSourceProfile(string(probe.Profile)); err != nil {
		return nil, eris.Wrap(err, "matcher: probe")
	}

	start := time.Now()
	result := &model.MatchResult{
		ProbeID:  uuid.New().String(),
		Profile:  probe.Profile,
		Location: probe.Location,
		Outcomes: []model.Outcome{},
	}
	log := zap.L().With(
		zap.String("probe_id", result.ProbeID),
		zap.String("profile", string(probe.Profile)),
		zap.String("location", probe.Location),
	)
	defer func() { e.metrics.ObserveProbe(probe.Profile, time.Since(start)) }()

	persons, err := e.registry.FetchActive(ctx)
	if err != nil {
		return nil, fail(ErrRegistrySnapshot, 0, err)
	}

	active := make([]model.Person, 0, len(persons))
	for _, p := range persons {
		if p.Scorable() {
			active = append(active, p)
		}
	}
	log.Debug("matcher: registry snapshot", zap.Int("active", len(active)))

	if pp, ok := e.scorer.(ProbePreparer); ok && len(active) > 0 {
		release, err := pp.Prepare(probe.ImagePath)
		if err != nil {
			log.Warn("matcher: probe image not preloaded", zap.Error(err))
		} else {
			defer release()
		}
	}

	hits, failures := e.scoreAll(ctx, log, probe, active)
	result.Scored = len(active) - failures
	result.ScoringFailures = failures

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].confidence != hits[j].confidence {
			return hits[i].confidence > hits[j].confidence
		}
		return hits[i].person.ID < hits[j].person.ID
	})

	for _, h := range hits {
		result.Outcomes = append(result.Outcomes, e.act(ctx, log, probe, h))
	}

	log.Info("matcher: probe processed",
		zap.Int("active", len(active)),
		zap.Int("scoring_failures", failures),
		zap.Int("outcomes", len(result.Outcomes)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

// scoreAll scores the probe against every person through a bounded worker
// pool and returns the qualifying hits and the number of failed scorings.
func (e *Engine) scoreAll(ctx context.Context, log *zap.Logger, probe Probe, persons []model.Person) ([]scored, int) {
	if len(persons) == 0 {
		return nil, 0
	}

	scoreCtx := ctx
	if e.probeTimeout > 0 {
		var cancel context.CancelFunc
		scoreCtx, cancel = context.WithTimeout(ctx, e.probeTimeout)
		defer cancel()
	}

	results := make([]*scored, len(persons))
	var failures atomic.Int64

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i := range persons {
		person := &persons[i]
		g.Go(func() error {
			c, err := e.scoreOne(scoreCtx, person, probe)
			if err != nil {
				failures.Add(1)
				e.metrics.RecordScoringFailure(probe.Profile)
				log.Warn("matcher: scoring failed, skipping person",
					zap.Int64("person_id", person.ID),
					zap.Error(err),
				)
				return nil
			}
			kind := e.policy.Classify(c, probe.Profile)
			log.Debug("matcher: scored",
				zap.Int64("person_id", person.ID),
				zap.Float64("confidence", c),
				zap.String("kind", string(kind)),
			)
			if kind.Qualifies() {
				results[i] = &scored{person: person, confidence: c, kind: kind}
			}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	var hits []scored
	for _, r := range results {
		if r != nil {
			hits = append(hits, *r)
		}
	}
	return hits, int(failures.Load())
}

func (e *Engine) scoreOne(ctx context.Context, person *model.Person, probe Probe) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fail(ErrScoringUnavailable, person.ID, err)
	}

	callCtx := ctx
	if e.scoringTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.scoringTimeout)
		defer cancel()
	}

	c, err := e.scorer.Score(callCtx, person.Encoding, probe.ImagePath, probe.Profile)
	if err != nil {
		return 0, fail(ErrScoringUnavailable, person.ID, err)
	}
	if math.IsNaN(c) || c < 0 || c > 1 {
		return 0, fail(ErrScoringUnavailable, person.ID, eris.Errorf("confidence %v out of range", c))
	}
	return c, nil
}

// act records the detection, attempts the status flip for confirmed matches,
// and dispatches the alert. Each step's failure is contained to this outcome.
func (e *Engine) act(ctx context.Context, log *zap.Logger, probe Probe, h scored) model.Outcome {
	person := *h.person
	out := model.Outcome{
		PersonID:   person.ID,
		PersonName: person.Name,
		CaseID:     person.CaseID(),
		Confidence: h.confidence,
		Kind:       h.kind,
		Notified:   model.NotifyNotAttempted,
	}
	log = log.With(zap.Int64("person_id", person.ID), zap.Float64("confidence", h.confidence))
	e.metrics.RecordOutcome(probe.Profile, h.kind)

	det := model.Detection{
		PersonID:       person.ID,
		Confidence:     h.confidence,
		SourceLocation: probe.Location,
		DetectedAt:     e.now().UTC(),
		Notified:       model.NotifyNotAttempted,
	}
	id, err := e.ledger.AppendDetection(ctx, det)
	if err != nil {
		out.Err = fail(ErrLedgerWrite, person.ID, err)
		log.Error("matcher: failed to record detection", zap.Error(err))
		return out
	}
	det.ID = id
	out.DetectionID = id

	if h.kind == model.ConfirmedMatch {
		changed, err := e.registry.CompareAndSetFound(ctx, person.ID)
		switch {
		case err != nil:
			log.Error("matcher: status transition failed", zap.Error(err))
		case changed:
			out.StatusChanged = true
			person.Status = model.StatusFound
			person.UpdatedAt = det.DetectedAt
			log.Info("matcher: person marked found")
		default:
			log.Info("matcher: person already changed status, detection kept")
			person.Status = model.StatusFound
			if cur, err := e.registry.GetPerson(ctx, person.ID); err == nil {
				person.Status = cur.Status
				person.UpdatedAt = cur.UpdatedAt
			} else {
				log.Warn("matcher: could not re-read person after lost status flip", zap.Error(err))
			}
		}
		if err == nil {
			e.metrics.RecordTransition(changed)
		}
	}

	if e.notifier == nil || (h.kind == model.PotentialMatch && !e.notifyPotential) {
		return out
	}

	out.Notified = model.NotifyDelivered
	if err := e.notifier.SendMatchAlert(ctx, &person, &det, probe.ImagePath); err != nil {
		out.Notified = model.NotifyFailed
		log.Warn("matcher: alert not delivered", zap.Error(fail(ErrNotification, person.ID, err)))
	}
	e.metrics.RecordNotification(out.Notified)

	if err := e.ledger.MarkNotified(ctx, id, out.Notified); err != nil {
		log.Error("matcher: failed to record alert outcome",
			zap.Int64("detection_id", id),
			zap.String("notified", string(out.Notified)),
			zap.Error(err),
		)
	}
	return out
}
