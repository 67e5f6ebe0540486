// Package surveillance drives periodic camera probes into the match engine.
// Polls for the same camera are debounced: one runs at a time, and a new one
// is admitted only after the minimum interval since the last admitted poll.
package surveillance

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/reunite/internal/capture"
	"github.com/sells-group/reunite/internal/matcher"
	"github.com/sells-group/reunite/internal/model"
	"github.com/sells-group/reunite/internal/monitoring"
)

// ErrUnknownCamera is returned by Poll for an id outside the roster when
// the scheduler only polls rostered cameras.
var ErrUnknownCamera = eris.New("surveillance: unknown camera")

// Prober runs one probe through the match engine.
type Prober interface {
	ProcessProbe(ctx context.Context, probe matcher.Probe) (*model.MatchResult, error)
}

// slot is the poll state for one camera.
type slot struct {
	inflight sync.Mutex
	limiter  *rate.Limiter
}

// Scheduler admits camera polls and hands captured frames to the engine.
type Scheduler struct {
	engine      Prober
	capturer    capture.Capturer
	minInterval time.Duration
	metrics     *monitoring.Metrics
	rosterOnly  bool

	mu      sync.RWMutex
	slots   map[string]*slot
	cameras map[string]model.Camera
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithCameras registers known cameras so polls by id use their snapshot
// URL and location.
func WithCameras(cams []model.Camera) Option {
	return func(s *Scheduler) {
		for _, c := range cams {
			s.cameras[c.ID] = c
		}
	}
}

// WithRosterOnly rejects polls for cameras that were not registered with
// WithCameras.
func WithRosterOnly() Option {
	return func(s *Scheduler) { s.rosterOnly = true }
}

// NewScheduler creates a Scheduler. minInterval is the debounce window.
func NewScheduler(engine Prober, capturer capture.Capturer, minInterval time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		engine:      engine,
		capturer:    capturer,
		minInterval: minInterval,
		slots:       make(map[string]*slot),
		cameras:     make(map[string]model.Camera),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) slotFor(cameraID string) *slot {
	s.mu.RLock()
	sl, ok := s.slots[cameraID]
	s.mu.RUnlock()
	if ok {
		return sl
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok = s.slots[cameraID]; ok {
		return sl
	}
	limit := rate.Inf
	if s.minInterval > 0 {
		limit = rate.Every(s.minInterval)
	}
	sl = &slot{limiter: rate.NewLimiter(limit, 1)}
	s.slots[cameraID] = sl
	return sl
}

func (s *Scheduler) camera(cameraID, location string) (model.Camera, bool) {
	s.mu.RLock()
	cam, ok := s.cameras[cameraID]
	s.mu.RUnlock()
	if !ok {
		cam = model.Camera{ID: cameraID}
	}
	if location != "" {
		cam.Location = location
	}
	return cam, ok
}

// Poll captures a frame from the camera and matches it. A poll that arrives
// while another poll for the same camera is running, or inside the debounce
// window, is dropped and reported as Debounced with a nil error.
func (s *Scheduler) Poll(ctx context.Context, cameraID, location string) (*model.MatchResult, error) {
	if cameraID == "" {
		return nil, eris.New("surveillance: camera id is required")
	}
	cam, known := s.camera(cameraID, location)
	if !known && s.rosterOnly {
		return nil, eris.Wrapf(ErrUnknownCamera, "camera %s", cameraID)
	}
	log := zap.L().With(zap.String("camera", cameraID))

	sl := s.slotFor(cameraID)
	if !sl.inflight.TryLock() {
		return s.debounced(log, cam, "poll in flight"), nil
	}
	defer sl.inflight.Unlock()
	if !sl.limiter.Allow() {
		return s.debounced(log, cam, "inside debounce window"), nil
	}

	path, err := s.capturer.Capture(ctx, cam)
	if err != nil {
		s.metrics.RecordCameraPoll(cameraID, monitoring.PollFailed)
		return nil, eris.Wrapf(err, "surveillance: capture camera %s", cameraID)
	}

	result, err := s.engine.ProcessProbe(ctx, matcher.Probe{
		ImagePath: path,
		Location:  cam.ProbeLocation(),
		Profile:   model.ProfileCamera,
	})
	if err != nil || !alerted(result) {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn("surveillance: failed to remove frame", zap.String("path", path), zap.Error(rmErr))
		}
	}
	if err != nil {
		s.metrics.RecordCameraPoll(cameraID, monitoring.PollFailed)
		return nil, eris.Wrapf(err, "surveillance: probe camera %s", cameraID)
	}

	s.metrics.RecordCameraPoll(cameraID, monitoring.PollAdmitted)
	return result, nil
}

func (s *Scheduler) debounced(log *zap.Logger, cam model.Camera, reason string) *model.MatchResult {
	log.Debug("surveillance: poll debounced", zap.String("reason", reason))
	s.metrics.RecordCameraPoll(cam.ID, monitoring.PollDebounced)
	return &model.MatchResult{
		Profile:   model.ProfileCamera,
		Location:  cam.ProbeLocation(),
		Outcomes:  []model.Outcome{},
		Debounced: true,
	}
}

// alerted reports whether any outcome sent the frame as an alert
// attachment.
func alerted(r *model.MatchResult) bool {
	if r == nil {
		return false
	}
	for _, o := range r.Outcomes {
		if o.Notified != model.NotifyNotAttempted && o.Notified != "" {
			return true
		}
	}
	return false
}

// Run polls every camera once immediately and then on each interval tick,
// each camera in its own goroutine, until ctx is cancelled. Poll failures
// are logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context, cams []model.Camera, interval time.Duration) error {
	if len(cams) == 0 {
		return eris.New("surveillance: no cameras to poll")
	}
	if interval <= 0 {
		interval = time.Minute
	}

	s.mu.Lock()
	for _, c := range cams {
		if _, ok := s.cameras[c.ID]; !ok {
			s.cameras[c.ID] = c
		}
	}
	s.mu.Unlock()

	log := zap.L().With(zap.String("component", "surveillance.scheduler"))
	log.Info("starting camera polling",
		zap.Int("cameras", len(cams)),
		zap.Duration("interval", interval),
		zap.Duration("min_interval", s.minInterval),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, cam := range cams {
		g.Go(func() error {
			s.watch(gctx, log, cam, interval)
			return nil
		})
	}
	err := g.Wait()
	log.Info("camera polling stopped")
	return err
}

func (s *Scheduler) watch(ctx context.Context, log *zap.Logger, cam model.Camera, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.pollOnce(ctx, log, cam)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) pollOnce(ctx context.Context, log *zap.Logger, cam model.Camera) {
	if ctx.Err() != nil {
		return
	}
	res, err := s.Poll(ctx, cam.ID, cam.Location)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("surveillance: poll failed", zap.String("camera", cam.ID), zap.Error(err))
		}
		return
	}
	if res.Matched() {
		log.Info("surveillance: camera match",
			zap.String("camera", cam.ID),
			zap.Int("outcomes", len(res.Outcomes)),
			zap.Int("confirmed", len(res.Confirmed())),
		)
	}
}
