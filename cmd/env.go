package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reunite/internal/capture"
	"github.com/sells-group/reunite/internal/config"
	"github.com/sells-group/reunite/internal/matcher"
	"github.com/sells-group/reunite/internal/model"
	"github.com/sells-group/reunite/internal/monitoring"
	"github.com/sells-group/reunite/internal/notify"
	"github.com/sells-group/reunite/internal/resilience"
	"github.com/sells-group/reunite/internal/scorer"
	"github.com/sells-group/reunite/internal/store"
	"github.com/sells-group/reunite/internal/surveillance"
	"github.com/sells-group/reunite/pkg/facematch"
)

// appEnv holds the initialized components shared by the engine commands.
type appEnv struct {
	Store     store.Store
	Engine    *matcher.Engine
	Notifier  *notify.Notifier
	Scheduler *surveillance.Scheduler
	Cameras   []model.Camera
	Metrics   *monitoring.Metrics
	Registry  *prometheus.Registry
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store == nil {
		return
	}
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// initEnv validates the config for mode and wires the store, scorer,
// notifier, engine and camera scheduler.
func initEnv(ctx context.Context, c *config.Config, mode string) (*appEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := monitoring.NewMetrics(reg)
	if err != nil {
		return nil, eris.Wrap(err, "init metrics")
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}

	sc, err := initScorer(c)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	n, err := initNotifier(c)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	env := &appEnv{
		Store:    st,
		Notifier: n,
		Metrics:  metrics,
		Registry: reg,
	}
	env.Engine = newEngine(c, st, sc, n, metrics)

	if c.Camera.Roster != "" {
		cams, err := surveillance.LoadRoster(c.Camera.Roster)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Cameras = cams
	}
	env.Scheduler = surveillance.NewScheduler(env.Engine, newCapturer(c), secs(c.Camera.MinIntervalSecs),
		surveillance.WithMetrics(metrics),
		surveillance.WithCameras(env.Cameras),
		surveillance.WithRosterOnly(),
	)

	zap.L().Debug("environment ready",
		zap.String("mode", mode),
		zap.String("store", c.Store.Driver),
		zap.String("scorer", c.Scorer.Kind),
		zap.Bool("notify", n != nil),
		zap.Int("cameras", len(env.Cameras)),
	)
	return env, nil
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch c.Store.Driver {
	case "postgres":
		var pg *store.PostgresStore
		pg, err = store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
		if err == nil {
			st = pg
		}
	case "sqlite", "":
		var lite *store.SQLiteStore
		lite, err = store.NewSQLite(c.Store.DatabaseURL)
		if err == nil {
			st = lite
		}
	default:
		return nil, eris.Errorf("unsupported store driver %q", c.Store.Driver)
	}
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "init store: migrate")
	}
	return st, nil
}

// initScorer builds the configured similarity scorer.
func initScorer(c *config.Config) (matcher.Scorer, error) {
	switch c.Scorer.Kind {
	case "fixed":
		zap.L().Warn("using fixed scorer, confidences are not real matches",
			zap.Float64("confidence", c.Scorer.FixedConfidence),
		)
		return scorer.NewFixed(c.Scorer.FixedConfidence), nil
	case "remote", "":
		client := facematch.NewClient(c.Scorer.APIKey,
			facematch.WithBaseURL(c.Scorer.BaseURL),
			facematch.WithTimeout(secs(c.Scorer.TimeoutSecs)),
		)
		return scorer.NewRemote(client,
			scorer.WithBackoff(resilience.BackoffFromSettings(
				c.Scorer.Retry.MaxAttempts,
				c.Scorer.Retry.InitialBackoffMs,
				c.Scorer.Retry.MaxBackoffMs,
			)),
			scorer.WithBreaker(resilience.BreakerFromSettings(
				c.Scorer.Circuit.FailureThreshold,
				c.Scorer.Circuit.ResetTimeoutSecs,
			)),
		), nil
	default:
		return nil, eris.Errorf("unsupported scorer kind %q", c.Scorer.Kind)
	}
}

// initNotifier builds the alert fan-out. It returns nil when no channel is
// configured.
func initNotifier(c *config.Config) (*notify.Notifier, error) {
	var senders []notify.Sender
	if len(c.Notify.URLs) > 0 {
		s, err := notify.NewShoutrrr(c.Notify.URLs, secs(c.Notify.TimeoutSecs))
		if err != nil {
			return nil, eris.Wrap(err, "init notifier")
		}
		senders = append(senders, s)
	}
	if c.Notify.WebhookURL != "" {
		senders = append(senders, notify.NewWebhook(c.Notify.WebhookURL, secs(c.Notify.TimeoutSecs)))
	}

	multi := notify.NewMulti(senders...)
	if multi.Len() == 0 {
		zap.L().Warn("no notification channels configured, alerts will not be sent")
		return nil, nil
	}
	return notify.New(multi,
		notify.WithAdminEmail(c.Notify.AdminEmail),
		notify.WithMaxAttachment(int64(c.Server.MaxUploadMB)<<20),
	), nil
}

func policyFromConfig(c *config.Config) matcher.Policy {
	return matcher.Policy{
		Upload: matcher.Thresholds{Low: c.Engine.Upload.LowThreshold, Confirm: c.Engine.Upload.ConfirmThreshold},
		Camera: matcher.Thresholds{Low: c.Engine.Camera.LowThreshold, Confirm: c.Engine.Camera.ConfirmThreshold},
	}
}

func newEngine(c *config.Config, st store.Store, sc matcher.Scorer, n *notify.Notifier, m *monitoring.Metrics) *matcher.Engine {
	// A nil *Notifier must not become a non-nil interface.
	var alerts matcher.Notifier
	if n != nil {
		alerts = n
	}
	return matcher.New(st, st, sc, alerts,
		matcher.WithPolicy(policyFromConfig(c)),
		matcher.WithWorkers(c.Engine.ScoringWorkers),
		matcher.WithScoringTimeout(secs(c.Engine.ScoringTimeoutSecs)),
		matcher.WithProbeTimeout(secs(c.Engine.ProbeTimeoutSecs)),
		matcher.WithNotifyPotential(c.Engine.NotifyPotential),
		matcher.WithMetrics(m),
	)
}

func newCapturer(c *config.Config) capture.Capturer {
	backoff := resilience.BackoffFromSettings(
		c.Camera.Retry.MaxAttempts,
		c.Camera.Retry.InitialBackoffMs,
		c.Camera.Retry.MaxBackoffMs,
	)
	return capture.NewMulti(
		capture.NewHTTPCapturer(capture.HTTPOptions{
			Dir:         c.Camera.SnapshotDir,
			Timeout:     secs(c.Camera.TimeoutSecs),
			RatePerHost: c.Camera.RatePerHost,
			Backoff:     backoff,
		}),
		capture.NewFTPCapturer(capture.FTPOptions{
			Dir:     c.Camera.SnapshotDir,
			Timeout: secs(c.Camera.TimeoutSecs),
			Backoff: backoff,
		}),
	)
}

// initChecker builds the ledger health loop. It returns nil when no
// monitoring webhook is configured.
func initChecker(c *config.Config, st store.Store) *monitoring.Checker {
	if c.Monitoring.WebhookURL == "" {
		return nil
	}
	return monitoring.NewChecker(monitoring.NewCollector(st), monitoring.NewAlerter(c.Monitoring), c.Monitoring)
}
