package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Engine     EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Scorer     ScorerConfig     `yaml:"scorer" mapstructure:"scorer"`
	Camera     CameraConfig     `yaml:"camera" mapstructure:"camera"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	UploadDir      string   `yaml:"upload_dir" mapstructure:"upload_dir"`
	MaxUploadMB    int      `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// ThresholdConfig is one source profile's decision thresholds.
type ThresholdConfig struct {
	LowThreshold     float64 `yaml:"low_threshold" mapstructure:"low_threshold"`
	ConfirmThreshold float64 `yaml:"confirm_threshold" mapstructure:"confirm_threshold"`
}

// EngineConfig configures the match engine.
type EngineConfig struct {
	Upload             ThresholdConfig `yaml:"upload" mapstructure:"upload"`
	Camera             ThresholdConfig `yaml:"camera" mapstructure:"camera"`
	NotifyPotential    bool            `yaml:"notify_potential" mapstructure:"notify_potential"`
	ScoringWorkers     int             `yaml:"scoring_workers" mapstructure:"scoring_workers"`
	ScoringTimeoutSecs int             `yaml:"scoring_timeout_secs" mapstructure:"scoring_timeout_secs"`
	ProbeTimeoutSecs   int             `yaml:"probe_timeout_secs" mapstructure:"probe_timeout_secs"`
}

// ScorerConfig selects and configures the similarity scorer.
type ScorerConfig struct {
	Kind            string        `yaml:"kind" mapstructure:"kind"`
	BaseURL         string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey          string        `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs     int           `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	FixedConfidence float64       `yaml:"fixed_confidence" mapstructure:"fixed_confidence"`
	Retry           RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Circuit         CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
}

// RetryConfig configures retries for an outbound call.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// CircuitConfig configures a circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// CameraConfig configures surveillance polling and frame capture.
type CameraConfig struct {
	MinIntervalSecs  int         `yaml:"min_interval_secs" mapstructure:"min_interval_secs"`
	PollIntervalSecs int         `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	Roster           string      `yaml:"roster" mapstructure:"roster"`
	SnapshotDir      string      `yaml:"snapshot_dir" mapstructure:"snapshot_dir"`
	TimeoutSecs      int         `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerHost      float64     `yaml:"rate_per_host" mapstructure:"rate_per_host"`
	Retry            RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// NotifyConfig configures alert delivery.
type NotifyConfig struct {
	URLs        []string `yaml:"urls" mapstructure:"urls"`
	WebhookURL  string   `yaml:"webhook_url" mapstructure:"webhook_url"`
	AdminEmail  string   `yaml:"admin_email" mapstructure:"admin_email"`
	TimeoutSecs int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// MonitoringConfig configures the ledger health check.
type MonitoringConfig struct {
	WebhookURL        string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	LookbackHours     int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	NotifyFailureRate float64 `yaml:"notify_failure_rate" mapstructure:"notify_failure_rate"`
	IntervalMins      int     `yaml:"interval_mins" mapstructure:"interval_mins"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REUNITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "reunite.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.upload_dir", "uploads")
	v.SetDefault("server.max_upload_mb", 16)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("engine.upload.low_threshold", 0.30)
	v.SetDefault("engine.upload.confirm_threshold", 0.40)
	v.SetDefault("engine.camera.low_threshold", 0.25)
	v.SetDefault("engine.camera.confirm_threshold", 0.40)
	v.SetDefault("engine.notify_potential", true)
	v.SetDefault("engine.scoring_workers", 8)
	v.SetDefault("engine.scoring_timeout_secs", 10)
	v.SetDefault("engine.probe_timeout_secs", 60)
	v.SetDefault("scorer.kind", "remote")
	v.SetDefault("scorer.base_url", "http://localhost:9000")
	v.SetDefault("scorer.timeout_secs", 15)
	v.SetDefault("scorer.retry.max_attempts", 2)
	v.SetDefault("scorer.retry.initial_backoff_ms", 250)
	v.SetDefault("scorer.retry.max_backoff_ms", 2000)
	v.SetDefault("scorer.circuit.failure_threshold", 5)
	v.SetDefault("scorer.circuit.reset_timeout_secs", 30)
	v.SetDefault("camera.min_interval_secs", 30)
	v.SetDefault("camera.poll_interval_secs", 60)
	v.SetDefault("camera.snapshot_dir", "snapshots")
	v.SetDefault("camera.timeout_secs", 10)
	v.SetDefault("camera.rate_per_host", 2)
	v.SetDefault("camera.retry.max_attempts", 2)
	v.SetDefault("camera.retry.initial_backoff_ms", 500)
	v.SetDefault("camera.retry.max_backoff_ms", 5000)
	v.SetDefault("notify.timeout_secs", 15)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.notify_failure_rate", 0.5)
	v.SetDefault("monitoring.interval_mins", 15)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes are
// "serve", "match", "watch" and "admin".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "match", "watch":
		errs = append(errs, c.validateEngine()...)
		errs = append(errs, c.validateScorer()...)
	case "admin":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if c.Server.MaxUploadMB <= 0 {
			errs = append(errs, "server.max_upload_mb must be > 0")
		}
	}
	if mode == "serve" || mode == "watch" {
		if c.Camera.MinIntervalSecs < 0 {
			errs = append(errs, "camera.min_interval_secs must be >= 0")
		}
		if c.Camera.PollIntervalSecs <= 0 {
			errs = append(errs, "camera.poll_interval_secs must be > 0")
		}
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateEngine() []string {
	var errs []string
	for name, t := range map[string]ThresholdConfig{"upload": c.Engine.Upload, "camera": c.Engine.Camera} {
		if !validThresholds(t) {
			errs = append(errs, fmt.Sprintf("engine.%s thresholds must satisfy 0 <= low_threshold <= confirm_threshold <= 1", name))
		}
	}
	if c.Engine.ScoringWorkers < 1 || c.Engine.ScoringWorkers > 256 {
		errs = append(errs, "engine.scoring_workers must be between 1 and 256")
	}
	if c.Engine.ScoringTimeoutSecs <= 0 {
		errs = append(errs, "engine.scoring_timeout_secs must be > 0")
	}
	return errs
}

func (c *Config) validateScorer() []string {
	switch c.Scorer.Kind {
	case "remote":
		if c.Scorer.BaseURL == "" {
			return []string{"scorer.base_url is required for the remote scorer"}
		}
	case "fixed":
		if c.Scorer.FixedConfidence < 0 || c.Scorer.FixedConfidence > 1 {
			return []string{"scorer.fixed_confidence must be between 0 and 1"}
		}
	default:
		return []string{fmt.Sprintf("scorer.kind must be remote or fixed, got %q", c.Scorer.Kind)}
	}
	return nil
}

func validThresholds(t ThresholdConfig) bool {
	if math.IsNaN(t.LowThreshold) || math.IsNaN(t.ConfirmThreshold) {
		return false
	}
	return t.LowThreshold >= 0 && t.LowThreshold <= t.ConfirmThreshold && t.ConfirmThreshold <= 1
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
