package config

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Signals    SignalsConfig    `yaml:"signals" mapstructure:"signals"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Engine     EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Export     ExportConfig     `yaml:"export" mapstructure:"export"`
	Schedule   ScheduleConfig   `yaml:"schedule" mapstructure:"schedule"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the fact store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SignalsConfig holds the anomaly thresholds. A nil threshold disables its
// check; so does a value that did not parse as a number (stored as NaN).
type SignalsConfig struct {
	MoverThreshold         *float64 `yaml:"mover_threshold" mapstructure:"-"`
	DiscountSpikeThreshold *float64 `yaml:"discount_spike_threshold" mapstructure:"-"`
	AdSurgeThreshold       *float64 `yaml:"ad_surge_threshold" mapstructure:"-"`
}

// ScoringWeights are the coefficients of each score component. Unlike the
// signal thresholds, a missing or malformed weight fails the run.
type ScoringWeights struct {
	AdLevel         *float64 `yaml:"ad_level" mapstructure:"-"`
	AdGrowth        *float64 `yaml:"ad_growth" mapstructure:"-"`
	PriceIntensity  *float64 `yaml:"price_intensity" mapstructure:"-"`
	DiscountBreadth *float64 `yaml:"discount_breadth" mapstructure:"-"`
	Freshness       *float64 `yaml:"freshness" mapstructure:"-"`
}

// ScoringConfig configures the score aggregator.
type ScoringConfig struct {
	Weights ScoringWeights `yaml:"weights" mapstructure:"-"`

	// AdLevelHalfSat is the active-ad count at which the ad level term is 0.5.
	AdLevelHalfSat float64 `yaml:"ad_level_half_sat" mapstructure:"ad_level_half_sat"`
	// AdGrowthCap is the growth fraction that maps to a full ad growth term.
	AdGrowthCap float64 `yaml:"ad_growth_cap" mapstructure:"ad_growth_cap"`
	// IntensityCap is the mean absolute price change that maps to a full
	// price intensity term.
	IntensityCap float64 `yaml:"intensity_cap" mapstructure:"intensity_cap"`
	// FreshnessWindowDays counts a variant as new when first seen within it.
	FreshnessWindowDays int `yaml:"freshness_window_days" mapstructure:"freshness_window_days"`
}

// EngineConfig configures a per-date run.
type EngineConfig struct {
	Workers            int `yaml:"workers" mapstructure:"workers"`
	LookbackDays       int `yaml:"lookback_days" mapstructure:"lookback_days"`
	CommitAttempts     int `yaml:"commit_attempts" mapstructure:"commit_attempts"`
	CommitBackoffMs    int `yaml:"commit_backoff_ms" mapstructure:"commit_backoff_ms"`
	CommitMaxBackoffMs int `yaml:"commit_max_backoff_ms" mapstructure:"commit_max_backoff_ms"`
}

// ExportConfig configures leaderboard exports.
type ExportConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// ScheduleConfig configures the in-process daily trigger.
type ScheduleConfig struct {
	Cron     string `yaml:"cron" mapstructure:"cron"`
	Timezone string `yaml:"timezone" mapstructure:"timezone"`
}

// Location loads the schedule timezone. Empty means UTC.
func (s ScheduleConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, eris.Wrapf(err, "config: load timezone %q", s.Timezone)
	}
	return loc, nil
}

// ServerConfig configures the read-only HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	CORSOrigins    []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
}

// MonitoringConfig configures run health alerts. Alerts are only sent when
// WebhookURL is set.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	RejectedThreshold    int     `yaml:"rejected_threshold" mapstructure:"rejected_threshold"`
	StaleAfterHours      int     `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BRIEF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The bare threshold names are what operators already export.
	_ = v.BindEnv("signals.mover_threshold", "BRIEF_SIGNALS_MOVER_THRESHOLD", "MOVER_THRESHOLD")
	_ = v.BindEnv("signals.discount_spike_threshold", "BRIEF_SIGNALS_DISCOUNT_SPIKE_THRESHOLD", "DISCOUNT_SPIKE_THRESHOLD")
	_ = v.BindEnv("signals.ad_surge_threshold", "BRIEF_SIGNALS_AD_SURGE_THRESHOLD", "AD_SURGE_THRESHOLD")
	_ = v.BindEnv("store.database_url", "BRIEF_STORE_DATABASE_URL", "DATABASE_URL")

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit_rps", 50)
	v.SetDefault("server.rate_limit_burst", 100)
	v.SetDefault("signals.mover_threshold", 0.10)
	v.SetDefault("signals.discount_spike_threshold", 0.10)
	v.SetDefault("signals.ad_surge_threshold", 2.0)
	v.SetDefault("scoring.weights.ad_level", 20)
	v.SetDefault("scoring.weights.ad_growth", 15)
	v.SetDefault("scoring.weights.price_intensity", 35)
	v.SetDefault("scoring.weights.discount_breadth", 20)
	v.SetDefault("scoring.weights.freshness", 10)
	v.SetDefault("scoring.ad_level_half_sat", 20)
	v.SetDefault("scoring.ad_growth_cap", 1.0)
	v.SetDefault("scoring.intensity_cap", 0.25)
	v.SetDefault("scoring.freshness_window_days", 7)
	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.lookback_days", 30)
	v.SetDefault("engine.commit_attempts", 3)
	v.SetDefault("engine.commit_backoff_ms", 200)
	v.SetDefault("engine.commit_max_backoff_ms", 5000)
	v.SetDefault("export.dir", "artifacts/exports")
	v.SetDefault("schedule.cron", "30 6 * * *")
	v.SetDefault("schedule.timezone", "America/Los_Angeles")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.rejected_threshold", 100)
	v.SetDefault("monitoring.stale_after_hours", 26)
	v.SetDefault("monitoring.lookback_window_hours", 72)
	v.SetDefault("monitoring.check_interval_secs", 900)

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

	cfg.Signals = SignalsConfig{
		MoverThreshold:         lookupFloat(v, "signals.mover_threshold"),
		DiscountSpikeThreshold: lookupFloat(v, "signals.discount_spike_threshold"),
		AdSurgeThreshold:       lookupFloat(v, "signals.ad_surge_threshold"),
	}
	cfg.Scoring.Weights = ScoringWeights{
		AdLevel:         lookupFloat(v, "scoring.weights.ad_level"),
		AdGrowth:        lookupFloat(v, "scoring.weights.ad_growth"),
		PriceIntensity:  lookupFloat(v, "scoring.weights.price_intensity"),
		DiscountBreadth: lookupFloat(v, "scoring.weights.discount_breadth"),
		Freshness:       lookupFloat(v, "scoring.weights.freshness"),
	}

	return &cfg, nil
}

// lookupFloat reads an optional numeric key. Blank means absent (nil); text
// that is not a number comes back as NaN so callers can tell "malformed"
// apart from "missing".
func lookupFloat(v *viper.Viper, key string) *float64 {
	if !v.IsSet(key) {
		return nil
	}
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		nan := math.NaN()
		return &nan
	}
	return &f
}

// Validate checks the fields a command mode needs before it runs.
// Modes: "compute" (store + engine), "read" (store only), "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "compute", "read", "serve":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	if mode == "compute" {
		if c.Engine.Workers < 1 || c.Engine.Workers > 64 {
			errs = append(errs, "engine.workers must be between 1 and 64")
		}
		if c.Engine.LookbackDays < 1 {
			errs = append(errs, "engine.lookback_days must be >= 1")
		}
		if c.Engine.CommitAttempts < 1 {
			errs = append(errs, "engine.commit_attempts must be >= 1")
		}
	}

	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
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

// Float returns a pointer to v, for building configs in code.
func Float(v float64) *float64 { return &v }
