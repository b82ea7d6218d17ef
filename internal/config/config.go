// Package config handles loading and validating foreman configuration.
// Supports YAML config files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Validation errors.
var (
	ErrInvalidPassThreshold      = errors.New("gates.pass_threshold must be between 0 and 100")
	ErrInvalidMaxReviewCycles    = errors.New("gates.max_review_cycles must be at least 1")
	ErrInvalidMaxParallelReviews = errors.New("gates.max_parallel_reviews must be between 1 and 6")
	ErrStallThresholdOrder       = errors.New("health stall thresholds must satisfy nudge < kill < failsafe")
	ErrInvalidSimilarity         = errors.New("health.retry_storm_similarity must be between 0 and 1")
	ErrInvalidToolCallBudget     = errors.New("health.tool_call_budget must be at least 1")
	ErrInvalidContextWarn        = errors.New("health.context_warn_percent must be between 0 and 1")
	ErrInvalidSchedule           = errors.New("autorun.schedule is not a valid cron expression")
)

// Config holds all foreman configuration.
type Config struct {
	Gates     GatesConfig     `mapstructure:"gates"`
	Health    HealthConfig    `mapstructure:"health"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	AutoRun   AutoRunConfig   `mapstructure:"autorun"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DBPath    string          `mapstructure:"db_path"`
}

// GatesConfig controls the quality-gate review pipeline.
type GatesConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	PassThreshold      int  `mapstructure:"pass_threshold"`       // aggregate score needed to pass (0-100)
	MaxReviewCycles    int  `mapstructure:"max_review_cycles"`    // failed cycles before escalation
	MaxParallelReviews int  `mapstructure:"max_parallel_reviews"` // concurrent review slots per team (1-6)
}

// HealthConfig controls teammate health monitoring thresholds.
type HealthConfig struct {
	StallNudge           time.Duration `mapstructure:"stall_nudge"`
	StallKill            time.Duration `mapstructure:"stall_kill"`
	StallFailsafe        time.Duration `mapstructure:"stall_failsafe"`
	ErrorLoopCount       int           `mapstructure:"error_loop_count"`
	RetryStormWindow     int           `mapstructure:"retry_storm_window"`
	RetryStormSimilarity float64       `mapstructure:"retry_storm_similarity"`
	ToolCallBudget       int           `mapstructure:"tool_call_budget"`
	ContextWarnPercent   float64       `mapstructure:"context_warn_percent"`
	CheckInterval        time.Duration `mapstructure:"check_interval"`
	AlertFlushInterval   time.Duration `mapstructure:"alert_flush_interval"`
}

// HeartbeatConfig controls activity batching intervals.
type HeartbeatConfig struct {
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	SummaryInterval  time.Duration `mapstructure:"summary_interval"`
	SoftProbeAfter   time.Duration `mapstructure:"soft_probe_after"`
}

// AutoRunConfig controls the autonomous run orchestrator.
type AutoRunConfig struct {
	SpecWait      time.Duration `mapstructure:"spec_wait"`       // bounded wait for spec generation
	FlatTaskLimit int           `mapstructure:"flat_task_limit"` // above this, spawn two-tier
	Schedule      string        `mapstructure:"schedule"`        // optional cron expression for daemon mode
}

// LoggingConfig mirrors logging.Config for file-based setup.
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Path          string `mapstructure:"path"`
	Format        string `mapstructure:"format"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// Default returns the default configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Gates: GatesConfig{
			Enabled:            true,
			PassThreshold:      80,
			MaxReviewCycles:    2,
			MaxParallelReviews: 3,
		},
		Health: HealthConfig{
			StallNudge:           5 * time.Minute,
			StallKill:            8 * time.Minute,
			StallFailsafe:        15 * time.Minute,
			ErrorLoopCount:       5,
			RetryStormWindow:     8,
			RetryStormSimilarity: 0.85,
			ToolCallBudget:       50,
			ContextWarnPercent:   0.85,
			CheckInterval:        30 * time.Second,
			AlertFlushInterval:   90 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			SnapshotInterval: 15 * time.Second,
			SummaryInterval:  2 * time.Minute,
			SoftProbeAfter:   3 * time.Minute,
		},
		AutoRun: AutoRunConfig{
			SpecWait:      5 * time.Minute,
			FlatTaskLimit: 6,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			RetentionDays: 7,
		},
		DBPath: filepath.Join(home, ".local", "share", "foreman", "foreman.db"),
	}
}

// Load reads configuration from file and environment.
// Search order: explicit path, ./foreman.yaml, ~/.config/foreman/foreman.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FOREMAN")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("foreman")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "foreman"))
		}
	}

	cfg := Default()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			// No config file is fine; defaults apply.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants.
func Validate(cfg *Config) error {
	if cfg.Gates.PassThreshold < 0 || cfg.Gates.PassThreshold > 100 {
		return ErrInvalidPassThreshold
	}
	if cfg.Gates.MaxReviewCycles < 1 {
		return ErrInvalidMaxReviewCycles
	}
	if cfg.Gates.MaxParallelReviews < 1 || cfg.Gates.MaxParallelReviews > 6 {
		return ErrInvalidMaxParallelReviews
	}
	if cfg.Health.StallNudge >= cfg.Health.StallKill || cfg.Health.StallKill >= cfg.Health.StallFailsafe {
		return ErrStallThresholdOrder
	}
	if cfg.Health.RetryStormSimilarity < 0 || cfg.Health.RetryStormSimilarity > 1 {
		return ErrInvalidSimilarity
	}
	if cfg.Health.ToolCallBudget < 1 {
		return ErrInvalidToolCallBudget
	}
	if cfg.Health.ContextWarnPercent <= 0 || cfg.Health.ContextWarnPercent > 1 {
		return ErrInvalidContextWarn
	}
	if cfg.AutoRun.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.AutoRun.Schedule); err != nil {
			return ErrInvalidSchedule
		}
	}
	return nil
}
