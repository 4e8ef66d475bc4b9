// Package config holds the engine knobs shared by the CLI and the worker.
// Defaults live in code; an optional YAML file overrides any subset of them.
package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/julianstephens/cadence/internal/constants"
	cerrors "github.com/julianstephens/cadence/internal/errors"
	"github.com/julianstephens/cadence/internal/materializer"
	"github.com/julianstephens/cadence/internal/nudge"
	"github.com/julianstephens/cadence/internal/outbox"
	"github.com/julianstephens/cadence/internal/storage"
	"github.com/julianstephens/cadence/internal/utils"
)

// Notifier modes.
const (
	NotifierTray   = "tray"
	NotifierStdout = "stdout"
	NotifierNone   = "none"
)

type Config struct {
	UserID       string             `yaml:"user_id"`
	Materializer MaterializerConfig `yaml:"materializer"`
	Outbox       OutboxConfig       `yaml:"outbox"`
	Retry        RetryConfig        `yaml:"retry"`
	Nudge        NudgeConfig        `yaml:"nudge"`
	Graph        GraphConfig        `yaml:"graph"`
	Notifier     NotifierConfig     `yaml:"notifier"`
	Log          LogConfig          `yaml:"log"`
}

type MaterializerConfig struct {
	HorizonDays int           `yaml:"horizon_days"`
	Interval    time.Duration `yaml:"interval"`
}

type OutboxConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseBackoff  time.Duration `yaml:"base_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

// RetryConfig bounds foreground retries of transient storage errors.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

type NudgeConfig struct {
	LeadTime               time.Duration `yaml:"lead_time"`
	Milestones             []int         `yaml:"milestones"`
	AccountabilityDaysLeft int           `yaml:"accountability_days_left"`
	MaxPerDay              int           `yaml:"max_per_day"`
	MaxPerHabitPerDay      int           `yaml:"max_per_habit_per_day"`
	QuietStart             string        `yaml:"quiet_start"`
	QuietEnd               string        `yaml:"quiet_end"`
	Interval               time.Duration `yaml:"interval"`
}

// GraphConfig points the outbox publisher at the graph store. The bearer
// token is read from the environment variable named by TokenEnv so it never
// lands in the file.
type GraphConfig struct {
	Endpoint string `yaml:"endpoint"`
	TokenEnv string `yaml:"token_env"`
}

type NotifierConfig struct {
	Mode string `yaml:"mode"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		UserID: constants.DefaultUserID,
		Materializer: MaterializerConfig{
			HorizonDays: constants.DefaultMaterializeHorizonDays,
			Interval:    constants.DefaultMaterializeInterval,
		},
		Outbox: OutboxConfig{
			MaxAttempts:  constants.DefaultOutboxMaxAttempts,
			BaseBackoff:  constants.DefaultOutboxBaseBackoff,
			MaxBackoff:   constants.DefaultOutboxMaxBackoff,
			CallTimeout:  constants.DefaultOutboxCallTimeout,
			PollInterval: constants.DefaultOutboxPollInterval,
			BatchSize:    constants.DefaultOutboxBatchSize,
		},
		Retry: RetryConfig{
			MaxRetries: constants.DefaultForegroundRetries,
			BaseDelay:  constants.DefaultForegroundBackoff,
			MaxDelay:   time.Second,
		},
		Nudge: NudgeConfig{
			LeadTime:               constants.DefaultNudgeLeadTime,
			Milestones:             slices.Clone(constants.DefaultMilestones),
			AccountabilityDaysLeft: constants.DefaultNudgeAccountabilityDaysLeft,
			MaxPerDay:              constants.DefaultNudgeMaxPerDay,
			MaxPerHabitPerDay:      constants.DefaultNudgeMaxPerHabitPerDay,
			Interval:               constants.DefaultNudgeInterval,
		},
		Graph: GraphConfig{
			TokenEnv: constants.EnvGraphToken,
		},
		Notifier: NotifierConfig{
			Mode: NotifierStdout,
		},
	}
}

// LoadFile overlays the YAML file at path onto the defaults. A missing file
// is not an error; the defaults are returned as-is.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engines cannot run with.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return cerrors.Validationf("user_id", "must not be empty")
	}
	if c.Materializer.HorizonDays < 1 {
		return cerrors.Validationf("materializer.horizon_days", "must be at least 1, got %d", c.Materializer.HorizonDays)
	}
	if c.Materializer.Interval <= 0 {
		return cerrors.Validationf("materializer.interval", "must be positive")
	}
	if c.Outbox.MaxAttempts < 1 {
		return cerrors.Validationf("outbox.max_attempts", "must be at least 1, got %d", c.Outbox.MaxAttempts)
	}
	if c.Outbox.BaseBackoff <= 0 {
		return cerrors.Validationf("outbox.base_backoff", "must be positive")
	}
	if c.Outbox.MaxBackoff < c.Outbox.BaseBackoff {
		return cerrors.Validationf("outbox.max_backoff", "must not be shorter than base_backoff")
	}
	if c.Outbox.CallTimeout <= 0 {
		return cerrors.Validationf("outbox.call_timeout", "must be positive")
	}
	if c.Outbox.PollInterval <= 0 {
		return cerrors.Validationf("outbox.poll_interval", "must be positive")
	}
	if c.Outbox.BatchSize < 1 {
		return cerrors.Validationf("outbox.batch_size", "must be at least 1, got %d", c.Outbox.BatchSize)
	}
	if c.Retry.MaxRetries < 0 {
		return cerrors.Validationf("retry.max_retries", "must not be negative")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return cerrors.Validationf("retry", "delays must not be negative")
	}
	if c.Nudge.LeadTime <= 0 {
		return cerrors.Validationf("nudge.lead_time", "must be positive")
	}
	if c.Nudge.Interval <= 0 {
		return cerrors.Validationf("nudge.interval", "must be positive")
	}
	if c.Nudge.MaxPerDay < 0 || c.Nudge.MaxPerHabitPerDay < 0 || c.Nudge.AccountabilityDaysLeft < 0 {
		return cerrors.Validationf("nudge", "limits must not be negative")
	}
	for _, m := range c.Nudge.Milestones {
		if m < 1 {
			return cerrors.Validationf("nudge.milestones", "milestone %d must be positive", m)
		}
	}
	if (c.Nudge.QuietStart == "") != (c.Nudge.QuietEnd == "") {
		return cerrors.Validationf("nudge.quiet_start", "quiet_start and quiet_end must be set together")
	}
	if c.Nudge.QuietStart != "" {
		if _, err := utils.ParseTimeToMinutes(c.Nudge.QuietStart); err != nil {
			return cerrors.Validationf("nudge.quiet_start", "%v", err)
		}
		if _, err := utils.ParseTimeToMinutes(c.Nudge.QuietEnd); err != nil {
			return cerrors.Validationf("nudge.quiet_end", "%v", err)
		}
	}
	switch c.Notifier.Mode {
	case NotifierTray, NotifierStdout, NotifierNone:
	default:
		return cerrors.Validationf("notifier.mode", "unknown mode %q (want tray, stdout or none)", c.Notifier.Mode)
	}
	return nil
}

func (c *Config) RetryPolicy() storage.RetryPolicy {
	return storage.RetryPolicy{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		MaxDelay:   c.Retry.MaxDelay,
	}
}

func (c *Config) MaterializerConfig() materializer.Config {
	return materializer.Config{
		HorizonDays: c.Materializer.HorizonDays,
		Interval:    c.Materializer.Interval,
		Retry:       c.RetryPolicy(),
	}
}

func (c *Config) OutboxConfig() outbox.Config {
	return outbox.Config{
		MaxAttempts:  c.Outbox.MaxAttempts,
		BaseBackoff:  c.Outbox.BaseBackoff,
		MaxBackoff:   c.Outbox.MaxBackoff,
		CallTimeout:  c.Outbox.CallTimeout,
		PollInterval: c.Outbox.PollInterval,
		BatchSize:    c.Outbox.BatchSize,
	}
}

func (c *Config) NudgePolicy() nudge.Policy {
	return nudge.Policy{
		LeadTime:               c.Nudge.LeadTime,
		Milestones:             slices.Clone(c.Nudge.Milestones),
		AccountabilityDaysLeft: c.Nudge.AccountabilityDaysLeft,
		MaxPerDay:              c.Nudge.MaxPerDay,
		MaxPerHabitPerDay:      c.Nudge.MaxPerHabitPerDay,
		QuietStart:             c.Nudge.QuietStart,
		QuietEnd:               c.Nudge.QuietEnd,
	}
}

// GraphToken reads the bearer token from the configured environment variable.
func (c *Config) GraphToken() string {
	if c.Graph.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Graph.TokenEnv)
}
