// Package config loads and validates the positrack configuration.
//
// A single YAML file (positrack.yaml) feeds a typed Config through viper.
// Every key has a code-registered default, and any key can be overridden
// with POSITRACK_* environment variables (dots become underscores, so
// partition.warn_mb is POSITRACK_PARTITION_WARN_MB).
//
// Most fields are fixed for the life of the process. The dynamic subset
// (size thresholds, alert cooldown, auto flags) can be re-applied at
// runtime through Watcher without a restart.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/positrack/positrack/internal/types"
)

// DefaultFile is the config file name searched for when no --config flag
// is given.
const DefaultFile = "positrack.yaml"

// Config is the full positrack configuration tree.
type Config struct {
	DataDir   string    `mapstructure:"data_dir" yaml:"data_dir"`
	MySQL     MySQL     `mapstructure:"mysql" yaml:"mysql"`
	Partition Partition `mapstructure:"partition" yaml:"partition"`
	Archive   Archive   `mapstructure:"archive" yaml:"archive"`
	Realtime  Realtime  `mapstructure:"realtime" yaml:"realtime"`
	Alerts    Alerts    `mapstructure:"alerts" yaml:"alerts"`
	Bridge    Bridge    `mapstructure:"bridge" yaml:"bridge"`
}

// MySQL holds connection settings for the backing database. When DSN is
// set it wins over the discrete fields.
type MySQL struct {
	Addr         string `mapstructure:"addr" yaml:"addr"`
	User         string `mapstructure:"user" yaml:"user"`
	Password     string `mapstructure:"password" yaml:"password"`
	Database     string `mapstructure:"database" yaml:"database"`
	DSN          string `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
}

// Partition controls the monthly partition lifecycle and ingest batching.
type Partition struct {
	WarnMB              int64 `mapstructure:"warn_mb" yaml:"warn_mb"`
	CriticalMB          int64 `mapstructure:"critical_mb" yaml:"critical_mb"`
	EmergencyMB         int64 `mapstructure:"emergency_mb" yaml:"emergency_mb"`
	MaxRows             int64 `mapstructure:"max_rows" yaml:"max_rows"`
	AutoCreate          bool  `mapstructure:"auto_create" yaml:"auto_create"`
	AutoCleanup         bool  `mapstructure:"auto_cleanup" yaml:"auto_cleanup"`
	AutoCompress        bool  `mapstructure:"auto_compress" yaml:"auto_compress"`
	AutoConvert         bool  `mapstructure:"auto_convert" yaml:"auto_convert"`
	FutureMonths        int   `mapstructure:"future_months" yaml:"future_months"`
	RetentionMonths     int   `mapstructure:"retention_months" yaml:"retention_months"`
	SizeCheckIntervalMS int   `mapstructure:"size_check_interval_ms" yaml:"size_check_interval_ms"`
	QueryTimeoutMS      int   `mapstructure:"query_timeout_ms" yaml:"query_timeout_ms"`
	BatchSize           int   `mapstructure:"batch_size" yaml:"batch_size"`
	MaxConcurrentOps    int   `mapstructure:"max_concurrent_ops" yaml:"max_concurrent_ops"`
}

// Archive controls the weekly partition export.
type Archive struct {
	Path                string `mapstructure:"path" yaml:"path"`
	ActiveMonths        int    `mapstructure:"active_months" yaml:"active_months"`
	WarmMonths          int    `mapstructure:"warm_months" yaml:"warm_months"`
	ColdMonths          int    `mapstructure:"cold_months" yaml:"cold_months"`
	ParallelJobs        int    `mapstructure:"parallel_jobs" yaml:"parallel_jobs"`
	BackupBeforeArchive bool   `mapstructure:"backup_before_archive" yaml:"backup_before_archive"`
	Compress            bool   `mapstructure:"compress" yaml:"compress"`
}

// Realtime configures the TCP frame server and the fan-out hub.
type Realtime struct {
	Addr               string `mapstructure:"addr" yaml:"addr"`
	HeartbeatMS        int    `mapstructure:"heartbeat_ms" yaml:"heartbeat_ms"`
	SubscriberQueueMax int    `mapstructure:"subscriber_queue_max" yaml:"subscriber_queue_max"`
	SendTimeoutMS      int    `mapstructure:"send_timeout_ms" yaml:"send_timeout_ms"`
	MaxConns           int    `mapstructure:"max_conns" yaml:"max_conns"`
	AuthToken          string `mapstructure:"auth_token" yaml:"auth_token"`
	RedisAddr          string `mapstructure:"redis_addr" yaml:"redis_addr"`
}

// Alerts configures the health alerter and its delivery channels. The log
// channel is always on; webhook and SMTP activate when their endpoint is
// non-empty.
type Alerts struct {
	CooldownMS int64  `mapstructure:"cooldown_ms" yaml:"cooldown_ms"`
	WebhookURL string `mapstructure:"webhook_url" yaml:"webhook_url"`
	SMTP       SMTP   `mapstructure:"smtp" yaml:"smtp"`
}

// SMTP holds mail delivery settings for critical alerts.
type SMTP struct {
	Host     string   `mapstructure:"host" yaml:"host"`
	Port     int      `mapstructure:"port" yaml:"port"`
	From     string   `mapstructure:"from" yaml:"from"`
	To       []string `mapstructure:"to" yaml:"to"`
	Username string   `mapstructure:"username" yaml:"username"`
	Password string   `mapstructure:"password" yaml:"password"`
}

// Bridge configures the optional NATS mirror. An empty URL disables it.
type Bridge struct {
	URL           string `mapstructure:"url" yaml:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

// Default returns the built-in configuration. Load starts from this and
// layers the file and environment on top.
func Default() *Config {
	return &Config{
		DataDir: ".",
		MySQL: MySQL{
			Addr:         "127.0.0.1:3306",
			User:         "positrack",
			Database:     "positrack",
			MaxOpenConns: 32,
			MaxIdleConns: 8,
		},
		Partition: Partition{
			WarnMB:              4096,
			CriticalMB:          8192,
			EmergencyMB:         12288,
			MaxRows:             100_000_000,
			AutoCreate:          true,
			AutoCleanup:         false,
			AutoCompress:        true,
			AutoConvert:         false,
			FutureMonths:        3,
			RetentionMonths:     12,
			SizeCheckIntervalMS: 3_600_000,
			QueryTimeoutMS:      5_000,
			BatchSize:           500,
			MaxConcurrentOps:    4,
		},
		Archive: Archive{
			Path:                "archive",
			ActiveMonths:        3,
			WarmMonths:          6,
			ColdMonths:          24,
			ParallelJobs:        2,
			BackupBeforeArchive: true,
			Compress:            false,
		},
		Realtime: Realtime{
			Addr:               ":7878",
			HeartbeatMS:        25_000,
			SubscriberQueueMax: 1000,
			SendTimeoutMS:      5_000,
			MaxConns:           10_000,
		},
		Alerts: Alerts{
			CooldownMS: 1_800_000,
			SMTP:       SMTP{Port: 587},
		},
		Bridge: Bridge{
			SubjectPrefix: "positrack",
		},
	}
}

// Load reads the configuration. path selects an explicit file (an error if
// it cannot be read); an empty path searches the working directory and
// /etc/positrack for positrack.yaml and falls back to defaults when
// nothing is found. Environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Seed every key from the default tree so env-only overrides are
	// visible to Unmarshal (viper only binds keys it already knows).
	seed, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("failed to encode default config: %w", err)
	}
	v.SetConfigType("yaml")
	if err := v.MergeConfig(bytes.NewReader(seed)); err != nil {
		return nil, fmt.Errorf("failed to seed default config: %w", err)
	}

	v.SetEnvPrefix("POSITRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFile, ".yaml"))
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/positrack")
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. It reports every problem found,
// not just the first.
func (c *Config) Validate() error {
	var problems []string
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Partition.WarnMB <= 0 {
		bad("partition.warn_mb must be positive, got %d", c.Partition.WarnMB)
	}
	if c.Partition.CriticalMB <= c.Partition.WarnMB {
		bad("partition.critical_mb (%d) must exceed warn_mb (%d)", c.Partition.CriticalMB, c.Partition.WarnMB)
	}
	if c.Partition.EmergencyMB <= c.Partition.CriticalMB {
		bad("partition.emergency_mb (%d) must exceed critical_mb (%d)", c.Partition.EmergencyMB, c.Partition.CriticalMB)
	}
	if c.Partition.MaxRows <= 0 {
		bad("partition.max_rows must be positive, got %d", c.Partition.MaxRows)
	}
	if c.Partition.FutureMonths < 1 {
		bad("partition.future_months must be at least 1, got %d", c.Partition.FutureMonths)
	}
	if c.Partition.RetentionMonths < 1 {
		bad("partition.retention_months must be at least 1, got %d", c.Partition.RetentionMonths)
	}
	if c.Partition.BatchSize < 1 {
		bad("partition.batch_size must be at least 1, got %d", c.Partition.BatchSize)
	}
	if c.Partition.MaxConcurrentOps < 1 {
		bad("partition.max_concurrent_ops must be at least 1, got %d", c.Partition.MaxConcurrentOps)
	}
	if c.Partition.QueryTimeoutMS < 1 {
		bad("partition.query_timeout_ms must be positive, got %d", c.Partition.QueryTimeoutMS)
	}
	if c.Partition.SizeCheckIntervalMS < 1 {
		bad("partition.size_check_interval_ms must be positive, got %d", c.Partition.SizeCheckIntervalMS)
	}

	if c.Archive.ActiveMonths < 1 {
		bad("archive.active_months must be at least 1, got %d", c.Archive.ActiveMonths)
	}
	if c.Archive.WarmMonths <= c.Archive.ActiveMonths {
		bad("archive.warm_months (%d) must exceed active_months (%d)", c.Archive.WarmMonths, c.Archive.ActiveMonths)
	}
	if c.Archive.ColdMonths <= c.Archive.WarmMonths {
		bad("archive.cold_months (%d) must exceed warm_months (%d)", c.Archive.ColdMonths, c.Archive.WarmMonths)
	}
	if c.Archive.ParallelJobs < 1 {
		bad("archive.parallel_jobs must be at least 1, got %d", c.Archive.ParallelJobs)
	}

	if c.Realtime.HeartbeatMS < 1000 {
		bad("realtime.heartbeat_ms must be at least 1000, got %d", c.Realtime.HeartbeatMS)
	}
	if c.Realtime.SubscriberQueueMax < 1 {
		bad("realtime.subscriber_queue_max must be at least 1, got %d", c.Realtime.SubscriberQueueMax)
	}
	if c.Realtime.SendTimeoutMS < 1 {
		bad("realtime.send_timeout_ms must be positive, got %d", c.Realtime.SendTimeoutMS)
	}
	if c.Realtime.MaxConns < 1 {
		bad("realtime.max_conns must be at least 1, got %d", c.Realtime.MaxConns)
	}

	if c.Alerts.CooldownMS < 0 {
		bad("alerts.cooldown_ms must not be negative, got %d", c.Alerts.CooldownMS)
	}
	if c.Alerts.SMTP.Host != "" {
		if c.Alerts.SMTP.From == "" {
			bad("alerts.smtp.from is required when alerts.smtp.host is set")
		}
		if len(c.Alerts.SMTP.To) == 0 {
			bad("alerts.smtp.to is required when alerts.smtp.host is set")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Thresholds builds the size/row classification profile.
func (c *Config) Thresholds() types.ThresholdProfile {
	return types.ThresholdProfile{
		WarnMB:      c.Partition.WarnMB,
		CriticalMB:  c.Partition.CriticalMB,
		EmergencyMB: c.Partition.EmergencyMB,
		MaxRows:     c.Partition.MaxRows,
	}
}

// TierPolicy builds the partition aging policy from the archive months.
func (c *Config) TierPolicy() types.TierPolicy {
	return types.TierPolicy{
		ActiveMonths: c.Archive.ActiveMonths,
		WarmMonths:   c.Archive.WarmMonths,
		ColdMonths:   c.Archive.ColdMonths,
	}
}

// AlertCooldown returns the per-(partition, severity) alert mute window.
func (c *Config) AlertCooldown() time.Duration {
	return time.Duration(c.Alerts.CooldownMS) * time.Millisecond
}

// QueryTimeout returns the per-statement deadline for storage calls.
func (p Partition) QueryTimeout() time.Duration {
	return time.Duration(p.QueryTimeoutMS) * time.Millisecond
}

// SizeCheckInterval returns the cadence of the size guard sweep.
func (p Partition) SizeCheckInterval() time.Duration {
	return time.Duration(p.SizeCheckIntervalMS) * time.Millisecond
}

// Heartbeat returns the server-to-client heartbeat period.
func (r Realtime) Heartbeat() time.Duration {
	return time.Duration(r.HeartbeatMS) * time.Millisecond
}

// SendTimeout returns how long a non-droppable event may block on a full
// subscriber queue before the subscriber is disconnected.
func (r Realtime) SendTimeout() time.Duration {
	return time.Duration(r.SendTimeoutMS) * time.Millisecond
}

// Dynamic is the subset of configuration that takes effect without a
// restart. Watcher pushes a fresh Dynamic to listeners after each reload.
type Dynamic struct {
	Thresholds    types.ThresholdProfile
	AlertCooldown time.Duration
	AutoCreate    bool
	AutoCleanup   bool
	AutoCompress  bool
	AutoConvert   bool
}

// Dynamic extracts the hot-reloadable subset.
func (c *Config) Dynamic() Dynamic {
	return Dynamic{
		Thresholds:    c.Thresholds(),
		AlertCooldown: c.AlertCooldown(),
		AutoCreate:    c.Partition.AutoCreate,
		AutoCleanup:   c.Partition.AutoCleanup,
		AutoCompress:  c.Partition.AutoCompress,
		AutoConvert:   c.Partition.AutoConvert,
	}
}

// Render renders the config back to YAML, for `positrack config print`.
func (c *Config) Render() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}
