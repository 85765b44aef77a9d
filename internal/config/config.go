// Package config implements the worker's layered configuration (SPEC_FULL
// §10): CLI flag, then environment variable, then config file, then
// built-in default, in that precedence order. It follows the viper-based
// loader shape used elsewhere in this codebase's lineage, adapted from a
// single YAML-plus-env reader into one that also binds CLI flags so the
// required §6 flags (--queue-url, --s3-bucket, --region) always win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every knob the worker reads, per SPEC_FULL §6.
type Config struct {
	QueueURL string `mapstructure:"queue_url"`
	S3Bucket string `mapstructure:"s3_bucket"`
	Region   string `mapstructure:"region"`

	Model      string `mapstructure:"model"`
	IdleTimeoutMinutes int `mapstructure:"idle_timeout_minutes"`
	CPUOnly    bool   `mapstructure:"cpu_only"`

	VisibilityTimeoutSeconds int `mapstructure:"visibility_timeout_seconds"`
	LongPollSeconds          int `mapstructure:"long_poll_seconds"`
	IdleTimeoutSeconds       int `mapstructure:"idle_timeout_seconds"`
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
	ProgressIntervalSeconds  int `mapstructure:"progress_interval_seconds"`
	MaxTransientRetries      int `mapstructure:"max_transient_retries"`
	TempDir                  string `mapstructure:"temp_dir"`
	SkipIfExists             bool   `mapstructure:"skip_if_exists"`

	AuditDSN    string `mapstructure:"audit_dsn"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	LogLevel string `mapstructure:"log_level"`
}

// VisibilityTimeout returns the in-flight lease duration.
func (c *Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSeconds) * time.Second
}

// LongPoll returns the receive long-poll window.
func (c *Config) LongPoll() time.Duration {
	return time.Duration(c.LongPollSeconds) * time.Second
}

// IdleTimeout returns the shutdown threshold T (SPEC_FULL §4.E), computed
// from whichever of --idle-timeout (minutes) or idle_timeout_seconds took
// precedence during Load.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// HeartbeatInterval returns H.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// ProgressInterval returns P.
func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.ProgressIntervalSeconds) * time.Second
}

// Load parses CLI flags, then binds environment variables under the
// WORKER_ prefix, then an optional config file, applying viper's
// precedence (explicitly-set flag > env > file > default) and finally
// validates required fields.
//
// flagArgs is normally os.Args[1:]; it is threaded through explicitly so
// tests can exercise Load without mutating process-global flag state.
func Load(flagArgs []string) (*Config, error) {
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)

	queueURL := fs.String("queue-url", "", "queue endpoint (required)")
	s3Bucket := fs.String("s3-bucket", "", "metrics/telemetry bucket (required)")
	region := fs.String("region", "", "cloud region (required)")
	model := fs.String("model", "large-v3", "opaque model identifier passed to the adapter")
	idleTimeoutMinutes := fs.Int("idle-timeout", 5, "idle shutdown threshold, in minutes")
	cpuOnly := fs.Bool("cpu-only", false, "force CPU device")
	auditDSN := fs.String("audit-dsn", "", "optional postgres DSN for the audit ledger")
	metricsAddr := fs.String("metrics-addr", ":9090", "address for the /metrics endpoint")
	configPath := fs.String("config", "", "optional config file path")

	if err := fs.Parse(flagArgs); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	v.SetDefault("visibility_timeout_seconds", 1800)
	v.SetDefault("long_poll_seconds", 20)
	v.SetDefault("idle_timeout_seconds", 300)
	v.SetDefault("heartbeat_interval_seconds", 30)
	v.SetDefault("progress_interval_seconds", 10)
	v.SetDefault("max_transient_retries", 5)
	v.SetDefault("temp_dir", os.TempDir())
	v.SetDefault("skip_if_exists", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("model", "large-v3")

	if *configPath != "" {
		v.SetConfigFile(*configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("WORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Also accept the unprefixed AWS_REGION and QUEUE_URL; the WORKER_
	// forms are checked first.
	if err := v.BindEnv("region", "AWS_REGION"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("queue_url", "QUEUE_URL"); err != nil {
		return nil, err
	}

	// Bind the CLI flags last so an explicitly-passed flag always wins
	// over env/file/default, per SPEC_FULL §9's idle-timeout decision.
	if err := v.BindPFlag("queue_url", fs.Lookup("queue-url")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("s3_bucket", fs.Lookup("s3-bucket")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("region", fs.Lookup("region")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("model", fs.Lookup("model")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("cpu_only", fs.Lookup("cpu-only")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("audit_dsn", fs.Lookup("audit-dsn")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("metrics_addr", fs.Lookup("metrics-addr")); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// idle-timeout-in-minutes is a CLI-only convenience over
	// idle_timeout_seconds; apply it only when the flag was explicitly
	// set (or left at its flag default) and no env/file override of the
	// seconds form exists, per the precedence decided in SPEC_FULL §9.
	if !v.IsSet("idle_timeout_seconds") || fs.Changed("idle-timeout") {
		cfg.IdleTimeoutSeconds = *idleTimeoutMinutes * 60
	}
	cfg.IdleTimeoutMinutes = *idleTimeoutMinutes

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.QueueURL == "" {
		return errors.New("configuration 'queue_url' (--queue-url) is required")
	}
	if c.S3Bucket == "" {
		return errors.New("configuration 's3_bucket' (--s3-bucket) is required")
	}
	if c.Region == "" {
		return errors.New("configuration 'region' (--region) is required")
	}
	if c.VisibilityTimeoutSeconds <= 0 {
		return errors.New("visibility_timeout_seconds must be positive")
	}
	if c.MaxTransientRetries < 0 {
		return errors.New("max_transient_retries must be non-negative")
	}
	if err := os.MkdirAll(c.TempDir, 0o755); err != nil {
		return fmt.Errorf("unable to create temp_dir at %s: %w", c.TempDir, err)
	}
	return nil
}
