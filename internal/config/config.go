// Package config loads and validates scanner configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Render    RenderConfig    `mapstructure:"render"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Suggest   SuggestConfig   `mapstructure:"suggest"`
	Queue     QueueConfig     `mapstructure:"queue"`
	DB        DBConfig        `mapstructure:"db"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// GatewayConfig governs submission acceptance behavior.
type GatewayConfig struct {
	RateWindowSeconds int      `mapstructure:"rate_window_seconds"`
	RateBurst         int      `mapstructure:"rate_burst"`
	WatchIntervalMs   int      `mapstructure:"watch_interval_ms"`
	BlockedHosts      []string `mapstructure:"blocked_hosts"`
}

// ScannerConfig governs the worker pool and per-job budgets.
type ScannerConfig struct {
	Concurrency       int `mapstructure:"concurrency"`
	JobTimeoutSeconds int `mapstructure:"job_timeout_seconds"`
}

// FetchConfig configures the plain HTTP probe fetcher.
type FetchConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
}

// RenderConfig configures the headless rendering subsystem.
type RenderConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	MinHTMLBytes  int  `mapstructure:"min_html_bytes"`
}

// RateLimitConfig paces outbound page fetches per target host.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// DetectorConfig tunes the rule engine wrapper.
type DetectorConfig struct {
	// Serialize forces one detector run at a time, for engines that share
	// mutable evaluation state.
	Serialize bool `mapstructure:"serialize"`
}

// SuggestConfig configures the fix-suggestion model client.
type SuggestConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxViolations  int    `mapstructure:"max_violations"`
}

// QueueConfig selects and tunes the job queue backend.
type QueueConfig struct {
	Backend            string `mapstructure:"backend"`
	MaxAttempts        int    `mapstructure:"max_attempts"`
	BaseDelayMs        int    `mapstructure:"base_delay_ms"`
	MaxDelayMs         int    `mapstructure:"max_delay_ms"`
	LeaseTTLSeconds    int    `mapstructure:"lease_ttl_seconds"`
	CompletedRetention int    `mapstructure:"completed_retention"`
	FailedRetention    int    `mapstructure:"failed_retention"`
	Table              string `mapstructure:"table"`
	SQLitePath         string `mapstructure:"sqlite_path"`
}

// DBConfig controls access to Postgres for the queue and audit backends.
type DBConfig struct {
	DSN                string `mapstructure:"dsn"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSec int    `mapstructure:"max_conn_lifetime_seconds"`
}

// AuditConfig toggles the Postgres scan-history sink.
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	RunsTable  string `mapstructure:"runs_table"`
	StatsTable string `mapstructure:"stats_table"`
}

// StorageConfig sets paths and content types for snapshot persistence.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	Buffer    int `mapstructure:"buffer"`
	BatchSize int `mapstructure:"batch_size"`
	FlushMs   int `mapstructure:"flush_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig identifies the service to the tracing backend. Traces are
// exported to Google Cloud only when a project ID is set.
type TelemetryConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	ProjectID      string `mapstructure:"project_id"`
	Region         string `mapstructure:"region"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("gateway.rate_window_seconds", 60)
	v.SetDefault("gateway.rate_burst", 1)
	v.SetDefault("gateway.watch_interval_ms", 500)
	v.SetDefault("scanner.concurrency", 2)
	v.SetDefault("scanner.job_timeout_seconds", 120)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.user_agent",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 scand/1.0")
	v.SetDefault("fetch.max_body_bytes", 10*1024*1024)
	v.SetDefault("render.enabled", false)
	v.SetDefault("render.max_parallel", 1)
	v.SetDefault("render.nav_timeout_seconds", 25)
	v.SetDefault("render.min_html_bytes", 2048)
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.default_rps", 1)
	v.SetDefault("rate_limit.default_burst", 1)
	v.SetDefault("detector.serialize", false)
	v.SetDefault("suggest.enabled", false)
	v.SetDefault("suggest.base_url", "https://api.openai.com/v1")
	v.SetDefault("suggest.model", "gpt-4o-mini")
	v.SetDefault("suggest.timeout_seconds", 30)
	v.SetDefault("suggest.max_violations", 20)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.base_delay_ms", 1000)
	v.SetDefault("queue.max_delay_ms", 300000)
	v.SetDefault("queue.lease_ttl_seconds", 150)
	v.SetDefault("queue.completed_retention", 100)
	v.SetDefault("queue.failed_retention", 50)
	v.SetDefault("queue.table", "scan_jobs")
	v.SetDefault("queue.sqlite_path", "scand.db")
	v.SetDefault("audit.runs_table", "scan_runs")
	v.SetDefault("audit.stats_table", "scan_violation_stats")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("progress.buffer", 1024)
	v.SetDefault("progress.batch_size", 64)
	v.SetDefault("progress.flush_ms", 500)
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "scand")
	v.SetDefault("telemetry.service_version", "dev")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scanner.Concurrency <= 0 {
		return fmt.Errorf("scanner.concurrency must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Scanner.JobTimeoutSeconds <= c.Fetch.TimeoutSeconds {
		return fmt.Errorf("scanner.job_timeout_seconds must exceed fetch.timeout_seconds")
	}
	if c.Gateway.RateWindowSeconds <= 0 {
		return fmt.Errorf("gateway.rate_window_seconds must be > 0")
	}
	switch c.Queue.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when queue.backend is postgres")
		}
	case "sqlite":
		if c.Queue.SQLitePath == "" {
			return fmt.Errorf("queue.sqlite_path must be set when queue.backend is sqlite")
		}
	default:
		return fmt.Errorf("queue.backend must be one of memory, postgres, sqlite")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.backend is local")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	if c.Render.Enabled && c.Render.MaxParallel <= 0 {
		return fmt.Errorf("render.max_parallel must be > 0 when render is enabled")
	}
	if c.RateLimit.Enabled && c.RateLimit.DefaultRPS <= 0 {
		return fmt.Errorf("rate_limit.default_rps must be > 0 when rate limiting is enabled")
	}
	if c.Suggest.Enabled && c.Suggest.BaseURL == "" {
		return fmt.Errorf("suggest.base_url must be set when suggest is enabled")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Audit.Enabled && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when audit is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// JobTimeout is the whole-pipeline budget for one scan attempt.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Scanner.JobTimeoutSeconds) * time.Second
}

// FetchTimeout is the budget for a single page retrieval.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// RateWindow is the minimum spacing between accepted submissions per client.
func (c Config) RateWindow() time.Duration {
	return time.Duration(c.Gateway.RateWindowSeconds) * time.Second
}

// WatchInterval is the poll cadence behind the status watch socket.
func (c Config) WatchInterval() time.Duration {
	return time.Duration(c.Gateway.WatchIntervalMs) * time.Millisecond
}
