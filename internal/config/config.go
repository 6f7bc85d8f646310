// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by the ledger, queue and storage sections.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// JobsConfig bounds submissions and sizes the worker pool.
type JobsConfig struct {
	DefaultTimeoutMs int `mapstructure:"default_timeout_ms"`
	MaxTimeoutMs     int `mapstructure:"max_timeout_ms"`
	MaxTargets       int `mapstructure:"max_targets"`
	Workers          int `mapstructure:"workers"`
	ItemConcurrency  int `mapstructure:"item_concurrency"`
	ItemMaxAttempts  int `mapstructure:"item_max_attempts"`
	MaxFailedItems   int `mapstructure:"max_failed_items"`
	HistoryLimitMax  int `mapstructure:"history_limit_max"`
}

// FetchConfig configures outbound page fetches.
type FetchConfig struct {
	MaxRedirects   int     `mapstructure:"max_redirects"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int64   `mapstructure:"max_body_bytes"`
	UserAgent      string  `mapstructure:"user_agent"`
	DNSTimeoutMs   int     `mapstructure:"dns_timeout_ms"`
	PerHostRPS     float64 `mapstructure:"per_host_rps"`
	PerHostBurst   int     `mapstructure:"per_host_burst"`
}

// WebhookConfig configures completion callbacks.
type WebhookConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// LedgerConfig selects and configures the job ledger.
type LedgerConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// QueueConfig selects and configures the work queue.
type QueueConfig struct {
	Backend          string      `mapstructure:"backend"`
	Capacity         int         `mapstructure:"capacity"`
	RetentionSeconds int         `mapstructure:"retention_seconds"`
	Redis            RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis connection details.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// StorageConfig selects where fetched bodies are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty project keeps events
// in process.
type PubSubConfig struct {
	ProjectID     string `mapstructure:"project_id"`
	TopicName     string `mapstructure:"topic_name"`
	ProgressTopic string `mapstructure:"progress_topic"`
}

// BillingConfig configures the credit ledger.
type BillingConfig struct {
	Enabled        bool             `mapstructure:"enabled"`
	DefaultCredits int64            `mapstructure:"default_credits"`
	Prices         map[string]int64 `mapstructure:"prices"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig names the service in traces.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FETCHGUARD")
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
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("jobs.default_timeout_ms", 60000)
	v.SetDefault("jobs.max_timeout_ms", 600000)
	v.SetDefault("jobs.max_targets", 100)
	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.item_concurrency", 4)
	v.SetDefault("jobs.item_max_attempts", 2)
	v.SetDefault("jobs.max_failed_items", 0)
	v.SetDefault("jobs.history_limit_max", 100)
	v.SetDefault("fetch.max_redirects", 3)
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.max_body_bytes", 5<<20)
	v.SetDefault("fetch.user_agent", "fetchguard/0.1")
	v.SetDefault("fetch.dns_timeout_ms", 2000)
	v.SetDefault("fetch.per_host_rps", 2.0)
	v.SetDefault("fetch.per_host_burst", 2)
	v.SetDefault("webhook.timeout_seconds", 10)
	v.SetDefault("webhook.max_attempts", 5)
	v.SetDefault("webhook.backoff_initial_ms", 500)
	v.SetDefault("webhook.backoff_max_ms", 30000)
	v.SetDefault("ledger.backend", BackendMemory)
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("ledger.max_conns", 10)
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("queue.retention_seconds", 86400)
	v.SetDefault("queue.redis.addr", "")
	v.SetDefault("queue.redis.password", "")
	v.SetDefault("queue.redis.db", 0)
	v.SetDefault("queue.redis.prefix", "fetchguard")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.local_dir", "data/pages")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "job-events")
	v.SetDefault("pubsub.progress_topic", "job-progress")
	v.SetDefault("billing.enabled", false)
	v.SetDefault("billing.default_credits", 1000)
	v.SetDefault("billing.prices", map[string]int64{"crawl": 5, "batch_scrape": 1})
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.service_name", "fetchguard")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be > 0")
	}
	if c.Jobs.MaxTargets <= 0 {
		return fmt.Errorf("jobs.max_targets must be > 0")
	}
	if c.Jobs.MaxFailedItems < 0 {
		return fmt.Errorf("jobs.max_failed_items must be >= 0")
	}
	if c.Jobs.DefaultTimeoutMs <= 0 || c.Jobs.MaxTimeoutMs < c.Jobs.DefaultTimeoutMs {
		return fmt.Errorf("jobs.max_timeout_ms must be >= jobs.default_timeout_ms > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxRedirects < 0 {
		return fmt.Errorf("fetch.max_redirects must be >= 0")
	}
	if c.Webhook.MaxAttempts <= 0 {
		return fmt.Errorf("webhook.max_attempts must be > 0")
	}
	switch c.Ledger.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown ledger.backend %q", c.Ledger.Backend)
	}
	if c.Queue.RetentionSeconds <= 0 {
		return fmt.Errorf("queue.retention_seconds must be > 0")
	}
	switch c.Queue.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Queue.Redis.Addr == "" {
			return fmt.Errorf("queue.redis.addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("unknown queue.backend %q", c.Queue.Backend)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

// DefaultJobTimeout is the synchronous wait used when a request names none.
func (c Config) DefaultJobTimeout() time.Duration {
	return time.Duration(c.Jobs.DefaultTimeoutMs) * time.Millisecond
}

// MaxJobTimeout caps caller supplied waits.
func (c Config) MaxJobTimeout() time.Duration {
	return time.Duration(c.Jobs.MaxTimeoutMs) * time.Millisecond
}

// RequestTimeout bounds non-submission API handlers.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// QueueRetention is how long finished tasks stay queryable in the queue.
func (c Config) QueueRetention() time.Duration {
	return time.Duration(c.Queue.RetentionSeconds) * time.Second
}
