// Package config loads and validates service configuration via Viper.
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
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Queues    QueuesConfig    `mapstructure:"queues"`
	Rescrape  RescrapeConfig  `mapstructure:"rescrape"`
	Deletion  DeletionConfig  `mapstructure:"deletion"`
	Export    ExportConfig    `mapstructure:"export"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey guards the /v1 routes when non-empty; health, readiness, and
	// metrics stay open either way.
	APIKey         string `mapstructure:"api_key"`
	RequestTimeout int    `mapstructure:"request_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Provider     string `mapstructure:"provider"` // "postgres" or "memory"
	DSN          string `mapstructure:"dsn"`
	MaxConns     int32  `mapstructure:"max_conns"`
	MinConns     int32  `mapstructure:"min_conns"`
	HistoryLimit int    `mapstructure:"history_limit"`
}

// RedisConfig controls the cache/broker connection.
type RedisConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Addr             string `mapstructure:"addr"`
	Password         string `mapstructure:"password"`
	DB               int    `mapstructure:"db"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
}

// CrawlerConfig governs page fetching behavior.
type CrawlerConfig struct {
	UserAgent         string `mapstructure:"user_agent"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
	MaxPagesDefault   int    `mapstructure:"max_pages_default"`
	HeadlessEnabled   bool   `mapstructure:"headless_enabled"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	JobTimeoutMinutes int    `mapstructure:"job_timeout_minutes"`
}

// EmbeddingConfig governs the embedding provider and batching.
type EmbeddingConfig struct {
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	BatchSize    int    `mapstructure:"batch_size"`
	BatchPauseMs int    `mapstructure:"batch_pause_ms"`
	CacheTTLSec  int    `mapstructure:"cache_ttl_seconds"`
}

// QueueConfig is the per-queue worker surface: attempts, backoff,
// concurrency, and the provider rate limiter.
type QueueConfig struct {
	Attempts       int `mapstructure:"attempts"`
	BackoffDelayMs int `mapstructure:"backoff_delay_ms"`
	Concurrency    int `mapstructure:"concurrency"`
	LimiterMax     int `mapstructure:"limiter_max"`
	LimiterPeriodS int `mapstructure:"limiter_period_seconds"`
}

// QueuesConfig holds one QueueConfig per named queue.
type QueuesConfig struct {
	Scrape   QueueConfig `mapstructure:"scrape"`
	Deletion QueueConfig `mapstructure:"deletion"`
	Export   QueueConfig `mapstructure:"export"`
}

// RescrapeConfig controls the daily re-scrape sweep.
type RescrapeConfig struct {
	Cron string `mapstructure:"cron"`
}

// DeletionConfig controls the deletion sweep schedule.
type DeletionConfig struct {
	Cron            string `mapstructure:"cron"`
	GracePeriodDays int    `mapstructure:"grace_period_days"`
}

// ExportConfig controls export staging and rate limiting.
type ExportConfig struct {
	StagingDir       string `mapstructure:"staging_dir"`
	ExpiryDays       int    `mapstructure:"expiry_days"`
	RateLimitWindowH int    `mapstructure:"rate_limit_window_hours"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
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
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("db.provider", "memory")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("db.history_limit", 20)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.max_retries", 5)
	v.SetDefault("redis.backoff_initial_ms", 100)
	v.SetDefault("redis.backoff_max_ms", 2000)
	v.SetDefault("crawler.user_agent", "chatlas-ingest/0.1")
	v.SetDefault("crawler.timeout_seconds", 15)
	v.SetDefault("crawler.max_pages_default", 10)
	v.SetDefault("crawler.headless_enabled", false)
	v.SetDefault("crawler.nav_timeout_seconds", 25)
	v.SetDefault("crawler.job_timeout_minutes", 15)
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.batch_size", 10)
	v.SetDefault("embedding.batch_pause_ms", 500)
	v.SetDefault("embedding.cache_ttl_seconds", 300)
	v.SetDefault("queues.scrape.attempts", 3)
	v.SetDefault("queues.scrape.backoff_delay_ms", 5000)
	v.SetDefault("queues.scrape.concurrency", 2)
	v.SetDefault("queues.scrape.limiter_max", 5)
	v.SetDefault("queues.scrape.limiter_period_seconds", 60)
	v.SetDefault("queues.deletion.attempts", 3)
	v.SetDefault("queues.deletion.backoff_delay_ms", 5000)
	v.SetDefault("queues.deletion.concurrency", 1)
	v.SetDefault("queues.deletion.limiter_max", 0)
	v.SetDefault("queues.deletion.limiter_period_seconds", 60)
	v.SetDefault("queues.export.attempts", 3)
	v.SetDefault("queues.export.backoff_delay_ms", 5000)
	v.SetDefault("queues.export.concurrency", 1)
	v.SetDefault("queues.export.limiter_max", 0)
	v.SetDefault("queues.export.limiter_period_seconds", 60)
	v.SetDefault("rescrape.cron", "0 2 * * *")
	v.SetDefault("deletion.cron", "0 3 * * *")
	v.SetDefault("deletion.grace_period_days", 30)
	v.SetDefault("export.staging_dir", "/tmp/chatlas-exports")
	v.SetDefault("export.expiry_days", 7)
	v.SetDefault("export.rate_limit_window_hours", 24)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.DB.Provider != "postgres" && c.DB.Provider != "memory" {
		return fmt.Errorf("db.provider must be postgres or memory")
	}
	if c.DB.Provider == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required with the postgres provider")
	}
	for name, q := range map[string]QueueConfig{
		"scrape":   c.Queues.Scrape,
		"deletion": c.Queues.Deletion,
		"export":   c.Queues.Export,
	} {
		if q.Concurrency <= 0 {
			return fmt.Errorf("queues.%s.concurrency must be > 0", name)
		}
		if q.Attempts <= 0 {
			return fmt.Errorf("queues.%s.attempts must be > 0", name)
		}
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be > 0")
	}
	if c.Crawler.MaxPagesDefault <= 0 {
		return fmt.Errorf("crawler.max_pages_default must be > 0")
	}
	if c.Export.StagingDir == "" {
		return fmt.Errorf("export.staging_dir is required")
	}
	return nil
}

// JobTimeout converts the crawl job budget into a duration.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Crawler.JobTimeoutMinutes) * time.Minute
}

// Backoff returns the base retry delay for a queue config.
func (q QueueConfig) Backoff() time.Duration {
	return time.Duration(q.BackoffDelayMs) * time.Millisecond
}

// LimiterPeriod returns the limiter window for a queue config.
func (q QueueConfig) LimiterPeriod() time.Duration {
	return time.Duration(q.LimiterPeriodS) * time.Second
}
