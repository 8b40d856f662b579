// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/listing-crawler/internal/export"
	"github.com/JakeFAU/listing-crawler/internal/extract"
)

// Renderer modes.
const (
	RendererHeadless = "headless"
	RendererStatic   = "static"
	RendererAuto     = "auto"
)

// Storage backends.
const (
	StorageLocal  = "local"
	StorageMemory = "memory"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Renderer  RendererConfig  `mapstructure:"renderer"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig holds crawl defaults and limits.
type CrawlerConfig struct {
	SettleSeconds      float64 `mapstructure:"settle_seconds"`
	Concurrency        int     `mapstructure:"concurrency"`
	MaxConcurrency     int     `mapstructure:"max_concurrency"`
	Discover           bool    `mapstructure:"discover"`
	KeepaliveSeconds   int     `mapstructure:"keepalive_seconds"`
	RenderGraceSeconds int     `mapstructure:"render_grace_seconds"`
	MaxPages           int     `mapstructure:"max_pages"`
	MaxPagesLimit      int     `mapstructure:"max_pages_limit"`
	UserAgent          string  `mapstructure:"user_agent"`
}

// RendererConfig selects and tunes the page renderer.
type RendererConfig struct {
	Mode               string  `mapstructure:"mode"`
	MaxParallel        int     `mapstructure:"max_parallel"`
	NavTimeoutSeconds  int     `mapstructure:"nav_timeout_seconds"`
	DomainQPS          float64 `mapstructure:"domain_qps"`
	DomainBurst        int     `mapstructure:"domain_burst"`
	RespectRobots      bool    `mapstructure:"respect_robots"`
	PromotionThreshold int     `mapstructure:"promotion_threshold"`
}

// ExtractorConfig names the default record extractor.
type ExtractorConfig struct {
	Name string `mapstructure:"name"`
}

// CacheConfig enables the Redis render cache when RedisAddr is set.
type CacheConfig struct {
	RedisAddr  string `mapstructure:"redis_addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// StorageConfig sets where exported results are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	Format    string `mapstructure:"format"`
}

// DBConfig controls access to the relational database. An empty DSN keeps
// jobs in memory.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	JobsTable    string `mapstructure:"jobs_table"`
	ResultsTable string `mapstructure:"results_table"`
	MaxConns     int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls OpenTelemetry span sampling.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.settle_seconds", 5)
	v.SetDefault("crawler.concurrency", 1)
	v.SetDefault("crawler.max_concurrency", 16)
	v.SetDefault("crawler.discover", false)
	v.SetDefault("crawler.keepalive_seconds", 30)
	v.SetDefault("crawler.render_grace_seconds", 60)
	v.SetDefault("crawler.max_pages", 0)
	v.SetDefault("crawler.max_pages_limit", 1000)
	v.SetDefault("crawler.user_agent", "listing-crawler/0.1")
	v.SetDefault("renderer.mode", RendererHeadless)
	v.SetDefault("renderer.max_parallel", 4)
	v.SetDefault("renderer.nav_timeout_seconds", 45)
	v.SetDefault("renderer.domain_qps", 0)
	v.SetDefault("renderer.domain_burst", 1)
	v.SetDefault("renderer.respect_robots", false)
	v.SetDefault("renderer.promotion_threshold", 2048)
	v.SetDefault("extractor.name", "lots")
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl_seconds", 0)
	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "results")
	v.SetDefault("storage.format", string(export.FormatJSON))
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.jobs_table", "crawl_jobs")
	v.SetDefault("db.results_table", "crawl_results")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.SettleSeconds < 0 {
		return fmt.Errorf("crawler.settle_seconds must be >= 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.MaxConcurrency < c.Crawler.Concurrency {
		return fmt.Errorf("crawler.max_concurrency must be >= crawler.concurrency")
	}
	if c.Crawler.KeepaliveSeconds <= 0 {
		return fmt.Errorf("crawler.keepalive_seconds must be > 0")
	}
	if c.Crawler.RenderGraceSeconds <= 0 {
		return fmt.Errorf("crawler.render_grace_seconds must be > 0")
	}
	if c.Crawler.MaxPages < 0 {
		return fmt.Errorf("crawler.max_pages must be >= 0")
	}
	if c.Crawler.MaxPagesLimit <= 0 {
		return fmt.Errorf("crawler.max_pages_limit must be > 0")
	}
	if c.Crawler.MaxPages > c.Crawler.MaxPagesLimit {
		return fmt.Errorf("crawler.max_pages must be <= crawler.max_pages_limit")
	}
	switch c.Renderer.Mode {
	case RendererHeadless, RendererStatic, RendererAuto:
	default:
		return fmt.Errorf("renderer.mode must be one of headless|static|auto, got %q", c.Renderer.Mode)
	}
	if c.Renderer.Mode != RendererStatic && c.Renderer.MaxParallel <= 0 {
		return fmt.Errorf("renderer.max_parallel must be > 0 when the headless renderer is used")
	}
	// The render budget starts once a tab is held, so it must cover a full navigation.
	if c.Renderer.Mode != RendererStatic && c.Crawler.RenderGraceSeconds < c.Renderer.NavTimeoutSeconds {
		return fmt.Errorf("crawler.render_grace_seconds must be >= renderer.nav_timeout_seconds")
	}
	if c.Renderer.DomainQPS < 0 {
		return fmt.Errorf("renderer.domain_qps must be >= 0")
	}
	if _, err := extract.New(c.Extractor.Name); err != nil {
		return fmt.Errorf("extractor.name: %w", err)
	}
	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("cache.ttl_seconds must be >= 0")
	}
	switch c.Storage.Backend {
	case StorageLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("storage.backend must be one of local|memory|gcs, got %q", c.Storage.Backend)
	}
	if _, err := export.ParseFormat(c.Storage.Format); err != nil {
		return fmt.Errorf("storage.format: %w", err)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

// Settle returns the default per-page settle time.
func (c CrawlerConfig) Settle() time.Duration {
	return time.Duration(c.SettleSeconds * float64(time.Second))
}

// Keepalive returns the progress stream keepalive interval.
func (c CrawlerConfig) Keepalive() time.Duration {
	return time.Duration(c.KeepaliveSeconds) * time.Second
}

// RenderGrace returns the render deadline added on top of the settle time.
func (c CrawlerConfig) RenderGrace() time.Duration {
	return time.Duration(c.RenderGraceSeconds) * time.Second
}

// NavTimeout returns the headless navigation timeout.
func (c RendererConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}

// TTL returns the render cache entry lifetime; zero disables caching.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// RequestTimeout returns the per-request timeout for non-streaming routes.
func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}
