// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Snapshot blob backends.
const (
	BlobNone   = "none"
	BlobMemory = "memory"
	BlobLocal  = "local"
	BlobGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig   `mapstructure:"server"`
	Auth        AuthConfig     `mapstructure:"auth"`
	Crawler     CrawlerConfig  `mapstructure:"crawler"`
	HTTP        HTTPConfig     `mapstructure:"http"`
	Headless    HeadlessConfig `mapstructure:"headless"`
	Storage     StorageConfig  `mapstructure:"storage"`
	DB          DBConfig       `mapstructure:"db"`
	LLM         LLMConfig      `mapstructure:"llm"`
	Budget      BudgetConfig   `mapstructure:"budget"`
	Cache       CacheConfig    `mapstructure:"cache"`
	Debug       DebugConfig    `mapstructure:"debug"`
	PubSub      PubSubConfig   `mapstructure:"pubsub"`
	Logging     LoggingConfig  `mapstructure:"logging"`
	Tracing     TracingConfig  `mapstructure:"tracing"`
	SourcesFile string         `mapstructure:"sources_file"`
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

// CrawlerConfig governs session execution and politeness.
type CrawlerConfig struct {
	Concurrency          int    `mapstructure:"concurrency"`
	ValidationWorkers    int    `mapstructure:"validation_workers"`
	UserAgent            string `mapstructure:"user_agent"`
	RespectRobots        bool   `mapstructure:"respect_robots"`
	PathFallback         bool   `mapstructure:"path_fallback"`
	MaxPagesDefault      int    `mapstructure:"max_pages_default"`
	JoomlaPageStep       int    `mapstructure:"joomla_page_step"`
	PageDelayMs          int    `mapstructure:"page_delay_ms"`
	SourceDelayMs        int    `mapstructure:"source_delay_ms"`
	PerHostMax           int    `mapstructure:"per_host_max"`
	SessionBudgetSeconds int    `mapstructure:"session_budget_seconds"`
	RunIntervalHours     int    `mapstructure:"run_interval_hours"`
}

// HTTPConfig configures fetch timeouts and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxRetries     int `mapstructure:"max_retries"`
	BackoffSeconds int `mapstructure:"backoff_seconds"`
	MaxBodyBytes   int `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	MaxParallel    int  `mapstructure:"max_parallel"`
	NavTimeoutSec  int  `mapstructure:"nav_timeout_seconds"`
	MinVisibleText int  `mapstructure:"min_visible_text"`
}

// StorageConfig selects the record store and the snapshot blob store.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	Blob        string `mapstructure:"blob"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	GCSPrefix   string `mapstructure:"gcs_prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Schema   string `mapstructure:"schema"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// LLMConfig configures the OpenRouter pass.
type LLMConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	APIKey         string  `mapstructure:"api_key"`
	BaseURL        string  `mapstructure:"base_url"`
	Model          string  `mapstructure:"model"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	Temperature    float64 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
}

// BudgetConfig tunes credit classification.
type BudgetConfig struct {
	LimitedBelow    float64 `mapstructure:"limited_below"`
	CostPerCall     float64 `mapstructure:"cost_per_call"`
	FreeBatchMax    int     `mapstructure:"free_batch_max"`
	CheckTTLSeconds int     `mapstructure:"check_ttl_seconds"`
}

// CacheConfig points the categorization cache at Redis. An empty address
// keeps the cache in process.
type CacheConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	TTLHours      int    `mapstructure:"ttl_hours"`
}

// DebugConfig toggles diagnostics.
type DebugConfig struct {
	SnapshotPages bool `mapstructure:"snapshot_pages"`
}

// PubSubConfig holds metadata for session notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EDITAL")
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
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.concurrency", 1)
	v.SetDefault("crawler.validation_workers", 4)
	v.SetDefault("crawler.user_agent", "")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.path_fallback", true)
	v.SetDefault("crawler.max_pages_default", 5)
	v.SetDefault("crawler.joomla_page_step", 10)
	v.SetDefault("crawler.page_delay_ms", 1000)
	v.SetDefault("crawler.source_delay_ms", 2000)
	v.SetDefault("crawler.per_host_max", 1)
	v.SetDefault("crawler.session_budget_seconds", 300)
	v.SetDefault("crawler.run_interval_hours", 24)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_seconds", 5)
	v.SetDefault("http.max_body_bytes", 10*1024*1024)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.min_visible_text", 0)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.sqlite_path", "edital.db")
	v.SetDefault("storage.blob", BlobNone)
	v.SetDefault("storage.local_dir", "data/snapshots")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.gcs_prefix", "snapshots")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.schema", "edital")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.migrate", true)
	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.model", "meta-llama/llama-3.1-8b-instruct:free")
	v.SetDefault("llm.timeout_seconds", 60)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 800)
	v.SetDefault("budget.limited_below", 1.0)
	v.SetDefault("budget.cost_per_call", 0.002)
	v.SetDefault("budget.free_batch_max", 10)
	v.SetDefault("budget.check_ttl_seconds", 60)
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.ttl_hours", 168)
	v.SetDefault("debug.snapshot_pages", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "edital-crawler")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("sources_file", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency < 1 || c.Crawler.Concurrency > 8 {
		return fmt.Errorf("crawler.concurrency must be between 1 and 8")
	}
	if c.Crawler.MaxPagesDefault <= 0 {
		return fmt.Errorf("crawler.max_pages_default must be > 0")
	}
	if c.Crawler.PerHostMax != 1 {
		return fmt.Errorf("crawler.per_host_max must be 1")
	}
	if c.Crawler.SessionBudgetSeconds <= 0 {
		return fmt.Errorf("crawler.session_budget_seconds must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path must be set for the sqlite backend")
		}
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, sqlite, postgres")
	}
	switch c.Storage.Blob {
	case BlobNone, BlobMemory:
	case BlobLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local blob store")
		}
	case BlobGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs blob store")
		}
	default:
		return fmt.Errorf("storage.blob must be one of none, memory, local, gcs")
	}
	if c.LLM.Enabled && c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key must be set when llm is enabled")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	return nil
}

// FetchTimeout is the per-request fetch timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// SessionBudget is the soft wall-clock budget of one session.
func (c Config) SessionBudget() time.Duration {
	return time.Duration(c.Crawler.SessionBudgetSeconds) * time.Second
}
