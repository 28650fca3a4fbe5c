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
	Auth      AuthConfig      `mapstructure:"auth"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Store     StoreConfig     `mapstructure:"store"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PoolConfig governs the browser session pool.
type PoolConfig struct {
	Capacity              int  `mapstructure:"capacity"`
	AcquireTimeoutSeconds int  `mapstructure:"acquire_timeout_seconds"`
	StartTimeoutSeconds   int  `mapstructure:"start_timeout_seconds"`
	HealthTimeoutSeconds  int  `mapstructure:"health_timeout_seconds"`
	Prewarm               bool `mapstructure:"prewarm"`
}

// ExecutorConfig controls task runner fan-out and timeouts.
type ExecutorConfig struct {
	Concurrency           int `mapstructure:"concurrency"`
	QueueDepth            int `mapstructure:"queue_depth"`
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds"`
	MaxTimeoutSeconds     int `mapstructure:"max_timeout_seconds"`
}

// BrowserConfig configures the headless browser processes.
type BrowserConfig struct {
	ExecPath          string `mapstructure:"exec_path"`
	UserAgent         string `mapstructure:"user_agent"`
	WindowWidth       int    `mapstructure:"window_width"`
	WindowHeight      int    `mapstructure:"window_height"`
	BlockImages       bool   `mapstructure:"block_images"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
}

// ProbeConfig configures the plain-HTTP probe fast path.
type ProbeConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	TimeoutSeconds  int     `mapstructure:"timeout_seconds"`
	PromotionThresh int     `mapstructure:"promotion_threshold"`
	DefaultRPS      float64 `mapstructure:"default_rps"`
	DefaultBurst    int     `mapstructure:"default_burst"`
}

// SiteConfig overrides or extends the built-in scrape selector registry.
type SiteConfig struct {
	SearchURL     string `mapstructure:"search_url"`
	ListSelector  string `mapstructure:"list_selector"`
	PriceSelector string `mapstructure:"price_selector"`
}

// ScrapeConfig governs price-scrape tasks.
type ScrapeConfig struct {
	MaxProducts    int                   `mapstructure:"max_products"`
	DefaultTargets []string              `mapstructure:"default_targets"`
	Sites          map[string]SiteConfig `mapstructure:"sites"`
}

// ArtifactsConfig selects and parameterizes the artifact store backends.
type ArtifactsConfig struct {
	Backend     string `mapstructure:"backend"`
	InboundDir  string `mapstructure:"inbound_dir"`
	OutboundDir string `mapstructure:"outbound_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BROWSERD")
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
	v.SetDefault("pool.capacity", 2)
	v.SetDefault("pool.acquire_timeout_seconds", 30)
	v.SetDefault("pool.start_timeout_seconds", 20)
	v.SetDefault("pool.health_timeout_seconds", 3)
	v.SetDefault("pool.prewarm", true)
	v.SetDefault("executor.concurrency", 4)
	v.SetDefault("executor.queue_depth", 64)
	v.SetDefault("executor.default_timeout_seconds", 60)
	v.SetDefault("executor.max_timeout_seconds", 300)
	v.SetDefault("browser.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36")
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("browser.block_images", true)
	v.SetDefault("browser.nav_timeout_seconds", 15)
	v.SetDefault("probe.enabled", true)
	v.SetDefault("probe.timeout_seconds", 10)
	v.SetDefault("probe.promotion_threshold", 60)
	v.SetDefault("probe.default_rps", 1.0)
	v.SetDefault("probe.default_burst", 2)
	v.SetDefault("scrape.max_products", 5)
	v.SetDefault("scrape.default_targets", []string{"220volt.kz", "elcentre.kz"})
	v.SetDefault("artifacts.backend", "local")
	v.SetDefault("artifacts.inbound_dir", "uploads")
	v.SetDefault("artifacts.outbound_dir", "outputs")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pool.Capacity <= 0 {
		return fmt.Errorf("pool.capacity must be > 0")
	}
	if c.Pool.AcquireTimeoutSeconds < 0 {
		return fmt.Errorf("pool.acquire_timeout_seconds must be >= 0")
	}
	if c.Pool.StartTimeoutSeconds <= 0 {
		return fmt.Errorf("pool.start_timeout_seconds must be > 0")
	}
	if c.Executor.Concurrency <= 0 {
		return fmt.Errorf("executor.concurrency must be > 0")
	}
	if c.Executor.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("executor.default_timeout_seconds must be > 0")
	}
	if c.Executor.MaxTimeoutSeconds < c.Executor.DefaultTimeoutSeconds {
		return fmt.Errorf("executor.max_timeout_seconds must be >= executor.default_timeout_seconds")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Artifacts.Backend {
	case "local", "memory":
	case "gcs":
		if c.Artifacts.GCSBucket == "" {
			return fmt.Errorf("artifacts.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown artifacts.backend: %s", c.Artifacts.Backend)
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store.backend: %s", c.Store.Backend)
	}
	return nil
}

// AcquireTimeout returns the pool acquire budget as a duration.
func (c Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Pool.AcquireTimeoutSeconds) * time.Second
}

// DefaultTaskTimeout returns the per-task execution budget as a duration.
func (c Config) DefaultTaskTimeout() time.Duration {
	return time.Duration(c.Executor.DefaultTimeoutSeconds) * time.Second
}

// MaxTaskTimeout caps client-supplied task timeouts.
func (c Config) MaxTaskTimeout() time.Duration {
	return time.Duration(c.Executor.MaxTimeoutSeconds) * time.Second
}
