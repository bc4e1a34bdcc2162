// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pagesift/pagesift/internal/crawl"
	"github.com/pagesift/pagesift/internal/readiness"
)

// Config captures every service knob loaded from file and environment.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Renderer RendererConfig `mapstructure:"renderer"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// CrawlConfig supplies the default job options; callers can override
// most of them per submitted job.
type CrawlConfig struct {
	Workers             int  `mapstructure:"workers"`
	PageLimit           int  `mapstructure:"page_limit"`
	Strict              bool `mapstructure:"strict"`
	SkipCache           bool `mapstructure:"skip_cache"`
	IsolatedContext     bool `mapstructure:"isolated_context"`
	FollowExternal      bool `mapstructure:"follow_external"`
	MaxExternalHops     int  `mapstructure:"max_external_hops"`
	DropQuery           bool `mapstructure:"drop_query"`
	FetchTimeoutSeconds int  `mapstructure:"fetch_timeout_seconds"`
	RequestDelayMs      int  `mapstructure:"request_delay_ms"`
	DiscoveryMaxSeeds   int  `mapstructure:"discovery_max_seeds"`
}

// RendererConfig configures the headless rendering subsystem and its
// content-readiness detector.
type RendererConfig struct {
	Enabled                bool   `mapstructure:"enabled"`
	UserAgent              string `mapstructure:"user_agent"`
	HostDelayMs            int    `mapstructure:"host_delay_ms"`
	NetworkIdleWaitMs      int    `mapstructure:"network_idle_wait_ms"`
	DomStableWaitMs        int    `mapstructure:"dom_stable_wait_ms"`
	ContentCheckIntervalMs int    `mapstructure:"content_check_interval_ms"`
	ContentPlateauWaitMs   int    `mapstructure:"content_plateau_wait_ms"`
	SignalCapSeconds       int    `mapstructure:"signal_cap_seconds"`
	MinContentLength       int    `mapstructure:"min_content_length"`
}

// StorageConfig selects the record store and blob cache backends.
type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend  string            `mapstructure:"backend"`
	DSN      string            `mapstructure:"dsn"`
	MaxConns int32             `mapstructure:"max_conns"`
	MinConns int32             `mapstructure:"min_conns"`
	Blob     BlobStorageConfig `mapstructure:"blob"`
}

// BlobStorageConfig selects where raw page HTML is cached.
type BlobStorageConfig struct {
	// Backend is "memory", "local", or "gcs".
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
}

// PubSubConfig holds Google Cloud Pub/Sub settings. Disabled keeps the
// in-memory publisher.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk and the PAGESIFT_* environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGESIFT")
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
	v.SetDefault("crawl.workers", crawl.DefaultWorkers)
	v.SetDefault("crawl.page_limit", 0)
	v.SetDefault("crawl.strict", true)
	v.SetDefault("crawl.skip_cache", false)
	v.SetDefault("crawl.isolated_context", false)
	v.SetDefault("crawl.follow_external", false)
	v.SetDefault("crawl.max_external_hops", crawl.DefaultMaxHops)
	v.SetDefault("crawl.drop_query", false)
	v.SetDefault("crawl.fetch_timeout_seconds", 30)
	v.SetDefault("crawl.request_delay_ms", 500)
	v.SetDefault("crawl.discovery_max_seeds", 500)
	v.SetDefault("renderer.enabled", true)
	v.SetDefault("renderer.user_agent", "pagesift/1.0")
	v.SetDefault("renderer.host_delay_ms", 500)
	v.SetDefault("renderer.network_idle_wait_ms", 500)
	v.SetDefault("renderer.dom_stable_wait_ms", 1000)
	v.SetDefault("renderer.content_check_interval_ms", 200)
	v.SetDefault("renderer.content_plateau_wait_ms", 1000)
	v.SetDefault("renderer.signal_cap_seconds", 10)
	v.SetDefault("renderer.min_content_length", 0)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.max_conns", 8)
	v.SetDefault("storage.min_conns", 0)
	v.SetDefault("storage.blob.backend", "memory")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and the documented bounds.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawl.Workers < 1 || c.Crawl.Workers > 10 {
		return fmt.Errorf("crawl.workers must be in 1..10")
	}
	if c.Crawl.MaxExternalHops < 1 || c.Crawl.MaxExternalHops > 5 {
		return fmt.Errorf("crawl.max_external_hops must be in 1..5")
	}
	if c.Crawl.PageLimit < 0 {
		return fmt.Errorf("crawl.page_limit must be >= 0")
	}
	if c.Crawl.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("crawl.fetch_timeout_seconds must be > 0")
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or postgres, got %q", c.Storage.Backend)
	}
	switch c.Storage.Blob.Backend {
	case "memory":
	case "local":
		if c.Storage.Blob.BaseDir == "" {
			return fmt.Errorf("storage.blob.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.Blob.Bucket == "" {
			return fmt.Errorf("storage.blob.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.blob.backend must be memory, local, or gcs, got %q", c.Storage.Blob.Backend)
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
	}
	return nil
}

// JobOptions converts the crawl section into the default job options.
func (c Config) JobOptions() crawl.Options {
	return crawl.Options{
		Workers:         c.Crawl.Workers,
		PageLimit:       c.Crawl.PageLimit,
		Strict:          c.Crawl.Strict,
		SkipCache:       c.Crawl.SkipCache,
		IsolatedContext: c.Crawl.IsolatedContext,
		FollowExternal:  c.Crawl.FollowExternal,
		MaxExternalHops: c.Crawl.MaxExternalHops,
		DropQuery:       c.Crawl.DropQuery,
		FetchTimeout:    time.Duration(c.Crawl.FetchTimeoutSeconds) * time.Second,
		RequestDelay:    time.Duration(c.Crawl.RequestDelayMs) * time.Millisecond,
	}
}

// Readiness converts the renderer section into detector timings.
func (c Config) Readiness() readiness.Config {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return readiness.Config{
		NetworkIdleWait:      ms(c.Renderer.NetworkIdleWaitMs),
		DomStableWait:        ms(c.Renderer.DomStableWaitMs),
		ContentCheckInterval: ms(c.Renderer.ContentCheckIntervalMs),
		ContentPlateauWait:   ms(c.Renderer.ContentPlateauWaitMs),
		SignalCap:            time.Duration(c.Renderer.SignalCapSeconds) * time.Second,
		MinContentLength:     c.Renderer.MinContentLength,
	}
}
