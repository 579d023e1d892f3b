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
	Pool      PoolConfig      `mapstructure:"pool"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Retailer  RetailerConfig  `mapstructure:"retailer"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	DB        DBConfig        `mapstructure:"db"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// PoolConfig governs the browser/page resource pool.
type PoolConfig struct {
	MaxBrowsers        int           `mapstructure:"max_browsers"`
	MaxPagesPerBrowser int           `mapstructure:"max_pages_per_browser"`
	AcquireTimeout     time.Duration `mapstructure:"acquire_timeout"`
	PageTimeout        time.Duration `mapstructure:"page_timeout"`
	BrowserIdleTTL     time.Duration `mapstructure:"browser_idle_ttl"`
	MemoryCeilingMB    int           `mapstructure:"memory_ceiling_mb"`
	CheckInterval      time.Duration `mapstructure:"check_interval"`
	UserAgent          string        `mapstructure:"user_agent"`
}

// ScrapeConfig controls the shared scrape runner.
type ScrapeConfig struct {
	CacheEnabled    bool          `mapstructure:"cache_enabled"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	CacheMaxEntries int           `mapstructure:"cache_max_entries"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RateQPS         float64       `mapstructure:"rate_qps"`
}

// BatchConfig controls batch partitioning and pacing.
type BatchConfig struct {
	Size                int           `mapstructure:"size"`
	Concurrency         int           `mapstructure:"concurrency"`
	DelayBetweenBatches time.Duration `mapstructure:"delay_between_batches"`
	DelayBetweenItems   time.Duration `mapstructure:"delay_between_items"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
}

// RetailerConfig holds per-retailer settings, notably login credentials.
type RetailerConfig struct {
	Metro MetroConfig `mapstructure:"metro"`
}

// MetroConfig holds credentials for the authenticated metro scraper.
type MetroConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// SnapshotConfig selects where failed-scrape page snapshots are written.
type SnapshotConfig struct {
	Provider string `mapstructure:"provider"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// PublisherConfig enables result publishing to Pub/Sub.
type PublisherConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// DBConfig controls the optional price-history database.
type DBConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEHOUND")
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
	v.SetDefault("pool.max_browsers", 3)
	v.SetDefault("pool.max_pages_per_browser", 5)
	v.SetDefault("pool.acquire_timeout", "30s")
	v.SetDefault("pool.page_timeout", "45s")
	v.SetDefault("pool.browser_idle_ttl", "5m")
	v.SetDefault("pool.memory_ceiling_mb", 1024)
	v.SetDefault("pool.check_interval", "60s")
	v.SetDefault("scrape.cache_enabled", true)
	v.SetDefault("scrape.cache_ttl", "30m")
	v.SetDefault("scrape.cache_max_entries", 512)
	v.SetDefault("scrape.max_retries", 3)
	v.SetDefault("scrape.retry_delay", "2s")
	v.SetDefault("scrape.timeout", "45s")
	v.SetDefault("scrape.rate_qps", 0.5)
	v.SetDefault("batch.size", 10)
	v.SetDefault("batch.concurrency", 3)
	v.SetDefault("batch.delay_between_batches", "5s")
	v.SetDefault("batch.delay_between_items", "1s")
	v.SetDefault("batch.max_retries", 2)
	v.SetDefault("batch.retry_delay", "3s")
	v.SetDefault("snapshot.provider", "noop")
	v.SetDefault("snapshot.prefix", "snapshots")
	v.SetDefault("db.table", "price_history")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pool.MaxBrowsers <= 0 {
		return fmt.Errorf("pool.max_browsers must be > 0")
	}
	if c.Pool.MaxPagesPerBrowser <= 0 {
		return fmt.Errorf("pool.max_pages_per_browser must be > 0")
	}
	if c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("pool.acquire_timeout must be > 0")
	}
	if c.Scrape.MaxRetries <= 0 {
		return fmt.Errorf("scrape.max_retries must be > 0")
	}
	if c.Batch.Size <= 0 {
		return fmt.Errorf("batch.size must be > 0")
	}
	if c.Batch.Concurrency <= 0 {
		return fmt.Errorf("batch.concurrency must be > 0")
	}
	if c.Publisher.Enabled && (c.Publisher.ProjectID == "" || c.Publisher.Topic == "") {
		return fmt.Errorf("publisher.project_id and publisher.topic must be set when publisher is enabled")
	}
	switch c.Snapshot.Provider {
	case "", "noop", "local", "gcs":
	default:
		return fmt.Errorf("unknown snapshot provider: %s", c.Snapshot.Provider)
	}
	if c.Snapshot.Provider == "local" && c.Snapshot.BaseDir == "" {
		return fmt.Errorf("snapshot.base_dir must be set for the local provider")
	}
	if c.Snapshot.Provider == "gcs" && c.Snapshot.Bucket == "" {
		return fmt.Errorf("snapshot.bucket must be set for the gcs provider")
	}
	return nil
}
