// Package config loads and validates harvester configuration via Viper.
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
	Sites     SitesConfig     `mapstructure:"sites"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Render    RenderConfig    `mapstructure:"render"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	PDF       PDFConfig       `mapstructure:"pdf"`
	Geo       GeoConfig       `mapstructure:"geo"`
	Language  LanguageConfig  `mapstructure:"language"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	DB        DBConfig        `mapstructure:"db"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Publish   PublishConfig   `mapstructure:"publish"`
	Embed     EmbedConfig     `mapstructure:"embed"`
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

// SitesConfig holds per-portal listing URLs.
type SitesConfig struct {
	AILAListingURL string `mapstructure:"aila_listing_url"`
	DRAListingURL  string `mapstructure:"dra_listing_url"`
}

// DiscoveryConfig bounds listing-page enumeration.
type DiscoveryConfig struct {
	MaxPages         int `mapstructure:"max_pages"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// RenderConfig configures the headless rendering subsystem.
type RenderConfig struct {
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	UserAgent     string `mapstructure:"user_agent"`
}

// HTTPConfig configures the plain HTTP fetch path.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// PDFConfig gates PDF extraction quality.
type PDFConfig struct {
	MinTextLength       int     `mapstructure:"min_text_length"`
	MaxUnprintableRatio float64 `mapstructure:"max_unprintable_ratio"`
}

// GeoConfig bounds external geocoding calls.
type GeoConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	QPS            float64 `mapstructure:"qps"`
}

// LanguageConfig tunes detection thresholds.
type LanguageConfig struct {
	MinTokens   int `mapstructure:"min_tokens"`
	SampleBytes int `mapstructure:"sample_bytes"`
}

// PipelineConfig governs per-run parallelism.
type PipelineConfig struct {
	ExtractWorkers int `mapstructure:"extract_workers"`
	StoreWorkers   int `mapstructure:"store_workers"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN              string `mapstructure:"dsn"`
	MaxConns         int32  `mapstructure:"max_conns"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
}

// ScheduleConfig controls the periodic trigger.
type ScheduleConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	RunOnStart bool          `mapstructure:"run_on_start"`
}

// ArchiveConfig selects the raw-document blob archive provider.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"` // "gcs" or "noop"
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// PublishConfig selects the stored-record event provider.
type PublishConfig struct {
	Provider  string `mapstructure:"provider"` // "pubsub", "memory", or "noop"
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// EmbedConfig configures the downstream embedding-service notification.
// All of base_url, api_token, write_token, and database must be set for the
// client to be enabled.
type EmbedConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIToken       string `mapstructure:"api_token"`
	WriteToken     string `mapstructure:"write_token"`
	Database       string `mapstructure:"database"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("sites.aila_listing_url", "https://www.undp.org/digital/aila")
	v.SetDefault("sites.dra_listing_url", "https://www.undp.org/digital/dra")
	v.SetDefault("discovery.max_pages", 20)
	v.SetDefault("discovery.max_retries", 3)
	v.SetDefault("discovery.backoff_initial_ms", 500)
	v.SetDefault("discovery.backoff_max_ms", 5000)
	v.SetDefault("render.nav_timeout_seconds", 25)
	v.SetDefault("render.user_agent", "reports-harvester/1.0")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("pdf.min_text_length", 200)
	v.SetDefault("pdf.max_unprintable_ratio", 0.2)
	v.SetDefault("geo.timeout_seconds", 10)
	v.SetDefault("geo.qps", 1)
	v.SetDefault("language.min_tokens", 8)
	v.SetDefault("language.sample_bytes", 1000)
	v.SetDefault("pipeline.extract_workers", 4)
	v.SetDefault("pipeline.store_workers", 4)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.max_retries", 3)
	v.SetDefault("db.backoff_initial_ms", 250)
	v.SetDefault("db.backoff_max_ms", 3000)
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.interval", 7*24*time.Hour)
	v.SetDefault("schedule.run_on_start", false)
	v.SetDefault("archive.provider", "noop")
	v.SetDefault("archive.prefix", "reports")
	v.SetDefault("publish.provider", "noop")
	v.SetDefault("embed.timeout_seconds", 30)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Sites.AILAListingURL == "" || c.Sites.DRAListingURL == "" {
		return fmt.Errorf("sites.aila_listing_url and sites.dra_listing_url must be set")
	}
	if c.Discovery.MaxPages <= 0 {
		return fmt.Errorf("discovery.max_pages must be > 0")
	}
	if c.Render.NavTimeoutSec <= 0 {
		return fmt.Errorf("render.nav_timeout_seconds must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.PDF.MaxUnprintableRatio < 0 || c.PDF.MaxUnprintableRatio > 1 {
		return fmt.Errorf("pdf.max_unprintable_ratio must be within [0, 1]")
	}
	if c.Pipeline.ExtractWorkers <= 0 || c.Pipeline.StoreWorkers <= 0 {
		return fmt.Errorf("pipeline worker counts must be > 0")
	}
	if c.Schedule.Enabled && c.Schedule.Interval <= 0 {
		return fmt.Errorf("schedule.interval must be > 0 when schedule is enabled")
	}
	if c.Archive.Provider == "gcs" && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket must be set when archive.provider is gcs")
	}
	if c.Publish.Provider == "pubsub" && (c.Publish.ProjectID == "" || c.Publish.TopicID == "") {
		return fmt.Errorf("publish.project_id and publish.topic_id must be set when publish.provider is pubsub")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// RenderTimeout converts the navigation timeout into a duration.
func (c Config) RenderTimeout() time.Duration {
	return time.Duration(c.Render.NavTimeoutSec) * time.Second
}

// HTTPTimeout converts the plain-fetch timeout into a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// GeoTimeout converts the geocoding timeout into a duration.
func (c Config) GeoTimeout() time.Duration {
	return time.Duration(c.Geo.TimeoutSeconds) * time.Second
}
