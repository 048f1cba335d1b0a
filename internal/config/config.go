// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage providers.
const (
	ProviderMemory = "memory"
	ProviderLocal  = "local"
	ProviderGCS    = "gcs"
	ProviderS3     = "s3"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Rewriter RewriterConfig `mapstructure:"rewriter"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	DB       DBConfig       `mapstructure:"db"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// RequestTimeout is the wall-clock budget of one capture request.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// FetchConfig configures direct fetch retries.
type FetchConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseTimeout       time.Duration `mapstructure:"base_timeout"`
	TimeoutIncrement  time.Duration `mapstructure:"timeout_increment"`
	ForbiddenBackoff  time.Duration `mapstructure:"forbidden_backoff"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	StylesheetTimeout time.Duration `mapstructure:"stylesheet_timeout"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
}

// BrowserConfig configures the headless browser fallback.
type BrowserConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ExecPath          string        `mapstructure:"exec_path"`
	Headless          bool          `mapstructure:"headless"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
	UserAgent         string        `mapstructure:"user_agent"`
	ViewportWidth     int           `mapstructure:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height"`
	ReadyStateTimeout time.Duration `mapstructure:"ready_state_timeout"`
	PostReadyDelay    time.Duration `mapstructure:"post_ready_delay"`
	MinContentBytes   int           `mapstructure:"min_content_bytes"`
}

// RewriterConfig configures asset rehosting.
type RewriterConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	// PerHostRPS paces downloads from a single host. Zero disables pacing.
	PerHostRPS float64 `mapstructure:"per_host_rps"`
	Burst      int     `mapstructure:"burst"`
}

// StorageConfig selects and configures the blob store.
type StorageConfig struct {
	Provider      string             `mapstructure:"provider"`
	Bucket        string             `mapstructure:"bucket"`
	Prefix        string             `mapstructure:"prefix"`
	PublicBaseURL string             `mapstructure:"public_base_url"`
	Local         LocalStorageConfig `mapstructure:"local"`
	S3            S3StorageConfig    `mapstructure:"s3"`
}

// LocalStorageConfig configures the filesystem blob store.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// S3StorageConfig configures an S3-compatible blob store.
type S3StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Region    string `mapstructure:"region"`
}

// PubSubConfig holds metadata for capture notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// DBConfig controls the capture ledger database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxConns     int32  `mapstructure:"max_conns"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// TracingConfig controls OpenTelemetry span collection.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CAPTURE")
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
	v.SetDefault("server.request_timeout", "5m")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.base_timeout", "20s")
	v.SetDefault("fetch.timeout_increment", "5s")
	v.SetDefault("fetch.forbidden_backoff", "2s")
	v.SetDefault("fetch.retry_backoff", "1s")
	v.SetDefault("fetch.stylesheet_timeout", "10s")
	v.SetDefault("fetch.max_body_bytes", 32<<20)
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", true)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("browser.ready_state_timeout", "10s")
	v.SetDefault("browser.post_ready_delay", "3s")
	v.SetDefault("browser.min_content_bytes", 1000)
	v.SetDefault("rewriter.concurrency", 1)
	v.SetDefault("rewriter.per_host_rps", 0)
	v.SetDefault("rewriter.burst", 4)
	v.SetDefault("storage.provider", ProviderMemory)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "captures")
	v.SetDefault("storage.public_base_url", "")
	v.SetDefault("storage.local.base_dir", "./data")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.use_ssl", true)
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "captures")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.ensure_schema", false)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "site-capture")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Fetch.BaseTimeout <= 0 {
		return fmt.Errorf("fetch.base_timeout must be > 0")
	}
	if c.Rewriter.Concurrency <= 0 {
		return fmt.Errorf("rewriter.concurrency must be > 0")
	}
	if c.Rewriter.PerHostRPS < 0 {
		return fmt.Errorf("rewriter.per_host_rps must be >= 0")
	}
	if c.Browser.Enabled && (c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0) {
		return fmt.Errorf("browser viewport must be positive when the browser is enabled")
	}
	switch c.Storage.Provider {
	case ProviderMemory, ProviderGCS:
	case ProviderLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local provider")
		}
	case ProviderS3:
		if c.Storage.S3.Endpoint == "" {
			return fmt.Errorf("storage.s3.endpoint is required for the s3 provider")
		}
	default:
		return fmt.Errorf("unknown storage.provider %q", c.Storage.Provider)
	}
	if base := c.Storage.PublicBaseURL; strings.Contains(base, "://") {
		if _, err := url.Parse(base); err != nil {
			return fmt.Errorf("storage.public_base_url: %w", err)
		}
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}
