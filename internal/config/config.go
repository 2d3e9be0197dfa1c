// Package config defines the top-level configuration for rangewatch and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by RANGEWATCH_* environment variables.
type Config struct {
	Storage  StorageConfig  `toml:"storage"`
	Postgres PostgresConfig `toml:"postgres"`
	SQLite   SQLiteConfig   `toml:"sqlite"`
	Redis    RedisConfig    `toml:"redis"`
	DLMM     DLMMConfig     `toml:"dlmm"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Export   ExportConfig   `toml:"export"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `toml:"driver"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// SQLiteConfig holds the database file location.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// StreamMaxLen caps the scheduler event stream.
	StreamMaxLen int64 `toml:"stream_max_len"`
}

// DLMMConfig holds the pool query API endpoint and its request budget.
type DLMMConfig struct {
	BaseURL    string   `toml:"base_url"`
	Timeout    duration `toml:"timeout"`
	RetryCount int      `toml:"retry_count"`
	RetryWait  duration `toml:"retry_wait"`
	// RateLimit is the number of requests allowed per RateWindow across all
	// processes sharing the Redis instance. Zero disables limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// MonitorConfig holds the reconciliation task parameters.
type MonitorConfig struct {
	Interval       duration `toml:"interval"`
	MaxRetries     int      `toml:"max_retries"`
	RetryDelay     duration `toml:"retry_delay"`
	Timeout        duration `toml:"timeout"`
	RangeStep      int      `toml:"range_step"`
	Concurrency    int      `toml:"concurrency"`
	DriftThreshold float64  `toml:"drift_threshold"`
	PollInterval   duration `toml:"poll_interval"`
	ShutdownGrace  duration `toml:"shutdown_grace"`
}

// ExportConfig holds the history exporter task parameters.
type ExportConfig struct {
	Enabled    bool     `toml:"enabled"`
	Interval   duration `toml:"interval"`
	Timeout    duration `toml:"timeout"`
	MaxRetries int      `toml:"max_retries"`
	RetryDelay duration `toml:"retry_delay"`
	LockTTL    duration `toml:"lock_ttl"`
	Prefix     string   `toml:"prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// CORSMaxAge is how long browsers cache a preflight response.
	CORSMaxAge duration `toml:"cors_max_age"`
	APIKey     string   `toml:"api_key"`
	// RateLimit is requests per minute per client IP. Zero disables it.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken  string `toml:"telegram_token"`
	TelegramAPIURL string `toml:"telegram_api_url"`
	// OpsChatID receives operational alerts such as failed tasks.
	OpsChatID         string   `toml:"ops_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Storage: StorageConfig{Driver: "sqlite"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "rangewatch",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{Path: "./data/rangewatch.db"},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10_000,
		},
		DLMM: DLMMConfig{
			BaseURL:    "http://localhost:8080",
			Timeout:    duration{15 * time.Second},
			RetryCount: 2,
			RetryWait:  duration{500 * time.Millisecond},
			RateLimit:  10,
			RateWindow: duration{time.Second},
		},
		Monitor: MonitorConfig{
			Interval:       duration{5 * time.Minute},
			MaxRetries:     3,
			RetryDelay:     duration{30 * time.Second},
			Timeout:        duration{2 * time.Minute},
			RangeStep:      70,
			Concurrency:    8,
			DriftThreshold: 0.0001,
			PollInterval:   duration{time.Second},
			ShutdownGrace:  duration{30 * time.Second},
		},
		Export: ExportConfig{
			Enabled:    false,
			Interval:   duration{24 * time.Hour},
			Timeout:    duration{10 * time.Minute},
			MaxRetries: 2,
			RetryDelay: duration{time.Minute},
			LockTTL:    duration{15 * time.Minute},
			Prefix:     "history",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "rangewatch-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			CORSMaxAge:  duration{10 * time.Minute},
			RateLimit:   120,
		},
		Notify: NotifyConfig{
			TelegramAPIURL: "https://api.telegram.org",
			Events:         []string{"task_failed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor": true,
	"server":  true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RunsMonitor reports whether the configured mode schedules reconciliation.
func (c *Config) RunsMonitor() bool {
	m := strings.ToLower(c.Mode)
	return m == "monitor" || m == "full"
}

// RunsServer reports whether the configured mode serves the HTTP API.
func (c *Config) RunsServer() bool {
	m := strings.ToLower(c.Mode)
	return m == "server" || m == "full"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	case "sqlite":
		if strings.TrimSpace(c.SQLite.Path) == "" {
			errs = append(errs, "sqlite: path must not be empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown driver %q (valid: postgres, sqlite)", c.Storage.Driver))
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.RunsMonitor() {
		if c.DLMM.BaseURL == "" {
			errs = append(errs, "dlmm: base_url must not be empty")
		}
		if c.DLMM.RateLimit < 0 {
			errs = append(errs, "dlmm: rate_limit must be >= 0")
		}
		if c.DLMM.RateLimit > 0 && c.DLMM.RateWindow.Duration <= 0 {
			errs = append(errs, "dlmm: rate_window must be positive when rate_limit is set")
		}
		if c.Monitor.Interval.Duration <= 0 {
			errs = append(errs, "monitor: interval must be positive")
		}
		if c.Monitor.MaxRetries < 0 {
			errs = append(errs, "monitor: max_retries must be >= 0")
		}
		if c.Monitor.RetryDelay.Duration < 0 {
			errs = append(errs, "monitor: retry_delay must be >= 0")
		}
		if c.Monitor.Timeout.Duration < 0 {
			errs = append(errs, "monitor: timeout must be >= 0")
		}
		if c.Monitor.RangeStep < 1 {
			errs = append(errs, "monitor: range_step must be >= 1")
		}
		if c.Monitor.Concurrency < 1 {
			errs = append(errs, "monitor: concurrency must be >= 1")
		}
		if c.Monitor.DriftThreshold < 0 {
			errs = append(errs, "monitor: drift_threshold must be >= 0")
		}

		if c.Export.Enabled {
			if c.Export.Interval.Duration <= 0 {
				errs = append(errs, "export: interval must be positive")
			}
			if strings.TrimSpace(c.Export.Prefix) == "" {
				errs = append(errs, "export: prefix must not be empty")
			}
			if c.S3.Endpoint == "" {
				errs = append(errs, "s3: endpoint must not be empty")
			}
			if c.S3.Bucket == "" {
				errs = append(errs, "s3: bucket must not be empty")
			}
		}

		if c.Notify.TelegramToken == "" && c.Notify.DiscordWebhookURL == "" {
			errs = append(errs, "notify: telegram_token or discord_webhook_url is required to deliver position alerts")
		}
	}

	if c.RunsServer() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
