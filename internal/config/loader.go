package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies RANGEWATCH_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known RANGEWATCH_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Storage ──
	setStr(&cfg.Storage.Driver, "RANGEWATCH_STORAGE_DRIVER")
	setStr(&cfg.SQLite.Path, "RANGEWATCH_SQLITE_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.DSN, "RANGEWATCH_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "RANGEWATCH_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "RANGEWATCH_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "RANGEWATCH_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "RANGEWATCH_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "RANGEWATCH_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "RANGEWATCH_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "RANGEWATCH_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "RANGEWATCH_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "RANGEWATCH_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "RANGEWATCH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "RANGEWATCH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "RANGEWATCH_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "RANGEWATCH_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "RANGEWATCH_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "RANGEWATCH_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "RANGEWATCH_REDIS_STREAM_MAX_LEN")

	// ── DLMM ──
	setStr(&cfg.DLMM.BaseURL, "RANGEWATCH_DLMM_BASE_URL")
	setDuration(&cfg.DLMM.Timeout, "RANGEWATCH_DLMM_TIMEOUT")
	setInt(&cfg.DLMM.RetryCount, "RANGEWATCH_DLMM_RETRY_COUNT")
	setDuration(&cfg.DLMM.RetryWait, "RANGEWATCH_DLMM_RETRY_WAIT")
	setInt(&cfg.DLMM.RateLimit, "RANGEWATCH_DLMM_RATE_LIMIT")
	setDuration(&cfg.DLMM.RateWindow, "RANGEWATCH_DLMM_RATE_WINDOW")

	// ── Monitor ──
	setDuration(&cfg.Monitor.Interval, "RANGEWATCH_MONITOR_INTERVAL")
	setInt(&cfg.Monitor.MaxRetries, "RANGEWATCH_MONITOR_MAX_RETRIES")
	setDuration(&cfg.Monitor.RetryDelay, "RANGEWATCH_MONITOR_RETRY_DELAY")
	setDuration(&cfg.Monitor.Timeout, "RANGEWATCH_MONITOR_TIMEOUT")
	setInt(&cfg.Monitor.RangeStep, "RANGEWATCH_MONITOR_RANGE_STEP")
	setInt(&cfg.Monitor.Concurrency, "RANGEWATCH_MONITOR_CONCURRENCY")
	setFloat64(&cfg.Monitor.DriftThreshold, "RANGEWATCH_MONITOR_DRIFT_THRESHOLD")
	setDuration(&cfg.Monitor.PollInterval, "RANGEWATCH_MONITOR_POLL_INTERVAL")
	setDuration(&cfg.Monitor.ShutdownGrace, "RANGEWATCH_MONITOR_SHUTDOWN_GRACE")

	// ── Export ──
	setBool(&cfg.Export.Enabled, "RANGEWATCH_EXPORT_ENABLED")
	setDuration(&cfg.Export.Interval, "RANGEWATCH_EXPORT_INTERVAL")
	setDuration(&cfg.Export.Timeout, "RANGEWATCH_EXPORT_TIMEOUT")
	setInt(&cfg.Export.MaxRetries, "RANGEWATCH_EXPORT_MAX_RETRIES")
	setDuration(&cfg.Export.RetryDelay, "RANGEWATCH_EXPORT_RETRY_DELAY")
	setDuration(&cfg.Export.LockTTL, "RANGEWATCH_EXPORT_LOCK_TTL")
	setStr(&cfg.Export.Prefix, "RANGEWATCH_EXPORT_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "RANGEWATCH_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "RANGEWATCH_S3_REGION")
	setStr(&cfg.S3.Bucket, "RANGEWATCH_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "RANGEWATCH_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "RANGEWATCH_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "RANGEWATCH_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "RANGEWATCH_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "RANGEWATCH_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "RANGEWATCH_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "RANGEWATCH_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "RANGEWATCH_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TELEGRAM_BOT_TOKEN") // compatibility alias
	setStr(&cfg.Notify.TelegramToken, "RANGEWATCH_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramAPIURL, "RANGEWATCH_NOTIFY_TELEGRAM_API_URL")
	setStr(&cfg.Notify.OpsChatID, "RANGEWATCH_NOTIFY_OPS_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "RANGEWATCH_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "RANGEWATCH_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "RANGEWATCH_MODE")
	setStr(&cfg.LogLevel, "RANGEWATCH_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
