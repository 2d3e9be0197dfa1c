package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/rangewatch/internal/blob/s3"
	"github.com/alanyoungcy/rangewatch/internal/cache/redis"
	"github.com/alanyoungcy/rangewatch/internal/config"
	"github.com/alanyoungcy/rangewatch/internal/domain"
	"github.com/alanyoungcy/rangewatch/internal/notify"
	"github.com/alanyoungcy/rangewatch/internal/platform/dlmm"
	"github.com/alanyoungcy/rangewatch/internal/server/handler"
	"github.com/alanyoungcy/rangewatch/internal/store/postgres"
	"github.com/alanyoungcy/rangewatch/internal/store/sqlite"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	HistoryStore  domain.HistoryStore

	// Redis-backed
	RateLimiter  domain.RateLimiter
	LockManager  domain.LockManager
	SignalBus    domain.SignalBus
	Wallets      domain.WalletDirectory
	TaskRegistry domain.TaskRegistry
	Watermarks   *redis.WatermarkStore

	// Pool queries
	Pools domain.PoolClient

	// Export; nil when disabled.
	Archive *s3blob.HistoryArchive

	Notifier *notify.Notifier

	// HealthChecks cover every external dependency for /api/health.
	HealthChecks map[string]handler.HealthCheck
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{HealthChecks: make(map[string]handler.HealthCheck)}

	// --- Persistence ---
	switch strings.ToLower(cfg.Storage.Driver) {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			applied, err := pgClient.RunMigrations(ctx)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
			if len(applied) > 0 {
				logger.InfoContext(ctx, "applied postgres migrations", slog.Any("files", applied))
			}
		}

		pool := pgClient.Pool()
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.HistoryStore = postgres.NewHistoryStore(pool)
		deps.HealthChecks["postgres"] = pool.Ping

	case "sqlite":
		sqlClient, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.SQLite.Path}, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: sqlite: %w", err)
		}
		closers = append(closers, func() { _ = sqlClient.Close() })

		deps.PositionStore = sqlite.NewPositionStore(sqlClient)
		deps.HistoryStore = sqlite.NewHistoryStore(sqlClient)
		deps.HealthChecks["sqlite"] = sqlClient.DB().PingContext

	default:
		return nil, nil, fmt.Errorf("wire: unknown storage driver %q", cfg.Storage.Driver)
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.DLMM.RateLimit, cfg.DLMM.RateWindow.Duration)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
	deps.Wallets = redis.NewWalletDirectory(redisClient)
	deps.TaskRegistry = redis.NewTaskRegistry(redisClient)
	deps.Watermarks = redis.NewWatermarkStore(redisClient)
	deps.HealthChecks["redis"] = redisClient.Ping

	// --- Pool queries ---
	var poolLimiter domain.RateLimiter
	if cfg.DLMM.RateLimit > 0 {
		poolLimiter = deps.RateLimiter
	}
	deps.Pools = dlmm.New(dlmm.Config{
		BaseURL:    cfg.DLMM.BaseURL,
		Timeout:    cfg.DLMM.Timeout.Duration,
		RetryCount: cfg.DLMM.RetryCount,
		RetryWait:  cfg.DLMM.RetryWait.Duration,
	}, poolLimiter, logger)

	// --- S3 history export (only when the exporter runs) ---
	if cfg.Export.Enabled && cfg.RunsMonitor() {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archive = s3blob.NewHistoryArchive(s3blob.NewWriter(s3Client), cfg.Export.Prefix)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramAPIURL))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
