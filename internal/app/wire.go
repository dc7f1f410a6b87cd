package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raulk/clock"

	s3blob "github.com/alanyoungcy/stakeswap/internal/blob/s3"
	"github.com/alanyoungcy/stakeswap/internal/cache/redis"
	"github.com/alanyoungcy/stakeswap/internal/config"
	"github.com/alanyoungcy/stakeswap/internal/domain"
	"github.com/alanyoungcy/stakeswap/internal/metrics"
	"github.com/alanyoungcy/stakeswap/internal/notify"
	"github.com/alanyoungcy/stakeswap/internal/server/handler"
	"github.com/alanyoungcy/stakeswap/internal/store/memory"
	"github.com/alanyoungcy/stakeswap/internal/store/postgres"
)

// Dependencies bundles the concrete backends chosen by configuration. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Repo    domain.Repository
	Locks   domain.LockManager
	Bus     domain.SignalBus
	Cache   domain.SummaryCache
	Limiter domain.RateLimiter
	Blobs   domain.BlobStore

	// Health probes reported by /api/health, keyed by backend name.
	Health map[string]handler.Pinger

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	Clock    clock.Clock
}

// Wire constructs the backends from cfg. Without Redis the coordination
// primitives are in-process; without S3 content blobs live in memory.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	clk := clock.New()
	deps := &Dependencies{
		Health:  map[string]handler.Pinger{},
		Metrics: metrics.New(),
		Clock:   clk,
	}

	// --- State store ---
	switch cfg.Storage.Backend {
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
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)
		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.Repo = postgres.NewRepository(pgClient.Pool())
		deps.Health["postgres"] = pgClient
	default:
		logger.WarnContext(ctx, "wire: using the in-memory state store, state is lost on exit")
		deps.Repo = memory.New()
	}

	// --- Coordination: locks, bus, cache, rate limiting ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Locks = redis.NewLockManager(redisClient)
		deps.Bus = redis.NewSignalBus(redisClient)
		deps.Cache = redis.NewSummaryCache(redisClient, cfg.Redis.SummaryTTL.Duration)
		deps.Limiter = redis.NewRateLimiter(redisClient, clk, cfg.Server.RateLimit, cfg.Server.RateWindow.Duration)
		deps.Health["redis"] = redisClient
	} else {
		deps.Locks = memory.NewLockManager(clk)
		deps.Bus = memory.NewSignalBus()
		deps.Cache = memory.NewSummaryCache()
		deps.Limiter = memory.NewRateLimiter(clk, cfg.Server.RateLimit, cfg.Server.RateWindow.Duration)
	}

	// --- Content blobs ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Blobs = s3blob.NewStore(s3Client)
		deps.Health["s3"] = handler.PingFunc(s3Client.Health)
	} else {
		deps.Blobs = memory.NewBlobStore()
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
