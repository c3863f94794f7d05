package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/polycopy/internal/blob/s3"
	"github.com/alanyoungcy/polycopy/internal/cache/redis"
	"github.com/alanyoungcy/polycopy/internal/config"
	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/notify"
	"github.com/alanyoungcy/polycopy/internal/platform/polymarket"
	"github.com/alanyoungcy/polycopy/internal/server/handler"
	"github.com/alanyoungcy/polycopy/internal/store/postgres"
)

// Dependencies bundles the external integrations shared by the modes. Every
// optional backend is nil when its config section is disabled.
type Dependencies struct {
	Data *polymarket.DataClient

	// Postgres
	FillStore  domain.FillStore
	AuditStore domain.AuditStore

	// Redis
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Object storage
	BlobWriter domain.BlobWriter

	Notifier *notify.Notifier

	// HealthChecks are probed by GET /api/health.
	HealthChecks map[string]handler.Pinger
}

// Wire connects every enabled backend and returns the dependencies with a
// cleanup function that releases them in reverse order.
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

	deps := &Dependencies{
		Data:         polymarket.NewDataClient(cfg.Polymarket.DataHost),
		HealthChecks: make(map[string]handler.Pinger),
	}

	if cfg.Supabase.Enabled {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pg.Close)

		if cfg.Supabase.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.FillStore = postgres.NewFillStore(pg.Pool())
		deps.AuditStore = postgres.NewAuditStore(pg.Pool())
		deps.HealthChecks["postgres"] = func(ctx context.Context) error { return pg.Pool().Ping(ctx) }
	}

	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.LockManager = redis.NewLockManager(rc)
		deps.SignalBus = redis.NewSignalBus(rc, int64(cfg.Redis.StreamMaxLen))
		deps.HealthChecks["redis"] = rc.Ping
	}

	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobWriter = s3blob.NewWriter(sc)
		deps.HealthChecks["s3"] = sc.Health
	}

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
