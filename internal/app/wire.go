package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/willcroft/fundarb/internal/blob/s3"
	"github.com/willcroft/fundarb/internal/cache/redis"
	"github.com/willcroft/fundarb/internal/config"
	"github.com/willcroft/fundarb/internal/domain"
	"github.com/willcroft/fundarb/internal/notify"
	"github.com/willcroft/fundarb/internal/store/postgres"
	"github.com/willcroft/fundarb/internal/venue"
)

// Dependencies bundles every infrastructure dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function. Domain objects (ledger, evaluator, coordinator, engine) are built
// per mode on top of these.
type Dependencies struct {
	// Venue clients and optional market-data streams.
	VenueA  domain.VenueClient
	VenueB  domain.VenueClient
	Streams []*venue.Stream

	// Stores
	PositionStore domain.PositionStore
	RateStore     domain.FundingRateStore
	AuditStore    domain.AuditStore

	// Caches
	QuoteCache  domain.QuoteCache
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	Archiver   *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// needsPostgres returns true for modes that require a database connection.
func needsPostgres(mode string) bool {
	switch mode {
	case "run", "backfill":
		return true
	default:
		return false
	}
}

// needsS3 returns true for modes that require object storage.
func needsS3(mode string) bool {
	switch mode {
	case "run", "backfill":
		return true
	default:
		return false
	}
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

	deps := &Dependencies{}

	// --- Venue clients ---
	for _, vc := range []struct {
		cfg config.VenueConfig
		dst *domain.VenueClient
	}{
		{cfg.VenueA, &deps.VenueA},
		{cfg.VenueB, &deps.VenueB},
	} {
		client := venue.NewClient(venue.ClientConfig{
			Name:           vc.cfg.Name,
			BaseURL:        vc.cfg.BaseURL,
			WSURL:          vc.cfg.WsURL,
			APIKey:         vc.cfg.ApiKey,
			RequestsPerSec: vc.cfg.RequestsPerSec,
			Burst:          vc.cfg.Burst,
		})
		*vc.dst = client

		if vc.cfg.WsURL != "" {
			deps.Streams = append(deps.Streams, venue.NewStream(vc.cfg.Name, vc.cfg.WsURL))
		}
	}

	// --- PostgreSQL (only for modes that need persistence) ---
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Database.DSN,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.PoolMaxConns,
			MinConns: cfg.Database.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Database.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.RateStore = postgres.NewFundingRateStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
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

	deps.QuoteCache = redis.NewQuoteCache(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 blob storage (only for modes that need object storage) ---
	if needsS3(cfg.Mode) {
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
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		if deps.PositionStore != nil && deps.AuditStore != nil {
			deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.PositionStore, deps.AuditStore)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// archiveCutoff returns the cutoff time for the archival pass.
func archiveCutoff(retentionDays int, now time.Time) time.Time {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return now.AddDate(0, 0, -retentionDays)
}
