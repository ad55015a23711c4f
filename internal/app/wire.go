package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/blob/s3"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/cache/redis"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/config"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/metrics"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/notify"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/reconcile"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/rules"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/server/handler"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/service"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/store/memory"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/store/postgres"
)

// Dependencies bundles everything the modes need. It is constructed by Wire
// and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Tx             domain.Transactor
	Accounts       domain.AccountStore
	Templates      domain.TemplateStore
	TemplateWriter domain.TemplateWriter
	// TemplateCache is nil without Redis.
	TemplateCache domain.TemplateCache

	// Coordination and messaging; Bus and RateLimiter are nil without Redis.
	Locks       domain.LockManager
	Bus         domain.SignalBus
	RateLimiter domain.RateLimiter

	// Archive is nil unless S3 is enabled.
	Archive domain.SnapshotArchive

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	Health   map[string]handler.Check

	Reconcile *service.ReconcileService
	Admin     *service.AdminService
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
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{Health: map[string]handler.Check{}}

	// --- Ledger storage ---
	switch cfg.Storage {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:            cfg.Postgres.DSN,
			Host:           cfg.Postgres.Host,
			Port:           cfg.Postgres.Port,
			Database:       cfg.Postgres.Database,
			User:           cfg.Postgres.User,
			Password:       cfg.Postgres.Password,
			SSLMode:        cfg.Postgres.SSLMode,
			MaxConns:       cfg.Postgres.PoolMaxConns,
			MinConns:       cfg.Postgres.PoolMinConns,
			ConnectTimeout: cfg.Postgres.ConnTimeout.Duration,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		stores := pgClient.Stores()
		deps.Tx = stores.Tx
		deps.Accounts = stores.Accounts
		deps.TemplateWriter = stores.Templates
		if cfg.Templates.Source == "postgres" {
			deps.Templates = stores.Templates
		}
		deps.Health["postgres"] = pgClient.Ping
	default:
		db := memory.New()
		deps.Tx = db
		deps.Accounts = db.Accounts()
		deps.TemplateWriter = db.Templates()
		logger.WarnContext(ctx, "wire: using in-memory storage; nothing survives the process")
	}

	if cfg.Templates.Source == "file" {
		fs, err := rules.NewFileStore(cfg.Templates.Dir)
		if err != nil {
			return fail("templates", err)
		}
		deps.Templates = fs
	}

	// --- Redis ---
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
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Locks = redis.NewLockManager(redisClient)
		deps.Bus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		if ttl := cfg.Templates.CacheTTL.Duration; ttl > 0 {
			deps.TemplateCache = redis.NewTemplateCache(redisClient, ttl)
			deps.Templates = rules.NewCachedStore(deps.Templates, deps.TemplateCache, logger)
		}
		deps.Health["redis"] = redisClient.Ping
	} else {
		deps.Locks = memory.NewLockManager()
	}

	// --- S3 snapshot archive ---
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
			return fail("s3", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archive = s3blob.NewSnapshotArchive(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client))
		deps.Health["s3"] = s3Client.Health
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

	// --- Metrics ---
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		deps.Metrics = metrics.New(reg)
	}

	// --- Services ---
	rc := cfg.Reconcile
	deps.Reconcile = service.NewReconcileService(service.ReconcileDeps{
		Tx:        deps.Tx,
		Templates: deps.Templates,
		Locks:     deps.Locks,
		Archive:   deps.Archive,
		Bus:       deps.Bus,
		Notifier:  deps.Notifier,
		Metrics:   deps.Metrics,
	}, service.ReconcileConfig{
		Merge: reconcile.MergeConfig{
			StaleAfter:        rc.StaleAfter,
			OpenTimeTolerance: rc.OpenTimeTolerance.Duration,
		},
		LockTTL:       rc.LockTTL.Duration,
		LockWait:      rc.LockWait.Duration,
		EventsChannel: rc.EventsChannel,
	}, logger)
	deps.Admin = service.NewAdminService(deps.Tx, deps.Templates, deps.Locks, deps.Archive,
		rc.LockTTL.Duration, rc.LockWait.Duration, logger)

	return deps, cleanup, nil
}
