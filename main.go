package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/entity-resolver/pkg/cache"
	"github.com/ekaya-inc/entity-resolver/pkg/config"
	"github.com/ekaya-inc/entity-resolver/pkg/database"
	"github.com/ekaya-inc/entity-resolver/pkg/handlers"
	"github.com/ekaya-inc/entity-resolver/pkg/identity"
	"github.com/ekaya-inc/entity-resolver/pkg/logging"
	"github.com/ekaya-inc/entity-resolver/pkg/lookup"
	"github.com/ekaya-inc/entity-resolver/pkg/middleware"
	"github.com/ekaya-inc/entity-resolver/pkg/repositories"
	"github.com/ekaya-inc/entity-resolver/pkg/retry"
	"github.com/ekaya-inc/entity-resolver/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.URL())),
		zap.String("redis_host", cfg.Redis.Host),
		zap.Bool("lookup_configured", cfg.Lookup.IsConfigured()),
		zap.Bool("worker_disabled", cfg.Worker.Disabled))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Entity resolver failed", zap.String("error", logging.SanitizeError(err)))
	}
	logger.Info("Entity resolver stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	startup := retry.StartupConfig()
	startup.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("Dependency not ready, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("error", logging.SanitizeError(err)))
	}

	db, err := retry.DoWithResult(ctx, startup, func() (*database.DB, error) {
		return database.NewConnection(ctx, &database.Config{
			URL:            cfg.Database.URL(),
			MaxConnections: cfg.Database.MaxConnections,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	// The migration driver closes its *sql.DB, so each attempt opens a fresh one.
	// Closing it leaves the pool open.
	if err := retry.DoIfRetryable(ctx, startup, func() error {
		return database.RunMigrations(stdlib.OpenDBFromPool(db.Pool), logger)
	}); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Redis is optional, so it gets the shorter store retry policy.
	redisRetry := retry.DefaultConfig()
	redisRetry.OnRetry = startup.OnRetry
	redisClient, err := retry.DoWithResult(ctx, redisRetry, func() (*redis.Client, error) {
		return database.NewRedisClient(ctx, &cfg.Redis)
	})
	if err != nil {
		// The mapping cache is still served from PostgreSQL without Redis.
		logger.Warn("Redis unavailable, mapping cache reads go to PostgreSQL",
			zap.String("error", logging.SanitizeError(err)))
		redisClient = nil
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	mappings := cache.NewMappingCache(redisClient, repositories.NewMappingRepository(db), cfg.Redis.TTL, logger)
	queue := repositories.NewEnrichmentQueueRepository(db)

	overrides, err := loadOverrides(ctx, cfg.Resolver.OverridesPath, mappings, logger)
	if err != nil {
		return err
	}

	// Assigned only when configured so the engine sees an untyped nil otherwise.
	var client services.EntityLookup
	if cfg.Lookup.IsConfigured() {
		c, err := lookup.NewClient(&cfg.Lookup, lookup.StaticTokenSource(cfg.Lookup.APIToken), logger)
		if err != nil {
			return fmt.Errorf("failed to create lookup client: %w", err)
		}
		client = c
	} else {
		logger.Warn("No lookup service configured, unresolved names will be deferred")
	}

	if cfg.Resolver.TempIDSalt == "" {
		logger.Warn("TEMP_ID_SALT is not set, temporary ids are derived with an empty key")
	}

	engine := services.NewResolutionEngine(
		overrides,
		mappings,
		client,
		queue,
		identity.NewTempIDGenerator(cfg.Resolver.TempIDSalt),
		services.ResolutionEngineConfig{DefaultCanonicalID: cfg.Resolver.DefaultCanonicalID},
		logger,
	)
	worker := services.NewQueueWorker(queue, mappings, client, cfg.Worker, logger)

	var trigger handlers.RunTrigger
	var scheduler *services.WorkerScheduler
	if !cfg.Worker.Disabled {
		scheduler = services.NewWorkerScheduler(worker, queue, cfg.Worker, logger)
		scheduler.Start(ctx)
		trigger = scheduler
	}

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, db, logger).RegisterRoutes(mux)
	handlers.NewQueueHandler(worker, trigger, logger).RegisterRoutes(mux)
	handlers.NewResolveHandler(engine, cfg.Resolver.SessionBudget, logger).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting entity resolver", zap.String("addr", srv.Addr))
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	if scheduler != nil {
		select {
		case <-scheduler.Done():
		case <-shutdownCtx.Done():
			logger.Warn("Queue worker did not stop before shutdown deadline")
		}
	}
	return nil
}

// loadOverrides reads the override table and makes the stored override rows
// match it. A missing file yields an empty table, which clears stored overrides.
func loadOverrides(ctx context.Context, path string, mappings repositories.MappingRepository, logger *zap.Logger) (*services.OverrideTable, error) {
	var overrides *services.OverrideTable
	if path != "" {
		loaded, err := services.LoadOverrides(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logger.Warn("Override table not found, continuing without overrides", zap.String("path", path))
		case err != nil:
			return nil, fmt.Errorf("failed to load overrides: %w", err)
		default:
			overrides = loaded
		}
	}

	removed, err := mappings.ReplaceOverrides(ctx, overrides.MappingEntries())
	if err != nil {
		return nil, fmt.Errorf("failed to preload overrides: %w", err)
	}
	for _, entry := range removed {
		logger.Info("Removed override no longer in the table",
			zap.String("match_type", string(entry.MatchType)),
			zap.String("key", entry.LookupKey),
			zap.String("canonical_id", entry.CanonicalID))
	}
	logger.Info("Override table loaded",
		zap.String("path", path),
		zap.Int("entries", overrides.Len()),
		zap.Int("removed", len(removed)))
	return overrides, nil
}
