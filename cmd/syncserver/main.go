package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/fieldsync/api"
	"github.com/angelmondragon/fieldsync/api/controllers"
	"github.com/angelmondragon/fieldsync/api/middleware"
	"github.com/angelmondragon/fieldsync/api/routes"
	"github.com/angelmondragon/fieldsync/internal/remotestore"
	"github.com/angelmondragon/fieldsync/internal/scheduler"
	"github.com/angelmondragon/fieldsync/pkg/config"
	"github.com/angelmondragon/fieldsync/pkg/db"
	"github.com/angelmondragon/fieldsync/pkg/instance"
	"github.com/angelmondragon/fieldsync/pkg/logger"
	"github.com/angelmondragon/fieldsync/pkg/metrics"
	pkgredis "github.com/angelmondragon/fieldsync/pkg/redis"
)

const serviceName = "syncserver"

// replayStore is what the server needs from Redis or its in-memory stand-in.
type replayStore interface {
	pkgredis.IdempotencyStore
	middleware.RateLimiterStore
	controllers.Pinger
}

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := ":" + cfg.Server.Port
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := remotestore.AutoMigrate(ctx, dbClient.DB()); err != nil {
		logg.Error(ctx, "failed to migrate server schema", err)
		os.Exit(1)
	}
	store := remotestore.New(dbClient)

	replays, lock, closeRedis, err := bootstrapReplays(ctx, cfg, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer closeRedis()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	purge, err := scheduler.NewTombstonePurgeJob(scheduler.TombstonePurgeJobParams{
		Logger:    logg,
		Store:     store,
		Retention: cfg.Scheduler.TombstoneRetention,
	})
	if err != nil {
		logg.Error(ctx, "failed to create tombstone purge job", err)
		os.Exit(1)
	}
	jobs, err := scheduler.NewService(scheduler.ServiceParams{
		Logger:   logg,
		Registry: scheduler.NewRegistry(purge),
		Lock:     lock,
		Metrics:  metrics.NewJobMetrics(registry),
		Interval: cfg.Scheduler.ServerInterval,
	})
	if err != nil {
		logg.Error(ctx, "failed to create maintenance scheduler", err)
		os.Exit(1)
	}
	go func() {
		if err := jobs.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logg.Error(ctx, "maintenance scheduler stopped", err)
		}
	}()

	handler := routes.NewRouter(routes.RouterParams{
		Config:   cfg,
		Logger:   logg,
		Entities: store,
		Media:    store,
		Replays:  replays,
		Limiter:  replays,
		Ready: map[string]controllers.Pinger{
			"database": dbClient,
			"redis":    replays,
		},
		Gatherer: registry,
	})

	logg.Info(ctx, "starting sync server")
	if err := api.NewServer(addr, handler, logg).Run(ctx); err != nil {
		logg.Error(ctx, "sync server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "sync server shut down gracefully")
}

// bootstrapReplays connects Redis when configured. Without it a single
// replica keeps replays and locks in memory.
func bootstrapReplays(ctx context.Context, cfg *config.Config, logg *logger.Logger) (replayStore, scheduler.Lock, func(), error) {
	if !cfg.Redis.Enabled() {
		logg.Warn(ctx, "redis not configured; idempotency replays are kept in memory")
		return pkgredis.NewMemoryStore(nil), &scheduler.LocalLock{}, func() {}, nil
	}

	client, err := pkgredis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return nil, nil, nil, err
	}
	lock, err := scheduler.NewRedisLock(client, client.LockKey(cfg.Scheduler.LockKey), 0)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}
	return client, lock, closeFn, nil
}
