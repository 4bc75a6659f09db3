package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/angelmondragon/fieldsync/internal/admin"
	"github.com/angelmondragon/fieldsync/internal/cache"
	"github.com/angelmondragon/fieldsync/internal/media"
	"github.com/angelmondragon/fieldsync/internal/queue"
	"github.com/angelmondragon/fieldsync/internal/remote"
	"github.com/angelmondragon/fieldsync/internal/syncengine"
	"github.com/angelmondragon/fieldsync/pkg/clock"
	"github.com/angelmondragon/fieldsync/pkg/config"
	"github.com/angelmondragon/fieldsync/pkg/db"
	"github.com/angelmondragon/fieldsync/pkg/logger"
	"github.com/angelmondragon/fieldsync/pkg/metrics"
	"github.com/angelmondragon/fieldsync/pkg/migrate"
)

const serviceName = "fieldsync-agent"

// app holds the device components shared by every subcommand.
type app struct {
	cfg      *config.Config
	logg     *logger.Logger
	clock    clock.Clock
	db       *db.Client
	registry *prometheus.Registry
	metrics  *metrics.SyncMetrics

	cache  *cache.Cache
	media  *media.Queue
	remote *remote.HTTPClient
	engine *syncengine.Engine
	admin  admin.Service
	queue  *queue.Repository
}

func loadConfig(opts *RootOptions) (*config.Config, *logger.Logger, error) {
	boot := logger.New(logger.Options{ServiceName: serviceName, Output: os.Stderr})
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			boot.Debug(context.Background(), ".env file not found, relying on environment")
		}
	}

	cfg, err := config.Load()
	if err != nil {
		boot.Error(context.Background(), "failed to load config", err)
		return nil, nil, err
	}

	level := logger.ParseLevel(cfg.App.LogLevel)
	if opts.Verbose {
		level = zerolog.DebugLevel
	}
	logOpts := logger.Options{
		ServiceName: serviceName,
		Level:       level,
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
		Output:      os.Stderr,
	}
	if cfg.App.LogFile != "" {
		logOpts.File = &logger.FileOptions{
			Path:       cfg.App.LogFile,
			MaxSizeMB:  cfg.App.LogFileMaxMB,
			MaxAgeDays: cfg.App.LogFileMaxAge,
		}
	}
	return cfg, logger.New(logOpts), nil
}

// openDevice opens the cache database and applies pending migrations.
func openDevice(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*db.Client, error) {
	client, err := db.OpenDevice(ctx, cfg.Cache.Path, logg)
	if err != nil {
		return nil, fmt.Errorf("open device cache: %w", err)
	}
	if err := migrate.EnsureDeviceSchema(ctx, logg, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func bootstrap(ctx context.Context, opts *RootOptions) (*app, error) {
	cfg, logg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	ctx = logg.WithDeviceID(ctx, cfg.Device.DeviceID)

	client, err := openDevice(ctx, cfg, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap device cache", err)
		_ = logg.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logg:     logg,
		clock:    clock.Real{},
		db:       client,
		registry: prometheus.NewRegistry(),
		queue:    queue.NewRepository(client.DB()),
	}
	a.metrics = metrics.NewSyncMetrics(a.registry)

	if err := a.wire(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	var err error
	a.remote, err = remote.NewHTTPClient(remote.HTTPOptions{
		BaseURL:  a.cfg.Remote.BaseURL,
		Tokens:   remote.StaticToken(a.cfg.Device.Token),
		DeviceID: a.cfg.Device.DeviceID,
		Timeout:  a.cfg.Remote.Timeout,
		Logger:   a.logg,
	})
	if err != nil {
		return fmt.Errorf("remote client: %w", err)
	}

	a.cache, err = cache.New(cache.Options{
		DB:     a.db,
		Clock:  a.clock,
		Logger: a.logg,
		Tables: a.cfg.Cache.Tables,
	})
	if err != nil {
		return fmt.Errorf("local cache: %w", err)
	}

	a.media, err = media.NewQueue(media.Options{
		DB:             a.db.DB(),
		Remote:         a.remote,
		Clock:          a.clock,
		Logger:         a.logg,
		Metrics:        a.metrics,
		SpoolDir:       a.cfg.Cache.MediaDir,
		MaxRetries:     a.cfg.Media.MaxRetries,
		MaxUploadBytes: a.cfg.Media.MaxUploadBytes(),
		UploadTimeout:  a.cfg.Media.UploadTimeout,
		DeviceID:       a.cfg.Device.DeviceID,
		UserID:         a.cfg.Device.UserID,
	})
	if err != nil {
		return fmt.Errorf("media queue: %w", err)
	}

	a.admin, err = admin.NewService(admin.ServiceParams{
		Cache:       a.cache,
		Queue:       a.queue,
		DeadLetters: queue.NewDLQRepository(a.db.DB()),
		Media:       a.media,
		Remote:      a.remote,
		Logger:      a.logg,
	})
	if err != nil {
		return fmt.Errorf("cache administration: %w", err)
	}
	return nil
}

// newEngine builds the sync engine. The agent passes its connectivity
// monitor; one-shot commands run without one and assume the device is online.
func (a *app) newEngine(conn syncengine.ServiceParams) (*syncengine.Engine, error) {
	conn.DB = a.db
	conn.Remote = a.remote
	conn.Media = a.media
	conn.Clock = a.clock
	conn.Logger = a.logg
	conn.Metrics = a.metrics
	conn.Retry = queue.RetryPolicy{
		Base:        a.cfg.Sync.BackoffBase,
		Factor:      a.cfg.Sync.BackoffFactor,
		Cap:         a.cfg.Sync.BackoffCap,
		MaxAttempts: a.cfg.Sync.MaxAttempts,
	}
	conn.Workers = a.cfg.Sync.Workers
	conn.CallTimeout = a.cfg.Sync.CallTimeout
	conn.ClaimBatch = a.cfg.Sync.ClaimBatchSize
	conn.MediaBatch = a.cfg.Media.BatchSize
	engine, err := syncengine.NewService(conn)
	if err != nil {
		return nil, fmt.Errorf("sync engine: %w", err)
	}
	a.engine = engine
	return engine, nil
}

func (a *app) close() {
	err := multierr.Combine(a.db.Close(), a.logg.Close())
	if err != nil {
		fmt.Fprintln(os.Stderr, "fieldsync: shutdown:", err)
	}
}
