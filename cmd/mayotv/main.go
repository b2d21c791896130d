package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/voyagen/mayotv/internal/cache"
	"github.com/voyagen/mayotv/internal/config"
	"github.com/voyagen/mayotv/internal/fetcher"
	"github.com/voyagen/mayotv/internal/logger"
	"github.com/voyagen/mayotv/internal/models"
	"github.com/voyagen/mayotv/internal/server"
	"github.com/voyagen/mayotv/internal/service"
	"github.com/voyagen/mayotv/internal/store"
	"github.com/voyagen/mayotv/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "Optional config file path (YAML); else use environment")
	migrationsDir := flag.String("migrations", "migrations", "Migrations directory for the postgres backend")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *migrationsDir); err != nil {
		log.Error().Err(err).Msg("exiting")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log logger.Logger, migrationsDir string) error {
	// Redis backs the refresh queue and lock whenever it is configured,
	// independent of the slot backend.
	var rds *cache.Redis
	if cfg.RedisURL != "" {
		var err error
		rds, err = cache.NewRedis(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rds.Close()
		if err := rds.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		log.Info().Msg("redis connected")
	}

	slots, closeSlots, err := openSlots(ctx, cfg, log, rds, migrationsDir)
	if err != nil {
		return err
	}
	defer closeSlots()

	client := fetcher.New(
		fetcher.WithUserAgent(cfg.Fetcher.UserAgent),
		fetcher.WithTimeout(cfg.Fetcher.Timeout),
		fetcher.WithBreaker(fetcher.BreakerConfig{
			Enabled:          cfg.Fetcher.Breaker,
			FailureThreshold: cfg.Fetcher.BreakerThreshold,
			Timeout:          cfg.Fetcher.BreakerTimeout,
		}),
		fetcher.WithLogger(log),
	)
	dir := service.NewDirectory(client,
		service.NewSources(cfg.Sources.BaseURL, cfg.Sources.Proxies),
		slots,
		service.WithSlotKey(cfg.Directory.SlotKey),
		service.WithTTL(cfg.Directory.TTL),
		service.WithLogger(log),
	)

	storeOpts := []cache.Option{
		cache.WithName("views"),
		cache.WithDurable(slots),
		cache.WithNamespace(cfg.Cache.Namespace),
		cache.WithDefaults(cfg.Directory.ViewTTL, cfg.Cache.MaxEntries, cfg.Cache.MaxSizeBytes),
		cache.WithSweepInterval(cfg.Cache.SweepInterval),
		cache.WithValidator(validChannels),
		cache.WithLogger(log),
	}
	if cfg.Cache.SingleFlight {
		storeOpts = append(storeOpts, cache.WithSingleFlight())
	}
	views := cache.New[[]models.Channel](storeOpts...)
	views.Start(ctx)
	defer views.Close()

	srvOpts := []server.Option{server.WithLogger(log)}
	if rds != nil && cfg.Directory.Worker {
		queue := cache.NewQueue(rds, cache.DefaultQueue)
		srvOpts = append(srvOpts, server.WithQueue(queue))

		w := worker.NewRefresh(queue, dir,
			worker.WithLocker(worker.RedisLocker(rds, cache.RefreshLockKey, cfg.Directory.LockTTL)),
			worker.WithOnRefreshed(views.Clear),
			worker.WithLogger(log),
		)
		go w.Run(ctx)
	}

	if cfg.Directory.WarmStart {
		go func() {
			_, origin := dir.Full(ctx)
			log.Info().Str("origin", string(origin)).Msg("directory warmed")
		}()
	}

	srv := server.New(dir, views, cfg.Server, srvOpts...)
	return srv.ListenAndServe(ctx)
}

// openSlots opens the configured durable backend. The returned closer is
// always safe to call.
func openSlots(ctx context.Context, cfg *config.Config, log logger.Logger, rds *cache.Redis, migrationsDir string) (cache.Durable, func(), error) {
	switch cfg.Cache.Backend {
	case config.BackendMemory:
		log.Info().Msg("cache slots in memory")
		return cache.NewMemorySlots(), func() {}, nil

	case config.BackendBadger:
		b, err := cache.OpenBadger(cfg.Cache.BadgerPath, log)
		if err != nil {
			return nil, nil, fmt.Errorf("badger: %w", err)
		}
		log.Info().Str("path", cfg.Cache.BadgerPath).Msg("cache slots in badger")
		return b, closeQuietly(b), nil

	case config.BackendRedis:
		if rds == nil {
			return nil, nil, config.ErrMissingRedisURL
		}
		log.Info().Msg("cache slots in redis")
		return cache.NewRedisSlots(rds, log), func() {}, nil

	case config.BackendPostgres:
		if err := store.RunMigrations(cfg.DatabaseURL, store.MigrationsSource(migrationsDir)); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, nil, fmt.Errorf("db: %w", err)
		}
		log.Info().Msg("cache slots in postgres")
		return pg, pg.Close, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Cache.Backend)
}

func closeQuietly(c io.Closer) func() {
	return func() { _ = c.Close() }
}

var errEmptyURL = errors.New("channel without url")

func validChannels(chs []models.Channel) error {
	for _, ch := range chs {
		if ch.URL == "" {
			return errEmptyURL
		}
	}
	return nil
}
