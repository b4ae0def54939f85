// Package main runs the Bifrost syncer.
//
// The syncer polls the PostgreSQL registry for changed flags, refreshes their
// records in the Redis L2 and announces every change on the change feed.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/changefeed"
	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/database"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/store"
	"github.com/rafaeljc/bifrost/internal/syncer"
	"github.com/rafaeljc/bifrost/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		slog.Error("syncer failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	// -------------------------------------------------------------------------
	// 1. Configuration & Logging
	// -------------------------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(&cfg.App)
	slog.SetDefault(log)
	cfg.LogConfig(log)

	if !cfg.Syncer.Enabled {
		log.Info("syncer disabled, exiting")
		return nil
	}
	if !cfg.Database.IsConfigured() || !cfg.Redis.IsConfigured() {
		return errors.New("the syncer needs both a database and redis")
	}

	shutdownTracer, err := tracing.Init(context.Background(), &cfg.Tracing, cfg.App.Version)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", slog.String("error", err.Error()))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// 2. Infrastructure
	// -------------------------------------------------------------------------
	pool, err := database.NewPostgresPool(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.Database.MigrateOnStart {
		if err := database.Migrate(ctx, pool); err != nil {
			return err
		}
	}

	redisClient, err := cache.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	// -------------------------------------------------------------------------
	// 3. Wiring
	// -------------------------------------------------------------------------
	repo := store.NewPostgresStore(pool)
	l2 := cache.NewRedisRegistry(logger.Component(log, "l2"), redisClient, repo, cfg.Redis.KeyPrefix, cfg.Engine.L2TTL)

	publishers := changefeed.Publishers{
		cache.NewRedisFeed(logger.Component(log, "redis-feed"), redisClient, cfg.Redis.KeyPrefix, cfg.ChangeFeed.RedisChannel),
	}
	if cfg.ChangeFeed.KafkaEnabled {
		kafkaPub, err := changefeed.NewKafkaPublisher(changefeed.KafkaConfig{
			Brokers:     cfg.ChangeFeed.KafkaBrokers,
			Topic:       cfg.ChangeFeed.KafkaTopic,
			MaxAttempts: cfg.ChangeFeed.KafkaMaxAttempts,
			Timeout:     cfg.ChangeFeed.KafkaTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		defer func() {
			if err := kafkaPub.Close(); err != nil {
				log.Warn("failed to close kafka publisher", slog.String("error", err.Error()))
			}
		}()
		publishers = append(publishers, kafkaPub)
	}

	svc := syncer.New(logger.Component(log, "syncer"), cfg.Syncer, repo, l2, publishers)

	obsServer := observability.NewServer(logger.Component(log, "observability"), &cfg.Observability,
		database.NewHealthChecker(pool),
		cache.NewHealthChecker(redisClient, cfg.Redis.KeyPrefix),
	)

	// -------------------------------------------------------------------------
	// 4. Run
	// -------------------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.Run(gctx)
	})
	g.Go(func() error {
		database.RunPoolMonitor(gctx, pool, cfg.Observability.PoolMonitorInterval)
		return nil
	})
	g.Go(func() error {
		cache.RunPoolMonitor(gctx, redisClient, cfg.Observability.PoolMonitorInterval)
		return nil
	})
	g.Go(func() error {
		return obsServer.Run(gctx)
	})

	log.Info("syncer started",
		slog.Duration("interval", cfg.Syncer.Interval),
		slog.Bool("kafka", cfg.ChangeFeed.KafkaEnabled),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("syncer exited successfully")
	return nil
}
