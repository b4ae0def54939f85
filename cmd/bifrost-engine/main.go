// Package main runs the Bifrost evaluation engine.
//
// It is the composition root for the read path: the PostgreSQL registry (with
// the optional Redis L2 in front), the evaluation engine, the change feed that
// keeps its cache fresh, and the REST, gRPC and observability listeners.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/changefeed"
	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/controlapi"
	"github.com/rafaeljc/bifrost/internal/dataapi"
	"github.com/rafaeljc/bifrost/internal/database"
	"github.com/rafaeljc/bifrost/internal/evaluation"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/registry"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/store"
	"github.com/rafaeljc/bifrost/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		slog.Error("engine failed", slog.String("error", err.Error()))
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

	if !cfg.Database.IsConfigured() {
		return errors.New("the engine needs a database: set BIFROST_DB_URL or the BIFROST_DB_* fields")
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

	checkers := []observability.Checker{database.NewHealthChecker(pool)}

	var redisClient *redis.Client
	if cfg.Redis.IsConfigured() {
		redisClient, err = cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		checkers = append(checkers, cache.NewHealthChecker(redisClient, cfg.Redis.KeyPrefix))
	}

	// -------------------------------------------------------------------------
	// 3. Registry & Engine
	// -------------------------------------------------------------------------
	repo := store.NewPostgresStore(pool)

	var reg registry.Registry = repo
	var l2 evaluation.Forgetter
	if cfg.Engine.L2Enabled && redisClient != nil {
		redisReg := cache.NewRedisRegistry(logger.Component(log, "l2"), redisClient, repo, cfg.Redis.KeyPrefix, cfg.Engine.L2TTL)
		reg = redisReg
		// Only the LISTEN source reports writes the syncer has not yet copied
		// into L2, so only then must the engine drop L2 records itself.
		if cfg.ChangeFeed.PostgresEnabled {
			l2 = redisReg
		}
	}

	engine, err := evaluation.NewEngine(logger.Component(log, "engine"), &cfg.Engine, reg, l2)
	if err != nil {
		return err
	}
	defer engine.Close()

	reasons := make([]string, len(ruleengine.Reasons))
	for i, r := range ruleengine.Reasons {
		reasons[i] = string(r)
	}
	observability.PreRegisterReasons(reasons)

	// -------------------------------------------------------------------------
	// 4. Change Feed
	// -------------------------------------------------------------------------
	sources, err := changeSources(log, cfg, pool, redisClient)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		log.Warn("no change feed source enabled, cached results expire only by ttl")
	}

	// -------------------------------------------------------------------------
	// 5. Transports
	// -------------------------------------------------------------------------
	var api *controlapi.API
	if cfg.Server.HTTP.APIKeyHash == "" {
		log.Warn("no API key hash configured, cache control and inspection routes are unauthenticated")
		api = controlapi.NewAPIWithConfig(engine, repo, "", true)
	} else {
		api = controlapi.NewAPI(engine, repo, cfg.Server.HTTP.APIKeyHash)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTP.Address(),
		Handler:           otelhttp.NewHandler(api.Router, "bifrost-http"),
		ReadTimeout:       cfg.Server.HTTP.ReadTimeout,
		WriteTimeout:      cfg.Server.HTTP.WriteTimeout,
		ReadHeaderTimeout: cfg.Server.HTTP.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.HTTP.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.HTTP.MaxHeaderBytes,
	}

	grpcServer := dataapi.NewServer(logger.Component(log, "grpc"), &cfg.Server.GRPC, dataapi.NewAPI(engine))
	obsServer := observability.NewServer(logger.Component(log, "observability"), &cfg.Observability, checkers...)

	// -------------------------------------------------------------------------
	// 6. Run
	// -------------------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return changefeed.NewDispatcher(logger.Component(log, "changefeed"), engine.HandleChange, cfg.ChangeFeed.ReconnectBackoff, sources...).Run(gctx)
	})
	g.Go(func() error {
		engine.RunMetricsCollector(gctx, cfg.Observability.PoolMonitorInterval)
		return nil
	})
	g.Go(func() error {
		database.RunPoolMonitor(gctx, pool, cfg.Observability.PoolMonitorInterval)
		return nil
	})
	if redisClient != nil {
		g.Go(func() error {
			cache.RunPoolMonitor(gctx, redisClient, cfg.Observability.PoolMonitorInterval)
			return nil
		})
	}
	g.Go(func() error {
		return obsServer.Run(gctx)
	})
	g.Go(func() error {
		return grpcServer.Run(gctx, cfg.App.ShutdownTimeout)
	})
	g.Go(func() error {
		return serveHTTP(gctx, log, httpServer, &cfg.Server.HTTP, cfg.App.ShutdownTimeout, obsServer)
	})

	log.Info("engine started",
		slog.String("http_addr", cfg.Server.HTTP.Address()),
		slog.String("grpc_addr", cfg.Server.GRPC.Address()),
		slog.Int("change_sources", len(sources)),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("engine exited successfully")
	return nil
}

// changeSources builds every enabled change feed source.
func changeSources(log *slog.Logger, cfg *config.Config, pool *pgxpool.Pool, redisClient *redis.Client) ([]changefeed.Source, error) {
	var sources []changefeed.Source

	if cfg.ChangeFeed.RedisEnabled {
		if redisClient == nil {
			return nil, errors.New("redis change feed enabled but redis is not configured")
		}
		sources = append(sources, cache.NewRedisFeed(logger.Component(log, "redis-feed"), redisClient, cfg.Redis.KeyPrefix, cfg.ChangeFeed.RedisChannel))
	}

	if cfg.ChangeFeed.PostgresEnabled {
		sources = append(sources, store.NewListener(logger.Component(log, "pg-listener"), pool))
	}

	if cfg.ChangeFeed.KafkaEnabled {
		src, err := changefeed.NewKafkaSource(logger.Component(log, "kafka-feed"), changefeed.KafkaConfig{
			Brokers:     cfg.ChangeFeed.KafkaBrokers,
			Topic:       cfg.ChangeFeed.KafkaTopic,
			GroupID:     cfg.ChangeFeed.KafkaGroupID,
			MaxAttempts: cfg.ChangeFeed.KafkaMaxAttempts,
			Timeout:     cfg.ChangeFeed.KafkaTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka source: %w", err)
		}
		sources = append(sources, src)
	}

	return sources, nil
}

// serveHTTP runs the REST server until ctx is done. On shutdown it first
// marks the instance as draining so load balancers stop routing to it.
func serveHTTP(ctx context.Context, log *slog.Logger, srv *http.Server, cfg *config.HTTPConfig, timeout time.Duration, obs *observability.Server) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLSEnabled {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to serve http: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	obs.SetDraining()
	log.Info("http server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	return nil
}
