// Package database provides the PostgreSQL connection factory, pool metrics and
// schema migrations for the flag registry.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/observability"
)

// NewPostgresPool initializes a PostgreSQL connection pool from cfg and pings it
// with exponential backoff. The caller owns the returned pool.
func NewPostgresPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config cannot be nil")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	maxRetries := max(cfg.PingMaxRetries, 1)
	backoff := cfg.PingBackoff
	log := logger.FromContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout(cfg))
		lastErr = pool.Ping(pingCtx)
		cancel()

		if lastErr == nil {
			log.Info("postgres ping successful", slog.Int("attempt", attempt))
			return pool, nil
		}

		log.Warn("postgres ping failed", slog.Int("attempt", attempt), slog.Int("max_retries", maxRetries), slog.Any("error", lastErr))
		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				pool.Close()
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to postgres after %d retries: %w", maxRetries, lastErr)
}

func pingTimeout(cfg *config.DatabaseConfig) time.Duration {
	if cfg.ConnectTimeout > 0 {
		return cfg.ConnectTimeout
	}
	return 5 * time.Second
}

// RunPoolMonitor publishes pgxpool statistics every interval until ctx is
// cancelled. Cumulative pool counters are exported as deltas.
func RunPoolMonitor(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		lastAcquire  int64
		lastWait     int64
		lastDuration time.Duration
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := pool.Stat()

			observability.DatabasePoolConnections.WithLabelValues("max").Set(float64(s.MaxConns()))
			observability.DatabasePoolConnections.WithLabelValues("total").Set(float64(s.TotalConns()))
			observability.DatabasePoolConnections.WithLabelValues("idle").Set(float64(s.IdleConns()))
			observability.DatabasePoolConnections.WithLabelValues("in_use").Set(float64(s.AcquiredConns()))

			if n := s.AcquireCount(); n > lastAcquire {
				observability.DatabasePoolAcquireCount.Add(float64(n - lastAcquire))
				lastAcquire = n
			}
			if d := s.AcquireDuration(); d > lastDuration {
				observability.DatabasePoolAcquireDuration.Add((d - lastDuration).Seconds())
				lastDuration = d
			}
			if n := s.EmptyAcquireCount(); n > lastWait {
				observability.DatabasePoolWaitCount.Add(float64(n - lastWait))
				lastWait = n
			}
		}
	}
}
