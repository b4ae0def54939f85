// Package testsupport starts throwaway PostgreSQL and Redis containers for
// integration tests and inspects the Prometheus registry.
package testsupport

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/database"
)

const postgresImage = "postgres:16-alpine"

// PostgresContainer is a migrated registry database.
type PostgresContainer struct {
	Container        testcontainers.Container
	DB               *pgxpool.Pool
	ConnectionString string
}

// Terminate closes the pool and removes the container.
func (c *PostgresContainer) Terminate(ctx context.Context) error {
	c.DB.Close()
	return c.Container.Terminate(ctx)
}

// ResetTables truncates every registry table between tests sharing a container.
func (c *PostgresContainer) ResetTables(ctx context.Context) error {
	_, err := c.DB.Exec(ctx, "TRUNCATE flag_values, flags, flag_tombstones")
	return err
}

// StartPostgresContainer starts PostgreSQL, connects through
// database.NewPostgresPool and applies the embedded migrations, triggers
// included.
func StartPostgresContainer(ctx context.Context) (_ *PostgresContainer, err error) {
	ctr, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase("bifrost_test"),
		postgres.WithUsername("bifrost"),
		postgres.WithPassword("bifrost"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}
	defer func() {
		if err != nil {
			_ = ctr.Terminate(context.WithoutCancel(ctx))
		}
	}()

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	pool, err := database.NewPostgresPool(ctx, &config.DatabaseConfig{
		URL:             dsn,
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: 30 * time.Minute,
		MaxConnIdleTime: 5 * time.Minute,
		ConnectTimeout:  5 * time.Second,
		PingMaxRetries:  5,
		PingBackoff:     500 * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	if err = database.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresContainer{Container: ctr, DB: pool, ConnectionString: dsn}, nil
}
