package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthChecker implements the observability.Checker interface for PostgreSQL.
// Beyond connectivity it confirms the registry schema is in place, so an
// instance started against an unmigrated database reports unready.
type HealthChecker struct {
	pool *pgxpool.Pool
}

// NewHealthChecker creates a new health checker for the given database pool.
func NewHealthChecker(pool *pgxpool.Pool) *HealthChecker {
	return &HealthChecker{pool: pool}
}

// Name returns the component name.
func (h *HealthChecker) Name() string {
	return "postgres"
}

// Check pings the database and probes the flags table.
func (h *HealthChecker) Check(ctx context.Context) error {
	if h.pool == nil {
		return fmt.Errorf("database connection is nil")
	}
	if err := h.pool.Ping(ctx); err != nil {
		return err
	}
	if _, err := h.pool.Exec(ctx, "SELECT 1 FROM flags LIMIT 0"); err != nil {
		return fmt.Errorf("registry schema unavailable: %w", err)
	}
	return nil
}
