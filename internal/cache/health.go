package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const probeTTL = 10 * time.Second

// HealthChecker reports whether Redis can serve the L2 registry. A read-only
// replica answers PING but fails the probe write.
type HealthChecker struct {
	client   *redis.Client
	probeKey string
}

// NewHealthChecker checks client, writing its probe under prefix.
func NewHealthChecker(client *redis.Client, prefix string) *HealthChecker {
	return &HealthChecker{client: client, probeKey: prefix + ":readiness"}
}

func (h *HealthChecker) Name() string {
	return "redis"
}

func (h *HealthChecker) Check(ctx context.Context) error {
	if h.client == nil {
		return errors.New("redis client is nil")
	}
	if err := h.client.Set(ctx, h.probeKey, time.Now().Unix(), probeTTL).Err(); err != nil {
		return fmt.Errorf("redis not writable: %w", err)
	}
	return nil
}
