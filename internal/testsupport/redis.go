package testsupport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/config"
)

const redisImage = "redis:7-alpine"

// RedisContainer is a throwaway Redis for the L2 cache and the change feed.
type RedisContainer struct {
	Container testcontainers.Container
	// Client is connected through cache.NewRedisClient, as the binaries do.
	Client *redis.Client
	// Config points at the container and can build further clients.
	Config *config.RedisConfig
}

// Terminate closes the client and removes the container.
func (c *RedisContainer) Terminate(ctx context.Context) error {
	_ = c.Client.Close()
	return c.Container.Terminate(ctx)
}

// StartRedisContainer starts Redis and connects a client under the
// "bifrost" key prefix.
func StartRedisContainer(ctx context.Context) (_ *RedisContainer, err error) {
	ctr, err := tcredis.Run(ctx, redisImage)
	if err != nil {
		return nil, fmt.Errorf("failed to start redis container: %w", err)
	}
	defer func() {
		if err != nil {
			_ = ctr.Terminate(context.WithoutCancel(ctx))
		}
	}()

	endpoint, err := ctr.PortEndpoint(ctx, "6379/tcp", "")
	if err != nil {
		return nil, fmt.Errorf("failed to get redis endpoint: %w", err)
	}
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return nil, fmt.Errorf("unexpected redis endpoint %q: %w", endpoint, err)
	}

	cfg := &config.RedisConfig{
		Host:           host,
		Port:           port,
		PoolSize:       10,
		DialTimeout:    5 * time.Second,
		ReadTimeout:    3 * time.Second,
		WriteTimeout:   3 * time.Second,
		PoolTimeout:    4 * time.Second,
		PingMaxRetries: 5,
		PingBackoff:    500 * time.Millisecond,
		KeyPrefix:      "bifrost",
	}
	client, err := cache.NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}

	return &RedisContainer{Container: ctr, Client: client, Config: cfg}, nil
}
