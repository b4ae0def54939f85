//go:build integration

package cache_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/testsupport"
)

func TestRedis_PoolMonitor_Integration(t *testing.T) {
	ctx := context.Background()
	redisCtr, err := testsupport.StartRedisContainer(ctx)
	require.NoError(t, err)
	defer redisCtr.Terminate(ctx)

	endpoint, err := redisCtr.Container.PortEndpoint(ctx, "6379/tcp", "")
	require.NoError(t, err)

	// A small pool makes exhaustion reachable with a handful of goroutines.
	client := redis.NewClient(&redis.Options{Addr: endpoint, PoolSize: 3})
	defer client.Close()

	monitorCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go cache.RunPoolMonitor(monitorCtx, client, 10*time.Millisecond)

	t.Run("reports pool gauges", func(t *testing.T) {
		require.NoError(t, client.Set(ctx, "gauge-probe", "v", time.Minute).Err())

		require.Eventually(t, func() bool {
			total := testsupport.GetMetricValue(t, "bifrost_redis_pool_connections", map[string]string{"state": "total"})
			stale := testsupport.GetMetricValue(t, "bifrost_redis_pool_connections", map[string]string{"state": "stale"})
			return total > 0 && stale <= total
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("counts pool hits on connection reuse", func(t *testing.T) {
		for range 10 {
			client.Get(ctx, "gauge-probe")
		}

		require.Eventually(t, func() bool {
			return testsupport.GetMetricValue(t, "bifrost_redis_pool_hits_total", nil) > 0
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("misses and timeouts never decrease", func(t *testing.T) {
		initialMisses := testsupport.GetMetricValue(t, "bifrost_redis_pool_misses_total", nil)
		initialTimeouts := testsupport.GetMetricValue(t, "bifrost_redis_pool_timeouts_total", nil)

		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				key := fmt.Sprintf("pressure-%d", i)
				_ = client.Set(ctx, key, i, time.Second).Err()
				time.Sleep(100 * time.Millisecond)
				_ = client.Get(ctx, key).Err()
			}()
		}
		wg.Wait()

		tight, cancelTight := context.WithTimeout(ctx, time.Millisecond)
		defer cancelTight()
		for range 5 {
			_ = client.Get(tight, "pressure-0").Err()
		}
		time.Sleep(50 * time.Millisecond)

		assert.GreaterOrEqual(t, testsupport.GetMetricValue(t, "bifrost_redis_pool_misses_total", nil), initialMisses)
		assert.GreaterOrEqual(t, testsupport.GetMetricValue(t, "bifrost_redis_pool_timeouts_total", nil), initialTimeouts)
	})
}
