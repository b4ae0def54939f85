package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NOTE: All metrics are defined globally here, so every binary registers the
// full set (the syncer exposes zero-valued engine metrics and vice versa).

// namespace defines the global prefix for all metrics (e.g., bifrost_...).
const namespace = "bifrost"

// lowLatencyBuckets covers the evaluation hot path. Standard buckets start at
// 5ms, which is coarser than a cache hit. Range: 50µs to 500ms.
var lowLatencyBuckets = []float64{.00005, .0001, .00025, .0005, .001, .002, .005, .010, .025, .050, .100, .250, .500}

var (
	// -------------------------------------------------------------------------
	// ENGINE (Evaluator + Batch Evaluator)
	// -------------------------------------------------------------------------

	// EngineEvaluationsTotal counts final evaluation results by reason.
	// Metric: bifrost_engine_evaluations_total
	EngineEvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "evaluations_total",
		Help:      "Total flag evaluations computed by the evaluator, by reason",
	}, []string{"reason"})

	// EngineEvaluationDuration measures evaluator sessions (cache misses only).
	// Metric: bifrost_engine_evaluation_duration_seconds
	EngineEvaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "evaluation_duration_seconds",
		Help:      "Time taken by the evaluator to compute results",
		Buckets:   lowLatencyBuckets,
	}, []string{"mode"}) // single, batch

	// EnginePanicsRecovered counts panics converted into EVALUATION_ERROR results.
	EnginePanicsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "panics_recovered_total",
		Help:      "Total panics recovered in the evaluation path",
	})

	// EngineDependencyCycles counts dependency chains that revisited a flag.
	// Non-zero means malformed registry data slipped past write-time validation.
	EngineDependencyCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "dependency_cycles_total",
		Help:      "Total dependency cycles detected during evaluation",
	})

	// --- Batch ---

	// BatchRequestsTotal counts batch evaluations; coalesced=true means the caller
	// joined an identical in-flight batch instead of running its own.
	BatchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "batch_requests_total",
		Help:      "Total batch evaluation requests",
	}, []string{"coalesced"})

	// BatchSize observes the number of distinct keys per batch.
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "batch_size_keys",
		Help:      "Distinct flag keys per batch evaluation",
		Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200},
	})

	// -------------------------------------------------------------------------
	// REGISTRY (Postgres / Redis L2 / Memory)
	// -------------------------------------------------------------------------

	// RegistryLookupsTotal counts registry calls made by the evaluator.
	// Metric: bifrost_registry_lookups_total
	RegistryLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "lookups_total",
		Help:      "Total registry lookups made during evaluation",
	}, []string{"operation", "result"}) // result: ok, error, timeout

	// RegistryLookupDuration measures registry call latency.
	RegistryLookupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "lookup_duration_seconds",
		Help:      "Time taken by registry lookups",
		Buckets:   lowLatencyBuckets,
	}, []string{"operation"})

	// RegistryL2Hits counts records served from the Redis L2 registry.
	RegistryL2Hits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "l2_hits_total",
		Help:      "Total registry records served from Redis",
	})

	// RegistryL2Misses counts records that fell through to the backing registry.
	RegistryL2Misses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "l2_misses_total",
		Help:      "Total registry records not found in Redis",
	})

	// RegistryL2Errors counts Redis failures; the decorator falls through on error.
	RegistryL2Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "l2_errors_total",
		Help:      "Total Redis errors in the L2 registry",
	}, []string{"operation"})

	// -------------------------------------------------------------------------
	// EVALUATION CACHE (Otter)
	// -------------------------------------------------------------------------

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total evaluation cache hits",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total evaluation cache misses",
	})

	// CacheStaleRejected counts entries found but discarded because an
	// invalidation happened after their evaluation began.
	CacheStaleRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "stale_rejected_total",
		Help:      "Total cache entries rejected by generation check",
	})

	// CacheLazyFallbacks counts misses answered with the default because the
	// populate did not finish within the lazy wait.
	CacheLazyFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lazy_fallbacks_total",
		Help:      "Total misses served with the default value while populating in background",
	})

	// CacheRefreshes counts background refresh-ahead evaluations.
	CacheRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "refreshes_total",
		Help:      "Total background refreshes of ageing entries",
	})

	// CacheInvalidations counts invalidation calls by scope (flag, all).
	CacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "invalidations_total",
		Help:      "Total cache invalidations",
	}, []string{"scope"})

	// Otter's S3-FIFO tracks item count efficiently, but not byte size.
	CacheItems = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "items_count",
		Help:      "Current number of entries in the evaluation cache",
	})

	// CacheEvictions mirrors otter's evicted count (capacity pressure and expiry).
	// Essential for tuning capacity.
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Total entries evicted from the evaluation cache",
	})

	// CacheDropped tracks sets rejected by otter (write buffer contention).
	CacheDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "dropped_total",
		Help:      "Total sets dropped by the evaluation cache",
	})

	// -------------------------------------------------------------------------
	// REDIS (go-redis pool)
	// -------------------------------------------------------------------------

	// RedisPoolConnections reports pool gauges by state (total, idle, stale).
	RedisPoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "pool_connections",
		Help:      "Redis connection pool gauges by state",
	}, []string{"state"})

	RedisPoolHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "pool_hits_total",
		Help:      "Times a free connection was found in the pool",
	})

	RedisPoolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "pool_misses_total",
		Help:      "Times a free connection was not found in the pool",
	})

	RedisPoolTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "pool_timeouts_total",
		Help:      "Times a wait for a pool connection timed out",
	})

	// -------------------------------------------------------------------------
	// HTTP (REST API)
	// -------------------------------------------------------------------------

	// HTTPReqDuration measures the latency of HTTP requests.
	// Metric: bifrost_http_handling_seconds
	HTTPReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "handling_seconds",
		Help:      "Time taken to handle HTTP requests",
		Buckets:   lowLatencyBuckets,
	}, []string{"method", "path"})

	// HTTPReqTotal counts the total number of HTTP requests.
	// Metric: bifrost_http_requests_total
	HTTPReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests",
	}, []string{"method", "path", "code"})

	// -------------------------------------------------------------------------
	// gRPC
	// -------------------------------------------------------------------------

	// GRPCDuration measures the latency of gRPC requests.
	// Metric: bifrost_grpc_handling_seconds
	GRPCDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "grpc",
		Name:      "handling_seconds",
		Help:      "Time taken to handle gRPC requests",
		Buckets:   lowLatencyBuckets,
	}, []string{"method", "code"})

	// GRPCTotal counts the total number of gRPC requests.
	// Metric: bifrost_grpc_requests_total
	GRPCTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grpc",
		Name:      "requests_total",
		Help:      "Total gRPC requests",
	}, []string{"method", "code"})

	// -------------------------------------------------------------------------
	// CHANGE FEED
	// -------------------------------------------------------------------------

	// ChangeFeedEventsTotal counts change events received per source and kind.
	ChangeFeedEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "changefeed",
		Name:      "events_total",
		Help:      "Total change events received",
	}, []string{"source", "kind"})

	// ChangeFeedErrorsTotal counts source failures (each one triggers a reconnect).
	ChangeFeedErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "changefeed",
		Name:      "errors_total",
		Help:      "Total change feed source errors",
	}, []string{"source"})

	// ChangeFeedPublishedTotal counts events written to a sink.
	ChangeFeedPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "changefeed",
		Name:      "published_total",
		Help:      "Total change events published",
	}, []string{"sink", "status"}) // status: success, fail

	// -------------------------------------------------------------------------
	// SYNCER (Workers)
	// -------------------------------------------------------------------------

	// SyncerCycleDuration measures one poll-refresh-publish cycle.
	// Metric: bifrost_syncer_cycle_duration_seconds
	SyncerCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "cycle_duration_seconds",
		Help:      "Time taken by one sync cycle",
		Buckets:   prometheus.DefBuckets,
	})

	SyncerCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "cycles_total",
		Help:      "Total sync cycles",
	}, []string{"status"}) // success, fail

	SyncerFlagsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "flags_total",
		Help:      "Total changed flags propagated",
	}, []string{"status"}) // success, fail

	// SyncerLagSeconds is the age of the sync cursor after the last cycle.
	SyncerLagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "cursor_lag_seconds",
		Help:      "Seconds between now and the sync cursor",
	})

	// -------------------------------------------------------------------------
	// DATABASE (pgxpool)
	// -------------------------------------------------------------------------

	// DatabasePoolConnections reports pool gauges by state (max, total, idle, in_use).
	DatabasePoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_connections",
		Help:      "Connection pool gauges by state",
	}, []string{"state"})

	// DatabasePoolAcquireCount mirrors pgxpool's cumulative acquire counter.
	DatabasePoolAcquireCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_count_total",
		Help:      "Cumulative successful connection acquisitions",
	})

	// DatabasePoolAcquireDuration mirrors pgxpool's cumulative acquire duration.
	DatabasePoolAcquireDuration = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_duration_seconds_total",
		Help:      "Cumulative time spent acquiring connections",
	})

	// DatabasePoolWaitCount mirrors pgxpool's cumulative empty-acquire counter.
	DatabasePoolWaitCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_wait_count_total",
		Help:      "Cumulative acquisitions that had to wait for a connection",
	})
)

// PreRegisterReasons initialises the per-reason series to zero so dashboards
// see every reason before it first occurs.
func PreRegisterReasons(reasons []string) {
	for _, r := range reasons {
		EngineEvaluationsTotal.WithLabelValues(r)
	}
}
