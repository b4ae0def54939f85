// Package cache holds the engine's caching layers: the in-process evaluation
// cache (L1, otter) and the Redis-backed registry cache and change feed (L2).
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"
	"golang.org/x/sync/singleflight"

	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// Evaluator computes results on a cache miss.
type Evaluator interface {
	EvaluateTraced(ctx context.Context, flagKey string, ectx ruleengine.EvaluationContext) (ruleengine.EvaluationResult, []string)
	EvaluateManyTraced(ctx context.Context, flagKeys []string, ectx ruleengine.EvaluationContext) map[string]ruleengine.Traced
	KnownDefault(flagKey string) (ruleengine.Value, bool)
}

// Config tunes the evaluation cache.
type Config struct {
	// TTL is the hard expiry of an entry.
	TTL time.Duration
	// Capacity is the maximum number of entries (hard cap to prevent OOM).
	Capacity int
	// RefreshAhead is the entry age after which a hit is served and refreshed
	// in the background. Zero disables it.
	RefreshAhead time.Duration
	// LazyWait bounds how long Get waits on a miss. Zero waits for the result.
	LazyWait time.Duration
}

type entryKey struct {
	flagKey     string
	fingerprint uint64
}

type entry struct {
	result     ruleengine.EvaluationResult
	insertedAt time.Time
	stamp      uint64
	// touched holds the flag itself and every dependency it was derived from.
	touched []string
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Size      int
	Hits      int64
	Misses    int64
	Evictions int64
	Dropped   int64
}

// EvaluationCache caches evaluation results keyed by (flag key, context
// fingerprint) on top of otter's S3-FIFO store. Hits never block each other;
// misses are populated through one in-flight evaluation per entry.
type EvaluationCache struct {
	logger *slog.Logger
	cfg    Config
	eval   Evaluator
	store  otter.Cache[entryKey, *entry]
	gens   *generations
	group  singleflight.Group
	closed atomic.Bool
}

// NewEvaluationCache creates the cache. The caller owns it and must Close it.
func NewEvaluationCache(log *slog.Logger, cfg Config, eval Evaluator) (*EvaluationCache, error) {
	if log == nil {
		log = slog.Default()
	}
	validation.AssertPresent(eval, "evaluator")

	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %s", cfg.TTL)
	}

	store, err := otter.MustBuilder[entryKey, *entry](cfg.Capacity).
		CollectStats().
		WithTTL(cfg.TTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build evaluation cache: %w", err)
	}

	return &EvaluationCache{
		logger: log,
		cfg:    cfg,
		eval:   eval,
		store:  store,
		gens:   newGenerations(),
	}, nil
}

// Lookup returns a current cached result without evaluating.
func (c *EvaluationCache) Lookup(flagKey string, ectx ruleengine.EvaluationContext) (ruleengine.EvaluationResult, bool) {
	e, ok := c.current(entryKey{flagKey, ectx.Fingerprint()})
	if !ok {
		return ruleengine.EvaluationResult{}, false
	}
	return e.result, true
}

// current returns the entry for k if it exists and no relevant invalidation
// happened since its evaluation began.
func (c *EvaluationCache) current(k entryKey) (*entry, bool) {
	e, ok := c.store.Get(k)
	if !ok {
		observability.CacheMisses.Inc()
		return nil, false
	}
	if !c.gens.valid(e.stamp, e.touched) {
		observability.CacheStaleRejected.Inc()
		observability.CacheMisses.Inc()
		return nil, false
	}
	observability.CacheHits.Inc()
	return e, true
}

// Get returns the cached result for flagKey under ectx, evaluating on a miss.
//
// With LazyWait set, a miss that takes longer than the wait is answered with
// the flag's known default (reason DEFAULT) while the evaluation finishes in
// the background for subsequent calls.
func (c *EvaluationCache) Get(ctx context.Context, flagKey string, ectx ruleengine.EvaluationContext) ruleengine.EvaluationResult {
	k := entryKey{flagKey, ectx.Fingerprint()}

	if e, ok := c.current(k); ok {
		if c.cfg.RefreshAhead > 0 && time.Since(e.insertedAt) >= c.cfg.RefreshAhead {
			observability.CacheRefreshes.Inc()
			c.populate(ctx, k, ectx)
		}
		return e.result
	}

	ch := c.populate(ctx, k, ectx)

	var timeout <-chan time.Time
	if c.cfg.LazyWait > 0 {
		timer := time.NewTimer(c.cfg.LazyWait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-ch:
		return r.Val.(ruleengine.EvaluationResult)
	case <-timeout:
		observability.CacheLazyFallbacks.Inc()
		def, _ := c.eval.KnownDefault(flagKey)
		return ruleengine.Off(flagKey, def, ruleengine.ReasonDefault)
	case <-ctx.Done():
		logger.FromContextOr(ctx, c.logger).Warn("evaluation abandoned by caller",
			slog.String("flag_key", flagKey),
			slog.String("error", ctx.Err().Error()),
		)
		def, _ := c.eval.KnownDefault(flagKey)
		return ruleengine.Off(flagKey, def, ruleengine.ReasonEvaluationError)
	}
}

// populate starts (or joins) the evaluation for k. The evaluation is owned by
// the cache: it keeps the caller's values (logger, trace) but not its
// cancellation, so an abandoned wait still fills the cache.
func (c *EvaluationCache) populate(ctx context.Context, k entryKey, ectx ruleengine.EvaluationContext) <-chan singleflight.Result {
	detached := context.WithoutCancel(ctx)
	flightKey := k.flagKey + "\x00" + strconv.FormatUint(k.fingerprint, 16)

	return c.group.DoChan(flightKey, func() (any, error) {
		stamp := c.gens.stamp()
		res, touched := c.eval.EvaluateTraced(detached, k.flagKey, ectx)
		c.put(k, res, touched, stamp)
		return res, nil
	})
}

// GetMany returns results for every key, evaluating all misses in one
// batched evaluation. It always waits for the results.
func (c *EvaluationCache) GetMany(ctx context.Context, flagKeys []string, ectx ruleengine.EvaluationContext) map[string]ruleengine.EvaluationResult {
	fp := ectx.Fingerprint()
	out := make(map[string]ruleengine.EvaluationResult, len(flagKeys))

	var misses []string
	for _, key := range flagKeys {
		if e, ok := c.current(entryKey{key, fp}); ok {
			out[key] = e.result
			continue
		}
		misses = append(misses, key)
	}
	if len(misses) == 0 {
		return out
	}

	stamp := c.gens.stamp()
	for key, t := range c.eval.EvaluateManyTraced(ctx, misses, ectx) {
		c.put(entryKey{key, fp}, t.Result, t.Touched, stamp)
		out[key] = t.Result
	}
	return out
}

// put stores a result unless it is transient or already stale.
func (c *EvaluationCache) put(k entryKey, res ruleengine.EvaluationResult, touched []string, stamp uint64) {
	if !res.Cacheable() || c.closed.Load() {
		return
	}
	if len(touched) == 0 {
		touched = []string{k.flagKey}
	}
	if !c.gens.valid(stamp, touched) {
		// Invalidated while evaluating; the next Get re-evaluates.
		return
	}
	c.store.Set(k, &entry{
		result:     res,
		insertedAt: time.Now(),
		stamp:      stamp,
		touched:    touched,
	})
}

// Invalidate drops every entry for flagKey and every entry derived from it
// through a dependency, across all context fingerprints.
func (c *EvaluationCache) Invalidate(flagKey string) {
	observability.CacheInvalidations.WithLabelValues("flag").Inc()

	// Bump first: from here on no read can return a stale entry, even one
	// written by an evaluation still in flight.
	c.gens.bump(flagKey)
	c.store.DeleteByFunc(func(_ entryKey, e *entry) bool {
		return slices.Contains(e.touched, flagKey)
	})
}

// InvalidateAll drops every entry.
func (c *EvaluationCache) InvalidateAll() {
	observability.CacheInvalidations.WithLabelValues("all").Inc()

	c.gens.bumpAll()
	c.store.Clear()
}

// Stats reports the store's counters.
func (c *EvaluationCache) Stats() Stats {
	s := c.store.Stats()
	return Stats{
		Size:      c.store.Size(),
		Hits:      s.Hits(),
		Misses:    s.Misses(),
		Evictions: s.EvictedCount(),
		Dropped:   s.RejectedSets(),
	}
}

// RunMetricsCollector publishes store gauges and counters every interval
// until ctx is cancelled.
func (c *EvaluationCache) RunMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastEvictions, lastDropped int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := c.Stats()
			observability.CacheItems.Set(float64(s.Size))

			if d := s.Evictions - lastEvictions; d > 0 {
				observability.CacheEvictions.Add(float64(d))
			}
			if d := s.Dropped - lastDropped; d > 0 {
				observability.CacheDropped.Add(float64(d))
			}
			lastEvictions, lastDropped = s.Evictions, s.Dropped
		}
	}
}

// Close stops the store's background goroutines. Evaluations still in flight
// complete but are no longer stored.
func (c *EvaluationCache) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.store.Close()
}
