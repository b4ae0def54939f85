package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/changefeed"
	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/registry"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// ErrTooManyKeys is returned when a batch exceeds the configured key limit.
var ErrTooManyKeys = errors.New("too many flag keys in batch")

// Forgetter drops a flag's records from an intermediate registry cache.
type Forgetter interface {
	Forget(ctx context.Context, flagKey, flagID string) error
}

// Engine is the entry point used by the transports: the evaluator behind the
// evaluation cache and the batch evaluator, plus invalidation.
type Engine struct {
	logger    *slog.Logger
	evaluator *Evaluator
	cache     *cache.EvaluationCache
	batch     *BatchEvaluator
	maxKeys   int

	// l2 is forgotten before local invalidation when changes can reach the
	// engine ahead of the L2 refresh. Nil otherwise.
	l2 Forgetter
}

// NewEngine wires an engine over reg. l2 may be nil.
func NewEngine(log *slog.Logger, cfg *config.EngineConfig, reg registry.Registry, l2 Forgetter) (*Engine, error) {
	validation.AssertNotNil(cfg, "engine config")
	validation.AssertPresent(reg, "flag registry")
	if log == nil {
		log = slog.Default()
	}

	ev := NewEvaluator(log, Config{RegistryTimeout: cfg.RegistryTimeout}, reg)
	c, err := cache.NewEvaluationCache(log, cache.Config{
		TTL:          cfg.CacheTTL,
		Capacity:     cfg.CacheCapacity,
		RefreshAhead: cfg.RefreshAhead,
		LazyWait:     cfg.LazyWait,
	}, ev)
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluation cache: %w", err)
	}

	return &Engine{
		logger:    log,
		evaluator: ev,
		cache:     c,
		batch:     NewBatchEvaluator(log, c, ev),
		maxKeys:   cfg.BatchMaxKeys,
		l2:        l2,
	}, nil
}

// Evaluate returns the result of one flag, served from the cache when possible.
func (e *Engine) Evaluate(ctx context.Context, flagKey string, ectx ruleengine.EvaluationContext) ruleengine.EvaluationResult {
	return e.cache.Get(ctx, flagKey, ectx)
}

// EvaluateBatch returns one result per distinct key. It fails only when the
// distinct non-empty keys exceed the batch limit.
func (e *Engine) EvaluateBatch(ctx context.Context, flagKeys []string, ectx ruleengine.EvaluationContext) (map[string]ruleengine.EvaluationResult, error) {
	keys := normalizeKeys(flagKeys)
	if e.maxKeys > 0 && len(keys) > e.maxKeys {
		return nil, fmt.Errorf("%w: %d keys, limit %d", ErrTooManyKeys, len(keys), e.maxKeys)
	}
	return e.batch.EvaluateAll(ctx, keys, ectx), nil
}

// MaxBatchKeys is the batch limit; zero means unlimited.
func (e *Engine) MaxBatchKeys() int { return e.maxKeys }

// KnownDefault returns the last default value observed for flagKey.
func (e *Engine) KnownDefault(flagKey string) (ruleengine.Value, bool) {
	return e.evaluator.KnownDefault(flagKey)
}

// Invalidate drops cached results for flagKey and its dependents.
func (e *Engine) Invalidate(flagKey string) {
	e.cache.Invalidate(flagKey)
}

// InvalidateAll drops every cached result.
func (e *Engine) InvalidateAll() {
	e.cache.InvalidateAll()
}

// HandleChange applies a change event. It is a changefeed.Handler.
func (e *Engine) HandleChange(ctx context.Context, c changefeed.Change) {
	log := logger.FromContextOr(ctx, e.logger)

	switch c.Kind {
	case changefeed.KindAll:
		log.Info("invalidating all cached evaluations", slog.Time("changed_at", c.At))
		e.InvalidateAll()
	case changefeed.KindFlag:
		if e.l2 != nil {
			if err := e.l2.Forget(ctx, c.FlagKey, c.FlagID); err != nil {
				log.Warn("failed to forget flag in registry cache",
					slog.String("flag_key", c.FlagKey),
					slog.String("error", err.Error()),
				)
			}
		}
		log.Debug("invalidating flag", slog.String("flag_key", c.FlagKey))
		e.Invalidate(c.FlagKey)
	default:
		log.Warn("ignoring change of unknown kind", slog.String("kind", string(c.Kind)))
	}
}

// RunMetricsCollector publishes cache gauges until ctx is cancelled.
func (e *Engine) RunMetricsCollector(ctx context.Context, interval time.Duration) {
	e.cache.RunMetricsCollector(ctx, interval)
}

// Close releases the cache. The engine must not be used afterwards.
func (e *Engine) Close() {
	e.cache.Close()
}
