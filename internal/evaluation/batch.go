package evaluation

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// ResultSource answers many flags under one context, evaluating whatever it
// does not already hold in a single batched evaluation.
type ResultSource interface {
	GetMany(ctx context.Context, flagKeys []string, ectx ruleengine.EvaluationContext) map[string]ruleengine.EvaluationResult
}

// DefaultLookup returns the last known default value of a flag.
type DefaultLookup interface {
	KnownDefault(flagKey string) (ruleengine.Value, bool)
}

// BatchEvaluator evaluates a set of flags for one context. Identical
// concurrent requests (same fingerprint, same key set) share one evaluation.
type BatchEvaluator struct {
	logger   *slog.Logger
	source   ResultSource
	defaults DefaultLookup
	group    singleflight.Group
}

// NewBatchEvaluator creates a BatchEvaluator over source.
func NewBatchEvaluator(log *slog.Logger, source ResultSource, defaults DefaultLookup) *BatchEvaluator {
	validation.AssertPresent(source, "result source")
	validation.AssertPresent(defaults, "default lookup")
	if log == nil {
		log = slog.Default()
	}
	return &BatchEvaluator{logger: log, source: source, defaults: defaults}
}

// EvaluateAll returns one result per distinct key. An empty key set yields an
// empty map. The returned map belongs to the caller.
func (b *BatchEvaluator) EvaluateAll(ctx context.Context, flagKeys []string, ectx ruleengine.EvaluationContext) map[string]ruleengine.EvaluationResult {
	keys := normalizeKeys(flagKeys)
	if len(keys) == 0 {
		return map[string]ruleengine.EvaluationResult{}
	}
	observability.BatchSize.Observe(float64(len(keys)))

	// The shared evaluation outlives any single caller.
	detached := context.WithoutCancel(ctx)
	ch := b.group.DoChan(coalescingKey(ectx.Fingerprint(), keys), func() (any, error) {
		return b.source.GetMany(detached, keys, ectx), nil
	})

	select {
	case r := <-ch:
		observability.BatchRequestsTotal.WithLabelValues(strconv.FormatBool(r.Shared)).Inc()
		return maps.Clone(r.Val.(map[string]ruleengine.EvaluationResult))
	case <-ctx.Done():
		logger.FromContextOr(ctx, b.logger).Warn("batch evaluation abandoned by caller",
			slog.Int("flag_count", len(keys)),
			slog.String("error", ctx.Err().Error()),
		)
		out := make(map[string]ruleengine.EvaluationResult, len(keys))
		for _, k := range keys {
			def, _ := b.defaults.KnownDefault(k)
			out[k] = ruleengine.Off(k, def, ruleengine.ReasonEvaluationError)
		}
		return out
	}
}

// normalizeKeys drops blanks and duplicates and sorts the rest.
func normalizeKeys(flagKeys []string) []string {
	keys := make([]string, 0, len(flagKeys))
	for _, k := range flagKeys {
		if k != "" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

func coalescingKey(fingerprint uint64, sortedKeys []string) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(fingerprint, 16))
	for _, k := range sortedKeys {
		b.WriteByte(0)
		b.WriteString(k)
	}
	return b.String()
}
