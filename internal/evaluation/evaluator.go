// Package evaluation implements flag evaluation: the Evaluator that turns a flag
// key and an EvaluationContext into an EvaluationResult, the dependency
// resolver it recurses through, the Batch Evaluator and the Engine facade.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/registry"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/validation"
)

const tracerName = "github.com/rafaeljc/bifrost/internal/evaluation"

// Config holds the Evaluator settings.
type Config struct {
	// RegistryTimeout bounds every registry lookup. Zero means unbounded.
	RegistryTimeout time.Duration
}

// Evaluator computes evaluation results against a flag registry. It never
// returns an error and never panics to the caller: failures become
// EVALUATION_ERROR results carrying the flag's default when it is known.
type Evaluator struct {
	logger   *slog.Logger
	cfg      Config
	registry registry.Registry
	values   registry.ValuesBatcher // nil when the registry cannot batch overrides
	matcher  *ruleengine.Matcher
	tracer   trace.Tracer

	// defaults remembers the last default value seen per flag key, so failures
	// and lazy cache fallbacks can answer with it without another lookup.
	defaults sync.Map
}

// NewEvaluator creates an Evaluator over reg.
func NewEvaluator(log *slog.Logger, cfg Config, reg registry.Registry) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	validation.AssertPresent(reg, "flag registry")

	e := &Evaluator{
		logger:   log,
		cfg:      cfg,
		registry: reg,
		matcher:  ruleengine.NewMatcher(log),
		tracer:   otel.Tracer(tracerName),
	}
	if vb, ok := reg.(registry.ValuesBatcher); ok {
		e.values = vb
	}
	return e
}

// Evaluate computes the result of one flag.
func (e *Evaluator) Evaluate(ctx context.Context, flagKey string, ectx ruleengine.EvaluationContext) ruleengine.EvaluationResult {
	res, _ := e.EvaluateTraced(ctx, flagKey, ectx)
	return res
}

// EvaluateTraced computes the result of one flag and also returns the keys of
// every flag the result was derived from.
func (e *Evaluator) EvaluateTraced(ctx context.Context, flagKey string, ectx ruleengine.EvaluationContext) (res ruleengine.EvaluationResult, touched []string) {
	ctx, span := e.tracer.Start(ctx, "evaluation.Evaluate", trace.WithAttributes(
		attribute.String("flag.key", flagKey),
		attribute.String("environment", ectx.Environment),
	))
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			e.recovered(ctx, p)
			res, touched = e.errorResult(flagKey), []string{flagKey}
		}
		span.SetAttributes(attribute.String("evaluation.reason", string(res.Reason)))
		span.End()
		observability.EngineEvaluationDuration.WithLabelValues("single").Observe(time.Since(start).Seconds())
		observability.EngineEvaluationsTotal.WithLabelValues(string(res.Reason)).Inc()
	}()

	s := e.newSession(ectx)
	res = s.evaluate(ctx, flagKey)
	return res, s.touched[flagKey]
}

// EvaluateMany computes several flags under one context in a single session.
func (e *Evaluator) EvaluateMany(ctx context.Context, flagKeys []string, ectx ruleengine.EvaluationContext) map[string]ruleengine.EvaluationResult {
	traced := e.EvaluateManyTraced(ctx, flagKeys, ectx)
	out := make(map[string]ruleengine.EvaluationResult, len(traced))
	for k, t := range traced {
		out[k] = t.Result
	}
	return out
}

// EvaluateManyTraced is EvaluateMany with per-key dependency traces. Flag
// definitions are fetched with one GetFlagsBatch per dependency depth, and
// overrides with one GetFlagValuesBatch when the registry supports it.
func (e *Evaluator) EvaluateManyTraced(ctx context.Context, flagKeys []string, ectx ruleengine.EvaluationContext) (out map[string]ruleengine.Traced) {
	ctx, span := e.tracer.Start(ctx, "evaluation.EvaluateMany", trace.WithAttributes(
		attribute.Int("flag.count", len(flagKeys)),
		attribute.String("environment", ectx.Environment),
	))
	start := time.Now()
	out = make(map[string]ruleengine.Traced, len(flagKeys))

	defer func() {
		if p := recover(); p != nil {
			e.recovered(ctx, p)
			for _, k := range flagKeys {
				if _, done := out[k]; !done {
					out[k] = ruleengine.Traced{Result: e.errorResult(k), Touched: []string{k}}
				}
			}
		}
		span.End()
		observability.EngineEvaluationDuration.WithLabelValues("batch").Observe(time.Since(start).Seconds())
		for _, t := range out {
			observability.EngineEvaluationsTotal.WithLabelValues(string(t.Result.Reason)).Inc()
		}
	}()

	s := e.newSession(ectx)
	s.prefetch(ctx, flagKeys)
	for _, k := range flagKeys {
		out[k] = ruleengine.Traced{Result: s.evaluate(ctx, k), Touched: s.touched[k]}
	}
	return out
}

// KnownDefault returns the last default value observed for flagKey without
// touching the registry.
func (e *Evaluator) KnownDefault(flagKey string) (ruleengine.Value, bool) {
	v, ok := e.defaults.Load(flagKey)
	if !ok {
		return ruleengine.Null(), false
	}
	return v.(ruleengine.Value), true
}

func (e *Evaluator) errorResult(flagKey string) ruleengine.EvaluationResult {
	def, _ := e.KnownDefault(flagKey)
	return ruleengine.Off(flagKey, def, ruleengine.ReasonEvaluationError)
}

func (e *Evaluator) recovered(ctx context.Context, p any) {
	observability.EnginePanicsRecovered.Inc()
	logger.FromContextOr(ctx, e.logger).Error("recovered panic in evaluation", slog.Any("panic", p))
	trace.SpanFromContext(ctx).SetStatus(codes.Error, fmt.Sprint(p))
}

// bound applies the registry timeout to ctx.
func (e *Evaluator) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.RegistryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.RegistryTimeout)
}

func (e *Evaluator) lookupFlag(ctx context.Context, key string) (*ruleengine.FeatureFlag, error) {
	ctx, span := e.tracer.Start(ctx, "registry.GetFlag", trace.WithAttributes(attribute.String("flag.key", key)))
	defer span.End()
	ctx, cancel := e.bound(ctx)
	defer cancel()

	start := time.Now()
	flag, err := e.registry.GetFlag(ctx, key)
	observeLookup(span, "get_flag", start, err)
	return flag, err
}

func (e *Evaluator) lookupFlags(ctx context.Context, keys []string) (map[string]*ruleengine.FeatureFlag, error) {
	ctx, span := e.tracer.Start(ctx, "registry.GetFlagsBatch", trace.WithAttributes(attribute.Int("flag.count", len(keys))))
	defer span.End()
	ctx, cancel := e.bound(ctx)
	defer cancel()

	start := time.Now()
	flags, err := e.registry.GetFlagsBatch(ctx, keys)
	observeLookup(span, "get_flags_batch", start, err)
	return flags, err
}

func (e *Evaluator) lookupValue(ctx context.Context, flagID, environment string) (*ruleengine.FlagValue, error) {
	ctx, span := e.tracer.Start(ctx, "registry.GetFlagValue", trace.WithAttributes(
		attribute.String("flag.id", flagID),
		attribute.String("environment", environment),
	))
	defer span.End()
	ctx, cancel := e.bound(ctx)
	defer cancel()

	start := time.Now()
	value, err := e.registry.GetFlagValue(ctx, flagID, environment)
	observeLookup(span, "get_flag_value", start, err)
	return value, err
}

func (e *Evaluator) lookupValues(ctx context.Context, flagIDs []string, environment string) (map[string]*ruleengine.FlagValue, error) {
	ctx, span := e.tracer.Start(ctx, "registry.GetFlagValuesBatch", trace.WithAttributes(
		attribute.Int("flag.count", len(flagIDs)),
		attribute.String("environment", environment),
	))
	defer span.End()
	ctx, cancel := e.bound(ctx)
	defer cancel()

	start := time.Now()
	values, err := e.values.GetFlagValuesBatch(ctx, flagIDs, environment)
	observeLookup(span, "get_flag_values_batch", start, err)
	return values, err
}

func observeLookup(span trace.Span, operation string, start time.Time, err error) {
	observability.RegistryLookupDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		result = "timeout"
	default:
		result = "error"
	}
	observability.RegistryLookupsTotal.WithLabelValues(operation, result).Inc()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
