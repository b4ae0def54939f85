// Package provider exposes the evaluation engine as an in-process OpenFeature
// provider, so applications embedding the engine can use the OpenFeature SDK.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/open-feature/go-sdk/openfeature"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// Name is reported in the provider metadata.
const Name = "bifrost"

// Metadata keys attached to every resolution.
const (
	MetadataReason  = "bifrost.reason"
	MetadataEnabled = "bifrost.enabled"
)

// Evaluation context keys understood besides the targeting key. Anything else
// becomes a user property; keys prefixed with "custom." become custom properties.
const (
	KeyUserID       = "user_id"
	KeyTenantID     = "tenant_id"
	KeyEnvironment  = "environment"
	KeySessionToken = "session_token"
	KeyEmail        = "email"
	KeyPlan         = "plan"
	KeyRole         = "role"

	customPrefix = "custom."
)

// Evaluator is the slice of the engine the provider needs.
type Evaluator interface {
	Evaluate(ctx context.Context, flagKey string, ectx ruleengine.EvaluationContext) ruleengine.EvaluationResult
}

// Provider implements openfeature.FeatureProvider on top of an Evaluator.
type Provider struct {
	engine      Evaluator
	environment string
	logger      *slog.Logger
}

var _ openfeature.FeatureProvider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithEnvironment sets the environment used when the evaluation context has none.
func WithEnvironment(env string) Option {
	return func(p *Provider) { p.environment = strings.TrimSpace(env) }
}

// WithLogger sets the logger used for resolution failures.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a provider backed by engine.
func New(engine Evaluator, opts ...Option) *Provider {
	validation.AssertPresent(engine, "provider engine")
	p := &Provider{engine: engine, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Metadata returns the provider metadata.
func (p *Provider) Metadata() openfeature.Metadata {
	return openfeature.Metadata{Name: Name}
}

// Hooks returns no provider hooks.
func (p *Provider) Hooks() []openfeature.Hook {
	return []openfeature.Hook{}
}

// BooleanEvaluation resolves a boolean flag.
func (p *Provider) BooleanEvaluation(ctx context.Context, flag string, defaultValue bool, evalCtx openfeature.FlattenedContext) openfeature.BoolResolutionDetail {
	res, detail, ok := p.resolve(ctx, flag, evalCtx)
	if !ok {
		return openfeature.BoolResolutionDetail{Value: defaultValue, ProviderResolutionDetail: detail}
	}
	v, isBool := res.Value.AsBool()
	if !isBool {
		return openfeature.BoolResolutionDetail{Value: defaultValue, ProviderResolutionDetail: typeMismatch(flag, res, "boolean")}
	}
	return openfeature.BoolResolutionDetail{Value: v, ProviderResolutionDetail: detail}
}

// StringEvaluation resolves a string flag.
func (p *Provider) StringEvaluation(ctx context.Context, flag string, defaultValue string, evalCtx openfeature.FlattenedContext) openfeature.StringResolutionDetail {
	res, detail, ok := p.resolve(ctx, flag, evalCtx)
	if !ok {
		return openfeature.StringResolutionDetail{Value: defaultValue, ProviderResolutionDetail: detail}
	}
	v, isString := res.Value.AsString()
	if !isString {
		return openfeature.StringResolutionDetail{Value: defaultValue, ProviderResolutionDetail: typeMismatch(flag, res, "string")}
	}
	return openfeature.StringResolutionDetail{Value: v, ProviderResolutionDetail: detail}
}

// FloatEvaluation resolves a number flag.
func (p *Provider) FloatEvaluation(ctx context.Context, flag string, defaultValue float64, evalCtx openfeature.FlattenedContext) openfeature.FloatResolutionDetail {
	res, detail, ok := p.resolve(ctx, flag, evalCtx)
	if !ok {
		return openfeature.FloatResolutionDetail{Value: defaultValue, ProviderResolutionDetail: detail}
	}
	v, isNumber := res.Value.AsNumber()
	if !isNumber {
		return openfeature.FloatResolutionDetail{Value: defaultValue, ProviderResolutionDetail: typeMismatch(flag, res, "number")}
	}
	return openfeature.FloatResolutionDetail{Value: v, ProviderResolutionDetail: detail}
}

// IntEvaluation resolves a number flag holding an integral value.
func (p *Provider) IntEvaluation(ctx context.Context, flag string, defaultValue int64, evalCtx openfeature.FlattenedContext) openfeature.IntResolutionDetail {
	res, detail, ok := p.resolve(ctx, flag, evalCtx)
	if !ok {
		return openfeature.IntResolutionDetail{Value: defaultValue, ProviderResolutionDetail: detail}
	}
	v, isNumber := res.Value.AsNumber()
	if !isNumber || v != math.Trunc(v) || v > math.MaxInt64 || v < math.MinInt64 {
		return openfeature.IntResolutionDetail{Value: defaultValue, ProviderResolutionDetail: typeMismatch(flag, res, "integer")}
	}
	return openfeature.IntResolutionDetail{Value: int64(v), ProviderResolutionDetail: detail}
}

// ObjectEvaluation resolves a json flag to its decoded document.
func (p *Provider) ObjectEvaluation(ctx context.Context, flag string, defaultValue any, evalCtx openfeature.FlattenedContext) openfeature.InterfaceResolutionDetail {
	res, detail, ok := p.resolve(ctx, flag, evalCtx)
	if !ok {
		return openfeature.InterfaceResolutionDetail{Value: defaultValue, ProviderResolutionDetail: detail}
	}
	if res.Value.Type() != ruleengine.TypeJSON {
		return openfeature.InterfaceResolutionDetail{Value: defaultValue, ProviderResolutionDetail: typeMismatch(flag, res, "json")}
	}
	return openfeature.InterfaceResolutionDetail{Value: res.Value.Interface(), ProviderResolutionDetail: detail}
}

// resolve evaluates flag and reports whether the result carries a usable value.
// When it does not, detail holds the resolution error.
func (p *Provider) resolve(ctx context.Context, flag string, evalCtx openfeature.FlattenedContext) (ruleengine.EvaluationResult, openfeature.ProviderResolutionDetail, bool) {
	ectx, err := p.buildContext(evalCtx)
	if err != nil {
		return ruleengine.EvaluationResult{}, openfeature.ProviderResolutionDetail{
			Reason:          openfeature.ErrorReason,
			ResolutionError: openfeature.NewInvalidContextResolutionError(err.Error()),
		}, false
	}

	res := p.engine.Evaluate(ctx, flag, ectx)
	detail := openfeature.ProviderResolutionDetail{
		Reason:  mapReason(res.Reason),
		Variant: variant(res),
		FlagMetadata: openfeature.FlagMetadata{
			MetadataReason:  string(res.Reason),
			MetadataEnabled: res.Enabled,
		},
	}

	switch {
	case res.Reason == ruleengine.ReasonEvaluationError:
		p.logger.Warn("flag resolution failed", slog.String("flag_key", flag))
		detail.ResolutionError = openfeature.NewGeneralResolutionError("flag could not be evaluated")
		return res, detail, false
	case res.Value.IsNull():
		detail.Reason = openfeature.ErrorReason
		detail.ResolutionError = openfeature.NewFlagNotFoundResolutionError(fmt.Sprintf("flag %q not found", flag))
		return res, detail, false
	}
	return res, detail, true
}

func (p *Provider) buildContext(evalCtx openfeature.FlattenedContext) (ruleengine.EvaluationContext, error) {
	id := ruleengine.Identity{}
	env := p.environment

	for k, v := range evalCtx {
		switch k {
		case openfeature.TargetingKey:
			if id.UserID == "" {
				id.UserID = stringOf(v)
			}
		case KeyUserID:
			id.UserID = stringOf(v)
		case KeyTenantID:
			id.TenantID = stringOf(v)
		case KeyEnvironment:
			if s := stringOf(v); s != "" {
				env = s
			}
		case KeySessionToken:
			id.SessionToken = stringOf(v)
		case KeyEmail:
			id.Email = stringOf(v)
		case KeyPlan:
			id.Plan = stringOf(v)
		case KeyRole:
			id.Role = stringOf(v)
		default:
			if name, ok := strings.CutPrefix(k, customPrefix); ok && name != "" {
				if id.CustomProperties == nil {
					id.CustomProperties = make(map[string]any)
				}
				id.CustomProperties[name] = v
				continue
			}
			if id.UserProperties == nil {
				id.UserProperties = make(map[string]any)
			}
			id.UserProperties[k] = v
		}
	}

	return ruleengine.NewContext(id, env)
}

// mapReason translates engine reasons into OpenFeature reasons. Reasons with
// no OpenFeature counterpart keep their own name.
func mapReason(r ruleengine.Reason) openfeature.Reason {
	switch r {
	case ruleengine.ReasonRuleMatch:
		return openfeature.TargetingMatchReason
	case ruleengine.ReasonRolloutIncluded, ruleengine.ReasonRolloutExcluded:
		return openfeature.SplitReason
	case ruleengine.ReasonDefault:
		return openfeature.DefaultReason
	case ruleengine.ReasonDisabled:
		return openfeature.DisabledReason
	case ruleengine.ReasonEvaluationError:
		return openfeature.ErrorReason
	default:
		return openfeature.Reason(r)
	}
}

func variant(res ruleengine.EvaluationResult) string {
	if res.Enabled {
		return "on"
	}
	return "off"
}

func typeMismatch(flag string, res ruleengine.EvaluationResult, want string) openfeature.ProviderResolutionDetail {
	return openfeature.ProviderResolutionDetail{
		Reason: openfeature.ErrorReason,
		ResolutionError: openfeature.NewTypeMismatchResolutionError(
			fmt.Sprintf("flag %q is %s, not %s", flag, res.Value.Type(), want),
		),
		FlagMetadata: openfeature.FlagMetadata{MetadataReason: string(res.Reason)},
	}
}

func stringOf(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}
