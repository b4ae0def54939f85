package evaluation

import (
	"context"
	"log/slog"
	"slices"

	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

type flagLookup struct {
	flag *ruleengine.FeatureFlag
	err  error
}

type valueLookup struct {
	value *ruleengine.FlagValue
	err   error
}

// session is the state of one evaluation call. Lookups and results are
// memoised for the duration of the call, so a dependency shared by several
// flags is fetched and evaluated once. A session is not safe for concurrent use.
type session struct {
	e    *Evaluator
	ectx ruleengine.EvaluationContext

	flags   map[string]flagLookup  // by flag key
	values  map[string]valueLookup // by flag ID
	results map[string]ruleengine.EvaluationResult
	touched map[string][]string

	// inProgress holds the keys on the active resolution chain.
	inProgress map[string]struct{}
}

func (e *Evaluator) newSession(ectx ruleengine.EvaluationContext) *session {
	return &session{
		e:          e,
		ectx:       ectx,
		flags:      make(map[string]flagLookup),
		values:     make(map[string]valueLookup),
		results:    make(map[string]ruleengine.EvaluationResult),
		touched:    make(map[string][]string),
		inProgress: make(map[string]struct{}),
	}
}

// evaluate returns the memoised result for key, computing it on first use.
func (s *session) evaluate(ctx context.Context, key string) ruleengine.EvaluationResult {
	if res, ok := s.results[key]; ok {
		return res
	}

	s.inProgress[key] = struct{}{}
	res, touched := s.compute(ctx, key)
	delete(s.inProgress, key)

	slices.Sort(touched)
	s.results[key] = res
	s.touched[key] = slices.Compact(touched)
	return res
}

// compute runs the evaluation steps in order; the first step that decides wins.
func (s *session) compute(ctx context.Context, key string) (ruleengine.EvaluationResult, []string) {
	log := logger.FromContextOr(ctx, s.e.logger)
	touched := []string{key}

	// 1. Flag definition.
	flag, err := s.flag(ctx, key)
	if err != nil {
		log.Warn("flag lookup failed", slog.String("flag_key", key), slog.String("error", err.Error()))
		return s.e.errorResult(key), touched
	}
	if flag == nil {
		return ruleengine.Off(key, ruleengine.Null(), ruleengine.ReasonDisabled), touched
	}
	s.e.defaults.Store(key, flag.DefaultValue)
	def := flag.DefaultValue

	if !flag.Active() {
		return ruleengine.Off(key, def, ruleengine.ReasonDisabled), touched
	}

	// 2. Scope and per-environment override.
	if !flag.InScope(s.ectx.TenantID) {
		return ruleengine.Off(key, def, ruleengine.ReasonDefault), touched
	}
	value, err := s.value(ctx, flag)
	if err != nil {
		log.Warn("flag value lookup failed",
			slog.String("flag_key", key),
			slog.String("environment", s.ectx.Environment),
			slog.String("error", err.Error()),
		)
		return ruleengine.Off(key, def, ruleengine.ReasonEvaluationError), touched
	}
	if value == nil {
		return ruleengine.Off(key, def, ruleengine.ReasonDefault), touched
	}
	if value.Value.Type() != flag.Type {
		log.Error("malformed flag value",
			slog.String("flag_key", key),
			slog.String("flag_type", string(flag.Type)),
			slog.String("value_type", string(value.Value.Type())),
		)
		return ruleengine.Off(key, def, ruleengine.ReasonEvaluationError), touched
	}

	// 3. Dependencies.
	outcome, depTouched := s.dependenciesSatisfied(ctx, flag)
	touched = append(touched, depTouched...)
	switch outcome {
	case depTransientFailure:
		return ruleengine.Off(key, def, ruleengine.ReasonEvaluationError), touched
	case depNotMet:
		return ruleengine.Off(key, def, ruleengine.ReasonDependencyNotMet), touched
	}

	// 4. Kill switch.
	if !value.Enabled {
		return ruleengine.Off(key, def, ruleengine.ReasonDisabled), touched
	}

	// 5. Targeting rules.
	if value.HasConditions() && s.e.matcher.Match(value.Conditions, ruleengine.Input{Context: s.ectx, FlagKey: key}) {
		return ruleengine.On(key, value.Value, ruleengine.ReasonRuleMatch), touched
	}

	// 6. Percentage rollout.
	if ruleengine.InRollout(key, s.ectx.SubjectID(), value.RolloutPercentage) {
		return ruleengine.On(key, value.Value, ruleengine.ReasonRolloutIncluded), touched
	}
	return ruleengine.Off(key, def, ruleengine.ReasonRolloutExcluded), touched
}

func (s *session) flag(ctx context.Context, key string) (*ruleengine.FeatureFlag, error) {
	if l, ok := s.flags[key]; ok {
		return l.flag, l.err
	}
	flag, err := s.e.lookupFlag(ctx, key)
	s.flags[key] = flagLookup{flag: flag, err: err}
	return flag, err
}

func (s *session) value(ctx context.Context, flag *ruleengine.FeatureFlag) (*ruleengine.FlagValue, error) {
	if l, ok := s.values[flag.ID]; ok {
		return l.value, l.err
	}
	value, err := s.e.lookupValue(ctx, flag.ID, s.ectx.Environment)
	s.values[flag.ID] = valueLookup{value: value, err: err}
	return value, err
}

// prefetch loads the definitions of keys and of their transitive dependencies
// one depth level per round trip, then the overrides of every loaded flag in a
// single round trip when the registry supports it. Anything prefetch could not
// load is fetched lazily by evaluate. A failed batch memoises nothing, so one
// malformed record costs its siblings a per-key lookup rather than their result.
func (s *session) prefetch(ctx context.Context, keys []string) {
	var pending []string
	for _, k := range keys {
		if _, seen := s.flags[k]; !seen && !slices.Contains(pending, k) {
			pending = append(pending, k)
		}
	}

	for len(pending) > 0 {
		found, err := s.e.lookupFlags(ctx, pending)
		if err != nil {
			logger.FromContextOr(ctx, s.e.logger).Warn("batch flag lookup failed, falling back to per-key lookups",
				slog.Int("flag_count", len(pending)),
				slog.String("error", err.Error()),
			)
			return
		}

		var next []string
		for _, k := range pending {
			flag := found[k]
			s.flags[k] = flagLookup{flag: flag}
			if flag == nil || !flag.Active() {
				continue
			}
			for _, dep := range flag.Dependencies {
				if _, seen := s.flags[dep]; !seen && !slices.Contains(next, dep) && !slices.Contains(pending, dep) {
					next = append(next, dep)
				}
			}
		}
		pending = next
	}

	if s.e.values == nil {
		return
	}

	var ids []string
	for _, l := range s.flags {
		if l.flag == nil || !l.flag.Active() || !l.flag.InScope(s.ectx.TenantID) {
			continue
		}
		if _, seen := s.values[l.flag.ID]; !seen {
			ids = append(ids, l.flag.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	slices.Sort(ids)

	found, err := s.e.lookupValues(ctx, ids, s.ectx.Environment)
	if err != nil {
		logger.FromContextOr(ctx, s.e.logger).Warn("batch flag value lookup failed, falling back to per-key lookups",
			slog.Int("flag_count", len(ids)),
			slog.String("environment", s.ectx.Environment),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, id := range ids {
		s.values[id] = valueLookup{value: found[id]}
	}
}

// observeCycle records a dependency chain that revisited key.
func (s *session) observeCycle(ctx context.Context, flagKey, dependency string) {
	observability.EngineDependencyCycles.Inc()
	logger.FromContextOr(ctx, s.e.logger).Warn("dependency cycle detected",
		slog.String("flag_key", flagKey),
		slog.String("dependency", dependency),
	)
}
