package ruleengine

// Reason explains how an EvaluationResult was reached.
type Reason string

const (
	ReasonDefault          Reason = "DEFAULT"
	ReasonRuleMatch        Reason = "RULE_MATCH"
	ReasonRolloutIncluded  Reason = "ROLLOUT_INCLUDED"
	ReasonRolloutExcluded  Reason = "ROLLOUT_EXCLUDED"
	ReasonDependencyNotMet Reason = "DEPENDENCY_NOT_MET"
	ReasonDisabled         Reason = "DISABLED"
	ReasonEvaluationError  Reason = "EVALUATION_ERROR"
)

// Reasons lists every reason, in a stable order (metrics pre-registration, docs).
var Reasons = []Reason{
	ReasonDefault,
	ReasonRuleMatch,
	ReasonRolloutIncluded,
	ReasonRolloutExcluded,
	ReasonDependencyNotMet,
	ReasonDisabled,
	ReasonEvaluationError,
}

// EvaluationResult is the immutable outcome of evaluating one flag.
type EvaluationResult struct {
	FlagKey string `json:"flag_key"`
	Value   Value  `json:"value"`
	Enabled bool   `json:"enabled"`
	Reason  Reason `json:"reason"`
}

// Off builds a disabled result carrying the fallback value.
func Off(flagKey string, fallback Value, reason Reason) EvaluationResult {
	return EvaluationResult{FlagKey: flagKey, Value: fallback, Enabled: false, Reason: reason}
}

// On builds an enabled result carrying the override value.
func On(flagKey string, value Value, reason Reason) EvaluationResult {
	return EvaluationResult{FlagKey: flagKey, Value: value, Enabled: true, Reason: reason}
}

// Cacheable reports whether the result is a stable verdict. Transient failures
// are not cached so the next call retries the registry.
func (r EvaluationResult) Cacheable() bool {
	return r.Reason != ReasonEvaluationError
}

// Traced pairs a result with the keys of every flag it was derived from: the
// flag itself plus each dependency visited while resolving it.
type Traced struct {
	Result  EvaluationResult
	Touched []string
}
