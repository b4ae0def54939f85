package evaluation

import (
	"context"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

type depOutcome int

const (
	depSatisfied depOutcome = iota
	depNotMet
	// depTransientFailure means a dependency could not be evaluated at all;
	// the dependent inherits EVALUATION_ERROR instead of a configuration verdict.
	depTransientFailure
)

// dependenciesSatisfied evaluates flag's dependencies in declaration order
// under the session context and stops at the first one that is not enabled.
// A dependency already on the resolution chain fails closed.
func (s *session) dependenciesSatisfied(ctx context.Context, flag *ruleengine.FeatureFlag) (depOutcome, []string) {
	var touched []string

	for _, dep := range flag.Dependencies {
		if _, cycling := s.inProgress[dep]; cycling {
			s.observeCycle(ctx, flag.Key, dep)
			return depNotMet, append(touched, dep)
		}

		res := s.evaluate(ctx, dep)
		touched = append(touched, s.touched[dep]...)

		if res.Reason == ruleengine.ReasonEvaluationError {
			return depTransientFailure, touched
		}
		if !res.Enabled {
			return depNotMet, touched
		}
	}

	return depSatisfied, touched
}
