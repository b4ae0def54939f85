package ruleengine

import (
	"log/slog"
)

// Matcher evaluates a FlagValue's conditions against a context. It is the
// match/no-match contract the evaluator relies on; rule semantics stay here.
type Matcher struct {
	strategies map[string]Strategy
	logger     *slog.Logger
}

// NewMatcher creates a Matcher with the built-in strategies.
// If logger is nil, it defaults to slog.Default().
func NewMatcher(logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Matcher{
		logger: logger,
		strategies: map[string]Strategy{
			RuleTypeUserIDList: &UserIDStrategy{},
			RuleTypePercentage: &PercentageStrategy{},
			RuleTypeAttribute:  &AttributeStrategy{},
		},
	}
}

// Match reports whether any rule matches, checking rules in order.
func (m *Matcher) Match(rules []Rule, input Input) bool {
	for _, rule := range rules {
		strategy, exists := m.strategies[rule.Type]
		if !exists {
			m.logger.Warn("skipping unknown rule type",
				"type", rule.Type,
				"rule_id", rule.ID,
				"flag_key", input.FlagKey,
			)
			continue
		}

		match, err := strategy.Eval(rule.CompiledValue, input)
		if err != nil {
			// Fail open: one bad rule must not take the whole flag down.
			m.logger.Error("rule evaluation failed",
				"error", err,
				"rule_id", rule.ID,
				"type", rule.Type,
				"flag_key", input.FlagKey,
			)
			continue
		}

		if match {
			return true
		}
	}

	return false
}
