package ruleengine

import (
	"fmt"
)

// PercentageStrategy buckets an arbitrary context attribute, so a rule can roll
// out by tenant or by plan while the flag's own rollout buckets by subject.
type PercentageStrategy struct{}

// percentageRuleData is the compiled form of a PERCENTAGE rule.
type percentageRuleData struct {
	// Percentage is in [0, 100] with basis-point precision.
	Percentage float64 `json:"percentage"`

	// Attribute names the context field to hash (default: "subject_id").
	Attribute string `json:"attribute"`
}

// Eval hashes the attribute value with the same bucketer as flag rollouts.
func (s *PercentageStrategy) Eval(ruleData any, input Input) (bool, error) {
	data, ok := ruleData.(percentageRuleData)
	if !ok {
		return false, fmt.Errorf("invalid rule data type: expected percentageRuleData, got %T", ruleData)
	}

	raw, exists := input.Context.Attribute(data.Attribute)
	if !exists {
		// Fail closed without logging: a missing attribute is a normal mismatch.
		return false, nil
	}

	subject := fmt.Sprint(raw)
	if subject == "" {
		return false, nil
	}

	return InRollout(input.FlagKey, subject, data.Percentage), nil
}
