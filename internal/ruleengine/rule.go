package ruleengine

import (
	"encoding/json"
	"fmt"
)

// Rule types understood by the matcher.
const (
	RuleTypeUserIDList = "USER_ID_LIST"
	RuleTypePercentage = "PERCENTAGE"
	RuleTypeAttribute  = "ATTRIBUTE"
)

// MaxUserIDListSize limits the number of user IDs in a single USER_ID_LIST rule.
// Large allow-lists belong in attributes or percentage rollouts; compiling 100K
// ids blows the per-evaluation latency budget.
const MaxUserIDListSize = 10_000

// Rule is one targeting rule of a FlagValue's conditions.
type Rule struct {
	ID string `json:"id"`

	// Type selects the Strategy used to evaluate the rule.
	Type string `json:"type"`

	// Value holds the type-specific parameters, e.g.
	//   USER_ID_LIST: {"user_ids": ["a", "b"]}
	//   PERCENTAGE:   {"percentage": 12.5, "attribute": "tenant_id"}
	//   ATTRIBUTE:    {"attribute": "plan", "operator": "in", "values": ["pro"]}
	Value json.RawMessage `json:"value"`

	// CompiledValue is the parsed form of Value, produced by CompileRules.
	CompiledValue any `json:"-"`
}

// CompileRules parses every rule's Value into its efficient in-memory form.
// It must run at the registry boundary, before the rules reach the matcher.
func CompileRules(rules []Rule) error {
	for i := range rules {
		if err := compileRule(&rules[i]); err != nil {
			return fmt.Errorf("failed to compile rule %s: %w", rules[i].ID, err)
		}
	}
	return nil
}

func compileRule(rule *Rule) error {
	switch rule.Type {
	case RuleTypeUserIDList:
		return compileUserIDListRule(rule)
	case RuleTypePercentage:
		return compilePercentageRule(rule)
	case RuleTypeAttribute:
		return compileAttributeRule(rule)
	default:
		// Unknown types are kept and skipped by the matcher (fail-open per rule).
		return nil
	}
}

func compileUserIDListRule(rule *Rule) error {
	var data struct {
		UserIDs []string `json:"user_ids"`
	}
	if err := json.Unmarshal(rule.Value, &data); err != nil {
		return fmt.Errorf("invalid USER_ID_LIST rule data: %w", err)
	}

	if len(data.UserIDs) > MaxUserIDListSize {
		return fmt.Errorf("USER_ID_LIST rule exceeds maximum size: %d > %d", len(data.UserIDs), MaxUserIDListSize)
	}

	compiled := make(map[string]struct{}, len(data.UserIDs))
	for _, id := range data.UserIDs {
		compiled[id] = struct{}{}
	}
	rule.CompiledValue = compiled
	return nil
}

func compilePercentageRule(rule *Rule) error {
	var data percentageRuleData
	if err := json.Unmarshal(rule.Value, &data); err != nil {
		return fmt.Errorf("invalid PERCENTAGE rule data: %w", err)
	}
	if data.Percentage < 0 || data.Percentage > 100 {
		return fmt.Errorf("percentage must be between 0 and 100, got %v", data.Percentage)
	}
	if data.Attribute == "" {
		data.Attribute = "subject_id"
	}
	rule.CompiledValue = data
	return nil
}

func compileAttributeRule(rule *Rule) error {
	var data struct {
		Attribute string `json:"attribute"`
		Operator  string `json:"operator"`
		Values    []any  `json:"values"`
	}
	if err := json.Unmarshal(rule.Value, &data); err != nil {
		return fmt.Errorf("invalid ATTRIBUTE rule data: %w", err)
	}
	if data.Attribute == "" {
		return fmt.Errorf("ATTRIBUTE rule requires an attribute name")
	}

	op := attributeOperator(data.Operator)
	switch op {
	case OperatorEquals:
		if len(data.Values) != 1 {
			return fmt.Errorf("operator %q expects exactly one value, got %d", op, len(data.Values))
		}
	case OperatorIn, OperatorNotIn:
		if len(data.Values) == 0 {
			return fmt.Errorf("operator %q expects at least one value", op)
		}
	default:
		return fmt.Errorf("unknown ATTRIBUTE operator %q", data.Operator)
	}

	values := make([]any, 0, len(data.Values))
	for _, v := range data.Values {
		s, ok := normalizeScalar(v)
		if !ok {
			return fmt.Errorf("ATTRIBUTE rule values must be scalars, got %T", v)
		}
		values = append(values, s)
	}

	rule.CompiledValue = attributeRuleData{Attribute: data.Attribute, Operator: op, Values: values}
	return nil
}
