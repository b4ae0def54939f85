package ruleengine

import (
	"fmt"
)

// Operator is an ATTRIBUTE comparison.
type Operator string

const (
	OperatorEquals Operator = "equals"
	OperatorIn     Operator = "in"
	OperatorNotIn  Operator = "not_in"
)

func attributeOperator(raw string) Operator {
	if raw == "" {
		return OperatorEquals
	}
	return Operator(raw)
}

// attributeRuleData is the compiled form of an ATTRIBUTE rule.
type attributeRuleData struct {
	Attribute string
	Operator  Operator
	// Values are normalised scalars (string, bool, float64).
	Values []any
}

// AttributeStrategy compares a context attribute against literal values.
type AttributeStrategy struct{}

// Eval applies the rule's operator. A missing attribute never matches, not even
// for not_in.
func (s *AttributeStrategy) Eval(ruleData any, input Input) (bool, error) {
	data, ok := ruleData.(attributeRuleData)
	if !ok {
		return false, fmt.Errorf("invalid rule data type: expected attributeRuleData, got %T", ruleData)
	}

	raw, exists := input.Context.Attribute(data.Attribute)
	if !exists {
		return false, nil
	}
	actual, ok := normalizeScalar(raw)
	if !ok {
		return false, nil
	}

	found := false
	for _, want := range data.Values {
		if actual == want {
			found = true
			break
		}
	}

	switch data.Operator {
	case OperatorEquals, OperatorIn:
		return found, nil
	case OperatorNotIn:
		return !found, nil
	default:
		return false, fmt.Errorf("unknown operator %q", data.Operator)
	}
}
