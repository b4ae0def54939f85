package ruleengine

// Input aggregates everything a strategy may look at.
type Input struct {
	// Context is the caller being evaluated (the "who").
	Context EvaluationContext

	// FlagKey salts hashing strategies (the "what").
	FlagKey string
}

// Strategy is implemented by every rule type.
type Strategy interface {
	// Eval reports whether input satisfies the rule. ruleData is the rule's
	// CompiledValue; a wrong type is an internal error.
	Eval(ruleData any, input Input) (bool, error)
}
