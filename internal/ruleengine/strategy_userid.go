package ruleengine

import (
	"fmt"
)

// UserIDStrategy matches users explicitly listed in an allow-list.
type UserIDStrategy struct{}

// Eval checks the context's user id against the compiled set.
// ruleData must be a map[string]struct{}.
func (s *UserIDStrategy) Eval(ruleData any, input Input) (bool, error) {
	allowedIDs, ok := ruleData.(map[string]struct{})
	if !ok {
		return false, fmt.Errorf("invalid rule data type: expected map[string]struct{}, got %T", ruleData)
	}

	// Anonymous callers can never be on an allow-list.
	if input.Context.UserID == "" {
		return false, nil
	}

	_, found := allowedIDs[input.Context.UserID]
	return found, nil
}
