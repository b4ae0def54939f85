package dataapi

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

func stringField(s *structpb.Struct, name string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[name].GetStringValue()
}

func structField(s *structpb.Struct, name string) *structpb.Struct {
	if s == nil {
		return nil
	}
	return s.GetFields()[name].GetStructValue()
}

// stringList reads a list of strings. A missing field is an empty list.
func stringList(s *structpb.Struct, name string) ([]string, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%s must be a list of strings", name)
	}

	out := make([]string, 0, len(list.GetValues()))
	for i, item := range list.GetValues() {
		str, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a string", name, i)
		}
		if k := strings.TrimSpace(str.StringValue); k != "" {
			out = append(out, k)
		}
	}
	return out, nil
}

// contextFromStruct builds the evaluation context from its wire document.
// Nested property maps are converted with AsMap; non-scalar user properties
// are dropped by ruleengine.NewContext.
func contextFromStruct(s *structpb.Struct) (ruleengine.EvaluationContext, error) {
	id := ruleengine.Identity{
		UserID:       stringField(s, "user_id"),
		TenantID:     stringField(s, "tenant_id"),
		SessionToken: stringField(s, "session_token"),
		Email:        stringField(s, "email"),
		Plan:         stringField(s, "plan"),
		Role:         stringField(s, "role"),
	}
	if props := structField(s, "user_properties"); props != nil {
		id.UserProperties = props.AsMap()
	}
	if props := structField(s, "custom_properties"); props != nil {
		id.CustomProperties = props.AsMap()
	}
	return ruleengine.NewContext(id, stringField(s, "environment"))
}

func resultFields(res ruleengine.EvaluationResult) map[string]any {
	return map[string]any{
		"flag_key": res.FlagKey,
		"value":    res.Value.Interface(),
		"enabled":  res.Enabled,
		"reason":   string(res.Reason),
	}
}
