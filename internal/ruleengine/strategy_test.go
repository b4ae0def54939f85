package ruleengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserIDStrategy_Eval(t *testing.T) {
	t.Parallel()

	strategy := UserIDStrategy{}
	allowed := map[string]struct{}{"user-1": {}, "user-2": {}}

	tests := []struct {
		name   string
		userID string
		want   bool
	}{
		{"listed user", "user-1", true},
		{"unlisted user", "user-3", false},
		{"anonymous caller", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := strategy.Eval(allowed, Input{Context: EvaluationContext{UserID: tt.userID}})

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("wrong compiled type", func(t *testing.T) {
		t.Parallel()

		_, err := strategy.Eval([]string{"user-1"}, Input{})
		assert.Error(t, err)
	})
}

func TestPercentageStrategy_Eval(t *testing.T) {
	t.Parallel()

	strategy := PercentageStrategy{}

	t.Run("buckets on the configured attribute", func(t *testing.T) {
		t.Parallel()

		// Arrange: Bucket("new_ui", "u1") is 4548.
		input := Input{
			Context: EvaluationContext{UserID: "someone-else", TenantID: "u1"},
			FlagKey: "new_ui",
		}

		// Act
		in50, err := strategy.Eval(percentageRuleData{Percentage: 50, Attribute: "tenant_id"}, input)
		require.NoError(t, err)
		in30, err := strategy.Eval(percentageRuleData{Percentage: 30, Attribute: "tenant_id"}, input)
		require.NoError(t, err)

		// Assert
		assert.True(t, in50)
		assert.False(t, in30)
	})

	t.Run("missing attribute never matches", func(t *testing.T) {
		t.Parallel()

		got, err := strategy.Eval(percentageRuleData{Percentage: 100, Attribute: "region"}, Input{FlagKey: "f"})

		require.NoError(t, err)
		assert.False(t, got)
	})

	t.Run("stickiness for same subject", func(t *testing.T) {
		t.Parallel()

		ruleData := percentageRuleData{Percentage: 50, Attribute: "subject_id"}
		input := Input{Context: EvaluationContext{UserID: generateRandomID()}, FlagKey: "sticky-feature"}

		initial, err := strategy.Eval(ruleData, input)
		require.NoError(t, err)

		for i := range 1000 {
			got, err := strategy.Eval(ruleData, input)
			require.NoError(t, err)
			require.Equal(t, initial, got, "result flipped on iteration %d", i)
		}
	})
}

func TestAttributeStrategy_Eval(t *testing.T) {
	t.Parallel()

	strategy := AttributeStrategy{}
	ctx := EvaluationContext{
		UserID:           "u1",
		TenantID:         "acme",
		UserProperties:   map[string]any{"plan": "pro", "age": float64(30), "beta": true},
		CustomProperties: map[string]any{"region": "eu"},
	}

	tests := []struct {
		name string
		data attributeRuleData
		want bool
	}{
		{"equals string", attributeRuleData{Attribute: "plan", Operator: OperatorEquals, Values: []any{"pro"}}, true},
		{"equals number", attributeRuleData{Attribute: "age", Operator: OperatorEquals, Values: []any{float64(30)}}, true},
		{"equals bool", attributeRuleData{Attribute: "beta", Operator: OperatorEquals, Values: []any{true}}, true},
		{"type sensitive", attributeRuleData{Attribute: "age", Operator: OperatorEquals, Values: []any{"30"}}, false},
		{"in custom property", attributeRuleData{Attribute: "region", Operator: OperatorIn, Values: []any{"us", "eu"}}, true},
		{"in well-known field", attributeRuleData{Attribute: "tenant_id", Operator: OperatorIn, Values: []any{"acme"}}, true},
		{"not_in excluded", attributeRuleData{Attribute: "plan", Operator: OperatorNotIn, Values: []any{"free"}}, true},
		{"not_in listed", attributeRuleData{Attribute: "plan", Operator: OperatorNotIn, Values: []any{"pro"}}, false},
		{"not_in missing attribute", attributeRuleData{Attribute: "country", Operator: OperatorNotIn, Values: []any{"br"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := strategy.Eval(tt.data, Input{Context: ctx, FlagKey: "f"})

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("unknown operator is an error", func(t *testing.T) {
		t.Parallel()

		_, err := strategy.Eval(attributeRuleData{Attribute: "plan", Operator: "regex"}, Input{Context: ctx})
		assert.Error(t, err)
	})
}
