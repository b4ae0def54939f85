package ruleengine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContext(t *testing.T) {
	t.Parallel()

	t.Run("Should require an environment", func(t *testing.T) {
		t.Parallel()

		for _, env := range []string{"", "   ", "\t"} {
			_, err := NewContext(Identity{UserID: "u1"}, env)
			assert.ErrorIs(t, err, ErrEnvironmentRequired)
		}
	})

	t.Run("Should accept a bare environment", func(t *testing.T) {
		t.Parallel()

		// Act
		ctx, err := NewContext(Identity{}, " production ")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "production", ctx.Environment)
		assert.Empty(t, ctx.UserID)
		assert.Empty(t, ctx.AnonymousID)
		assert.Empty(t, ctx.SubjectID())
		assert.Nil(t, ctx.UserProperties)
	})

	t.Run("Should fold well-known attributes into user properties", func(t *testing.T) {
		t.Parallel()

		// Arrange
		id := Identity{
			UserID:   " u1 ",
			TenantID: "t1",
			Email:    "ana@example.com",
			Plan:     "pro",
			UserProperties: map[string]any{
				"age":     int32(42),
				"beta":    true,
				"nested":  map[string]any{"x": 1},
				"country": "BR",
			},
		}

		// Act
		ctx, err := NewContext(id, "staging")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "u1", ctx.UserID)
		assert.Equal(t, "t1", ctx.TenantID)
		assert.Equal(t, map[string]any{
			"age":     float64(42),
			"beta":    true,
			"country": "BR",
			"email":   "ana@example.com",
			"plan":    "pro",
		}, ctx.UserProperties, "non-scalar properties are dropped and numbers normalised")
	})

	t.Run("Should copy property maps", func(t *testing.T) {
		t.Parallel()

		// Arrange
		props := map[string]any{"a": "1"}
		custom := map[string]any{"b": []int{1}}

		// Act
		ctx, err := NewContext(Identity{UserProperties: props, CustomProperties: custom}, "dev")
		require.NoError(t, err)
		props["a"] = "mutated"
		custom["c"] = "added"

		// Assert
		assert.Equal(t, "1", ctx.UserProperties["a"])
		assert.NotContains(t, ctx.CustomProperties, "c")
	})
}

func TestAnonymousID(t *testing.T) {
	t.Parallel()

	// Act
	first := AnonymousID("session-abc")
	second := AnonymousID("session-abc")
	other := AnonymousID("session-xyz")

	// Assert
	assert.True(t, strings.HasPrefix(first, "anon-"))
	assert.Equal(t, first, second, "derivation must be deterministic")
	assert.NotEqual(t, first, other)
}

func TestEvaluationContext_SubjectID(t *testing.T) {
	t.Parallel()

	withToken, err := NewContext(Identity{SessionToken: "tok"}, "prod")
	require.NoError(t, err)
	assert.Equal(t, AnonymousID("tok"), withToken.SubjectID())

	withBoth, err := NewContext(Identity{UserID: "u1", SessionToken: "tok"}, "prod")
	require.NoError(t, err)
	assert.Equal(t, "u1", withBoth.SubjectID(), "user id wins over anonymous id")
}

func TestEvaluationContext_Fingerprint(t *testing.T) {
	t.Parallel()

	base := EvaluationContext{UserID: "u1", TenantID: "t1", Environment: "prod"}

	tests := []struct {
		name  string
		other EvaluationContext
		equal bool
	}{
		{
			name:  "identical contexts",
			other: base,
			equal: true,
		},
		{
			name:  "properties never participate",
			other: EvaluationContext{UserID: "u1", TenantID: "t1", Environment: "prod", UserProperties: map[string]any{"plan": "pro"}},
			equal: true,
		},
		{
			name:  "anonymous id ignored when user id is set",
			other: EvaluationContext{UserID: "u1", TenantID: "t1", Environment: "prod", AnonymousID: "anon-1"},
			equal: true,
		},
		{
			name:  "different environment",
			other: EvaluationContext{UserID: "u1", TenantID: "t1", Environment: "staging"},
			equal: false,
		},
		{
			name:  "different tenant",
			other: EvaluationContext{UserID: "u1", TenantID: "t2", Environment: "prod"},
			equal: false,
		},
		{
			name:  "field boundaries are length prefixed",
			other: EvaluationContext{UserID: "u1t", TenantID: "1", Environment: "prod"},
			equal: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if tt.equal {
				assert.Equal(t, base.Fingerprint(), tt.other.Fingerprint())
			} else {
				assert.NotEqual(t, base.Fingerprint(), tt.other.Fingerprint())
			}
		})
	}

	t.Run("anonymous subjects get distinct fingerprints", func(t *testing.T) {
		t.Parallel()

		a := EvaluationContext{Environment: "prod", AnonymousID: AnonymousID("s1")}
		b := EvaluationContext{Environment: "prod", AnonymousID: AnonymousID("s2")}
		assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	})
}

func TestEvaluationContext_Attribute(t *testing.T) {
	t.Parallel()

	ctx := EvaluationContext{
		UserID:           "u1",
		TenantID:         "t1",
		Environment:      "prod",
		UserProperties:   map[string]any{"plan": "pro", "tenant_id": "shadowed"},
		CustomProperties: map[string]any{"plan": "free", "region": "eu"},
	}

	tests := []struct {
		name   string
		want   any
		exists bool
	}{
		{"user_id", "u1", true},
		{"tenant_id", "t1", true},
		{"environment", "prod", true},
		{"subject_id", "u1", true},
		{"anonymous_id", "", false},
		{"plan", "pro", true},
		{"region", "eu", true},
		{"missing", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := ctx.Attribute(tt.name)
			assert.Equal(t, tt.exists, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
