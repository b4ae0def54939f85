package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

func boolFlag(key string, deps ...string) ruleengine.FeatureFlag {
	return ruleengine.FeatureFlag{
		Key:          key,
		Type:         ruleengine.TypeBoolean,
		DefaultValue: ruleengine.BoolValue(false),
		IsGlobal:     true,
		Status:       ruleengine.StatusActive,
		Dependencies: deps,
	}
}

func TestMemory_PutAndGetFlag(t *testing.T) {
	t.Parallel()

	// Arrange
	reg := NewMemory()
	ctx := context.Background()

	// Act
	stored, err := reg.PutFlag(boolFlag("new_ui"))
	require.NoError(t, err)

	got, err := reg.GetFlag(ctx, "new_ui")
	require.NoError(t, err)

	missing, err := reg.GetFlag(ctx, "does_not_exist")
	require.NoError(t, err)

	// Assert
	require.NotNil(t, got)
	assert.NotEmpty(t, stored.ID, "an ID is assigned on create")
	assert.Equal(t, stored.ID, got.ID)
	assert.False(t, got.UpdatedAt.IsZero())
	assert.Nil(t, missing, "absence is not an error")
}

func TestMemory_PutFlag_KeepsIDOnReplace(t *testing.T) {
	t.Parallel()

	reg := NewMemory()
	first, err := reg.PutFlag(boolFlag("new_ui"))
	require.NoError(t, err)

	replacement := boolFlag("new_ui")
	replacement.ID = "something-else"
	second, err := reg.PutFlag(replacement)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestMemory_PutFlag_Validation(t *testing.T) {
	t.Parallel()

	t.Run("rejects invalid record", func(t *testing.T) {
		t.Parallel()

		reg := NewMemory()
		flag := boolFlag("x")
		flag.DefaultValue = ruleengine.StringValue("nope")

		_, err := reg.PutFlag(flag)

		assert.ErrorIs(t, err, ErrInvalidFlag)
		assert.ErrorIs(t, err, ruleengine.ErrTypeMismatch)
	})

	t.Run("rejects transitive cycle and keeps previous state", func(t *testing.T) {
		t.Parallel()

		// Arrange: a -> b -> c
		reg := NewMemory()
		_, err := reg.PutFlag(boolFlag("c"))
		require.NoError(t, err)
		_, err = reg.PutFlag(boolFlag("b", "c"))
		require.NoError(t, err)
		_, err = reg.PutFlag(boolFlag("a", "b"))
		require.NoError(t, err)

		// Act: c -> a closes the loop
		_, err = reg.PutFlag(boolFlag("c", "a"))

		// Assert
		require.ErrorIs(t, err, ErrDependencyCycle)
		c, err := reg.GetFlag(context.Background(), "c")
		require.NoError(t, err)
		assert.Empty(t, c.Dependencies, "rejected write must not be visible")
	})
}

func TestMemory_FlagValues(t *testing.T) {
	t.Parallel()

	// Arrange
	reg := NewMemory()
	ctx := context.Background()
	flag, err := reg.PutFlag(boolFlag("new_ui"))
	require.NoError(t, err)

	value := ruleengine.FlagValue{
		FlagID:            flag.ID,
		Environment:       "production",
		Enabled:           true,
		RolloutPercentage: 50,
		Value:             ruleengine.BoolValue(true),
		Conditions: []ruleengine.Rule{
			{ID: "vip", Type: ruleengine.RuleTypeUserIDList, Value: json.RawMessage(`{"user_ids":["u1"]}`)},
		},
	}

	// Act
	require.NoError(t, reg.PutFlagValue(value))

	got, err := reg.GetFlagValue(ctx, flag.ID, "production")
	require.NoError(t, err)
	other, err := reg.GetFlagValue(ctx, flag.ID, "staging")
	require.NoError(t, err)
	batch, err := reg.GetFlagValuesBatch(ctx, []string{flag.ID, "unknown"}, "production")
	require.NoError(t, err)

	// Assert
	require.NotNil(t, got)
	assert.Equal(t, 50.0, got.RolloutPercentage)
	assert.NotNil(t, got.Conditions[0].CompiledValue, "conditions are compiled on write")
	assert.Nil(t, value.Conditions[0].CompiledValue, "caller's slice is not mutated")
	assert.Nil(t, other)
	assert.Len(t, batch, 1)
}

func TestMemory_PutFlagValue_Errors(t *testing.T) {
	t.Parallel()

	reg := NewMemory()
	flag, err := reg.PutFlag(boolFlag("new_ui"))
	require.NoError(t, err)

	err = reg.PutFlagValue(ruleengine.FlagValue{FlagID: "ghost", Environment: "prod", Value: ruleengine.BoolValue(true)})
	assert.ErrorIs(t, err, ErrUnknownFlag)

	err = reg.PutFlagValue(ruleengine.FlagValue{FlagID: flag.ID, Environment: "prod", Value: ruleengine.NumberValue(1)})
	assert.ErrorIs(t, err, ErrInvalidFlag)

	err = reg.PutFlagValue(ruleengine.FlagValue{
		FlagID:      flag.ID,
		Environment: "prod",
		Value:       ruleengine.BoolValue(true),
		Conditions:  []ruleengine.Rule{{ID: "bad", Type: ruleengine.RuleTypePercentage, Value: json.RawMessage(`{"percentage": 500}`)}},
	})
	assert.ErrorIs(t, err, ErrInvalidFlag)
}

func TestMemory_DeleteFlag(t *testing.T) {
	t.Parallel()

	reg := NewMemory()
	ctx := context.Background()
	flag, err := reg.PutFlag(boolFlag("new_ui"))
	require.NoError(t, err)
	require.NoError(t, reg.PutFlagValue(ruleengine.FlagValue{FlagID: flag.ID, Environment: "prod", Value: ruleengine.BoolValue(true)}))

	assert.True(t, reg.DeleteFlag("new_ui"))
	assert.False(t, reg.DeleteFlag("new_ui"))

	got, err := reg.GetFlag(ctx, "new_ui")
	require.NoError(t, err)
	assert.Nil(t, got)
	value, err := reg.GetFlagValue(ctx, flag.ID, "prod")
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestMemory_OnChange(t *testing.T) {
	t.Parallel()

	// Arrange
	reg := NewMemory()
	var mu sync.Mutex
	var changed []string
	reg.OnChange(func(key string) {
		mu.Lock()
		defer mu.Unlock()
		changed = append(changed, key)
	})

	// Act
	flag, err := reg.PutFlag(boolFlag("new_ui"))
	require.NoError(t, err)
	require.NoError(t, reg.PutFlagValue(ruleengine.FlagValue{FlagID: flag.ID, Environment: "prod", Value: ruleengine.BoolValue(true)}))
	reg.DeleteFlag("new_ui")

	// Assert
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"new_ui", "new_ui", "new_ui"}, changed)
}

func TestMemory_GetFlagsBatch(t *testing.T) {
	t.Parallel()

	reg := NewMemory()
	for _, k := range []string{"a", "b", "c"} {
		_, err := reg.PutFlag(boolFlag(k))
		require.NoError(t, err)
	}

	got, err := reg.GetFlagsBatch(context.Background(), []string{"a", "c", "zzz"})

	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "a")
	assert.Contains(t, got, "c")
}

func TestMemory_ListFlags(t *testing.T) {
	t.Parallel()

	reg := NewMemory()
	for _, key := range []string{"gamma", "alpha", "beta"} {
		_, err := reg.PutFlag(boolFlag(key))
		require.NoError(t, err)
	}

	page, total, err := reg.ListFlags(context.Background(), 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 2)
	assert.Equal(t, "alpha", page[0].Key)
	assert.Equal(t, "beta", page[1].Key)

	page, _, err = reg.ListFlags(context.Background(), 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "gamma", page[0].Key)

	page, total, err = reg.ListFlags(context.Background(), 2, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Equal(t, int64(3), total)

	page, _, err = reg.ListFlags(context.Background(), 2, -5)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "alpha", page[0].Key)
}

func TestMemory_RespectsCancelledContext(t *testing.T) {
	t.Parallel()

	reg := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reg.GetFlag(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
}
