package evaluation_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// stubRegistry is an unvalidated registry: it accepts cycles and malformed
// overrides so the evaluator's own defences can be exercised.
type stubRegistry struct {
	mu     sync.Mutex
	flags  map[string]*ruleengine.FeatureFlag
	values map[string]*ruleengine.FlagValue // by flagID + "/" + environment

	failFlags  map[string]error
	failValues map[string]error // by flag ID
	slowValues time.Duration
	panicOn    string

	flagCalls       atomic.Int32
	valueCalls      atomic.Int32
	flagBatchCalls  atomic.Int32
	valueBatchCalls atomic.Int32
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{
		flags:      make(map[string]*ruleengine.FeatureFlag),
		values:     make(map[string]*ruleengine.FlagValue),
		failFlags:  make(map[string]error),
		failValues: make(map[string]error),
	}
}

// addFlag stores a global, active boolean flag with default false and ID "id-<key>".
func (r *stubRegistry) addFlag(key string, deps ...string) *ruleengine.FeatureFlag {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := &ruleengine.FeatureFlag{
		ID:           "id-" + key,
		Key:          key,
		Type:         ruleengine.TypeBoolean,
		DefaultValue: ruleengine.BoolValue(false),
		IsGlobal:     true,
		Dependencies: deps,
		Status:       ruleengine.StatusActive,
	}
	r.flags[key] = f
	return f
}

// addValue stores an override of flag key in production returning true.
func (r *stubRegistry) addValue(key string, enabled bool, percentage float64, rules ...ruleengine.Rule) *ruleengine.FlagValue {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := &ruleengine.FlagValue{
		FlagID:            "id-" + key,
		Environment:       "production",
		Enabled:           enabled,
		RolloutPercentage: percentage,
		Value:             ruleengine.BoolValue(true),
		Conditions:        rules,
	}
	r.values[v.FlagID+"/"+v.Environment] = v
	return v
}

func (r *stubRegistry) GetFlag(_ context.Context, key string) (*ruleengine.FeatureFlag, error) {
	r.flagCalls.Add(1)
	if key == r.panicOn {
		panic("registry exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failFlags[key]; err != nil {
		return nil, err
	}
	if f, ok := r.flags[key]; ok {
		cp := *f
		return &cp, nil
	}
	return nil, nil
}

func (r *stubRegistry) GetFlagsBatch(_ context.Context, keys []string) (map[string]*ruleengine.FeatureFlag, error) {
	r.flagBatchCalls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*ruleengine.FeatureFlag, len(keys))
	for _, k := range keys {
		if err := r.failFlags[k]; err != nil {
			return nil, err
		}
		if f, ok := r.flags[k]; ok {
			cp := *f
			out[k] = &cp
		}
	}
	return out, nil
}

func (r *stubRegistry) GetFlagValue(ctx context.Context, flagID, environment string) (*ruleengine.FlagValue, error) {
	r.valueCalls.Add(1)
	if r.slowValues > 0 {
		select {
		case <-time.After(r.slowValues):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failValues[flagID]; err != nil {
		return nil, err
	}
	if v, ok := r.values[flagID+"/"+environment]; ok {
		cp := *v
		return &cp, nil
	}
	return nil, nil
}

// batchingRegistry adds the optional ValuesBatcher capability.
type batchingRegistry struct {
	*stubRegistry
}

func (r batchingRegistry) GetFlagValuesBatch(_ context.Context, flagIDs []string, environment string) (map[string]*ruleengine.FlagValue, error) {
	r.valueBatchCalls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*ruleengine.FlagValue, len(flagIDs))
	for _, id := range flagIDs {
		if err := r.failValues[id]; err != nil {
			return nil, err
		}
		if v, ok := r.values[id+"/"+environment]; ok {
			cp := *v
			out[id] = &cp
		}
	}
	return out, nil
}

func userIDRule(t *testing.T, ids ...string) ruleengine.Rule {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"user_ids": ids})
	require.NoError(t, err)
	rules := []ruleengine.Rule{{ID: "r1", Type: ruleengine.RuleTypeUserIDList, Value: raw}}
	require.NoError(t, ruleengine.CompileRules(rules))
	return rules[0]
}

func userContext(t *testing.T, userID, tenantID string) ruleengine.EvaluationContext {
	t.Helper()
	ectx, err := ruleengine.NewContext(ruleengine.Identity{UserID: userID, TenantID: tenantID}, "production")
	require.NoError(t, err)
	return ectx
}
