package cache_test

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// fakeEvaluator returns canned results. Each flag touches itself plus deps[key].
// When gate is set, single evaluations read their result and then block until
// the gate is closed, which simulates a slow registry.
type fakeEvaluator struct {
	mu       sync.Mutex
	results  map[string]ruleengine.EvaluationResult
	deps     map[string][]string
	defaults map[string]ruleengine.Value
	gate     chan struct{}

	calls      atomic.Int32
	batchCalls atomic.Int32
}

func newFakeEvaluator() *fakeEvaluator {
	return &fakeEvaluator{
		results:  make(map[string]ruleengine.EvaluationResult),
		deps:     make(map[string][]string),
		defaults: make(map[string]ruleengine.Value),
	}
}

func (f *fakeEvaluator) set(key string, res ruleengine.EvaluationResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[key] = res
}

func (f *fakeEvaluator) result(key string) ruleengine.EvaluationResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.results[key]; ok {
		return r
	}
	return ruleengine.Off(key, ruleengine.Null(), ruleengine.ReasonDisabled)
}

func (f *fakeEvaluator) touched(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{key}, f.deps[key]...)
}

func (f *fakeEvaluator) EvaluateTraced(_ context.Context, key string, _ ruleengine.EvaluationContext) (ruleengine.EvaluationResult, []string) {
	f.calls.Add(1)
	res, touched := f.result(key), f.touched(key)
	if f.gate != nil {
		<-f.gate
	}
	return res, touched
}

func (f *fakeEvaluator) EvaluateManyTraced(_ context.Context, keys []string, _ ruleengine.EvaluationContext) map[string]ruleengine.Traced {
	f.batchCalls.Add(1)
	out := make(map[string]ruleengine.Traced, len(keys))
	for _, k := range keys {
		out[k] = ruleengine.Traced{Result: f.result(k), Touched: f.touched(k)}
	}
	return out
}

func (f *fakeEvaluator) KnownDefault(key string) (ruleengine.Value, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.defaults[key]
	return v, ok
}
