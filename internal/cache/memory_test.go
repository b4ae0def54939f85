package cache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

func newTestCache(t *testing.T, cfg cache.Config, eval cache.Evaluator) *cache.EvaluationCache {
	t.Helper()
	if cfg.TTL == 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = 1000
	}
	c, err := cache.NewEvaluationCache(nil, cfg, eval)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func testContext(t *testing.T, userID string) ruleengine.EvaluationContext {
	t.Helper()
	ectx, err := ruleengine.NewContext(ruleengine.Identity{UserID: userID}, "production")
	require.NoError(t, err)
	return ectx
}

func TestNewEvaluationCache_InvalidConfig(t *testing.T) {
	t.Parallel()

	eval := newFakeEvaluator()

	_, err := cache.NewEvaluationCache(nil, cache.Config{TTL: time.Minute}, eval)
	assert.Error(t, err, "zero capacity")

	_, err = cache.NewEvaluationCache(nil, cache.Config{Capacity: 10}, eval)
	assert.Error(t, err, "zero ttl")

	assert.Panics(t, func() {
		_, _ = cache.NewEvaluationCache(nil, cache.Config{TTL: time.Minute, Capacity: 10}, nil)
	})
}

func TestEvaluationCache_Get(t *testing.T) {
	t.Parallel()

	t.Run("caches per flag and fingerprint", func(t *testing.T) {
		t.Parallel()

		// Arrange
		eval := newFakeEvaluator()
		eval.set("new_ui", ruleengine.On("new_ui", ruleengine.BoolValue(true), ruleengine.ReasonRolloutIncluded))
		c := newTestCache(t, cache.Config{}, eval)
		ctx := context.Background()
		u1, u2 := testContext(t, "u1"), testContext(t, "u2")

		// Act
		first := c.Get(ctx, "new_ui", u1)
		second := c.Get(ctx, "new_ui", u1)
		other := c.Get(ctx, "new_ui", u2)

		// Assert
		assert.Equal(t, first, second)
		assert.Equal(t, ruleengine.ReasonRolloutIncluded, other.Reason)
		assert.Equal(t, int32(2), eval.calls.Load(), "one evaluation per fingerprint")

		cached, ok := c.Lookup("new_ui", u1)
		require.True(t, ok)
		assert.Equal(t, first, cached)
	})

	t.Run("does not cache evaluation errors", func(t *testing.T) {
		t.Parallel()

		eval := newFakeEvaluator()
		eval.set("flaky", ruleengine.Off("flaky", ruleengine.Null(), ruleengine.ReasonEvaluationError))
		c := newTestCache(t, cache.Config{}, eval)
		ectx := testContext(t, "u1")

		c.Get(context.Background(), "flaky", ectx)
		c.Get(context.Background(), "flaky", ectx)

		assert.Equal(t, int32(2), eval.calls.Load())
		_, ok := c.Lookup("flaky", ectx)
		assert.False(t, ok)
	})

	t.Run("concurrent misses share one evaluation", func(t *testing.T) {
		t.Parallel()

		// Arrange
		eval := newFakeEvaluator()
		eval.gate = make(chan struct{})
		eval.set("new_ui", ruleengine.On("new_ui", ruleengine.BoolValue(true), ruleengine.ReasonRuleMatch))
		c := newTestCache(t, cache.Config{}, eval)
		ectx := testContext(t, "u1")

		// Act
		const callers = 20
		results := make(chan ruleengine.EvaluationResult, callers)
		var wg sync.WaitGroup
		for range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- c.Get(context.Background(), "new_ui", ectx)
			}()
		}
		require.Eventually(t, func() bool { return eval.calls.Load() == 1 }, time.Second, time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		close(eval.gate)
		wg.Wait()
		close(results)

		// Assert
		assert.Equal(t, int32(1), eval.calls.Load())
		for r := range results {
			assert.Equal(t, ruleengine.ReasonRuleMatch, r.Reason)
		}
	})

	t.Run("lazy wait serves the known default", func(t *testing.T) {
		t.Parallel()

		// Arrange
		eval := newFakeEvaluator()
		eval.gate = make(chan struct{})
		eval.defaults["theme"] = ruleengine.StringValue("light")
		eval.set("theme", ruleengine.On("theme", ruleengine.StringValue("dark"), ruleengine.ReasonRuleMatch))
		c := newTestCache(t, cache.Config{LazyWait: 10 * time.Millisecond}, eval)
		ectx := testContext(t, "u1")

		// Act
		got := c.Get(context.Background(), "theme", ectx)

		// Assert
		assert.Equal(t, ruleengine.Off("theme", ruleengine.StringValue("light"), ruleengine.ReasonDefault), got)

		close(eval.gate)
		require.Eventually(t, func() bool {
			r, ok := c.Lookup("theme", ectx)
			return ok && r.Reason == ruleengine.ReasonRuleMatch
		}, time.Second, 5*time.Millisecond, "the background evaluation fills the cache")
	})

	t.Run("abandoned caller gets an evaluation error", func(t *testing.T) {
		t.Parallel()

		eval := newFakeEvaluator()
		eval.gate = make(chan struct{})
		defer close(eval.gate)
		c := newTestCache(t, cache.Config{}, eval)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		got := c.Get(ctx, "slow", testContext(t, "u1"))

		assert.Equal(t, ruleengine.ReasonEvaluationError, got.Reason)
		assert.False(t, got.Enabled)
	})

	t.Run("refresh ahead serves the entry and re-evaluates", func(t *testing.T) {
		t.Parallel()

		eval := newFakeEvaluator()
		eval.set("new_ui", ruleengine.On("new_ui", ruleengine.BoolValue(true), ruleengine.ReasonRuleMatch))
		c := newTestCache(t, cache.Config{RefreshAhead: time.Millisecond}, eval)
		ectx := testContext(t, "u1")

		c.Get(context.Background(), "new_ui", ectx)
		time.Sleep(5 * time.Millisecond)
		eval.set("new_ui", ruleengine.Off("new_ui", ruleengine.BoolValue(false), ruleengine.ReasonDisabled))

		served := c.Get(context.Background(), "new_ui", ectx)

		assert.Equal(t, ruleengine.ReasonRuleMatch, served.Reason, "the ageing entry is still served")
		require.Eventually(t, func() bool {
			r, ok := c.Lookup("new_ui", ectx)
			return ok && r.Reason == ruleengine.ReasonDisabled
		}, time.Second, 5*time.Millisecond)
	})
}

func TestEvaluationCache_Invalidate(t *testing.T) {
	t.Parallel()

	t.Run("next read observes the new definition", func(t *testing.T) {
		t.Parallel()

		// Arrange
		eval := newFakeEvaluator()
		eval.set("new_ui", ruleengine.On("new_ui", ruleengine.BoolValue(true), ruleengine.ReasonRuleMatch))
		c := newTestCache(t, cache.Config{}, eval)
		u1, u2 := testContext(t, "u1"), testContext(t, "u2")
		c.Get(context.Background(), "new_ui", u1)
		c.Get(context.Background(), "new_ui", u2)

		// Act
		eval.set("new_ui", ruleengine.Off("new_ui", ruleengine.BoolValue(false), ruleengine.ReasonDisabled))
		c.Invalidate("new_ui")

		// Assert
		for _, ectx := range []ruleengine.EvaluationContext{u1, u2} {
			_, ok := c.Lookup("new_ui", ectx)
			assert.False(t, ok, "every fingerprint is dropped")
			assert.Equal(t, ruleengine.ReasonDisabled, c.Get(context.Background(), "new_ui", ectx).Reason)
		}
	})

	t.Run("cascades to dependents", func(t *testing.T) {
		t.Parallel()

		eval := newFakeEvaluator()
		eval.deps["child"] = []string{"parent"}
		eval.set("child", ruleengine.On("child", ruleengine.BoolValue(true), ruleengine.ReasonRuleMatch))
		eval.set("unrelated", ruleengine.On("unrelated", ruleengine.BoolValue(true), ruleengine.ReasonRuleMatch))
		c := newTestCache(t, cache.Config{}, eval)
		ectx := testContext(t, "u1")
		c.Get(context.Background(), "child", ectx)
		c.Get(context.Background(), "unrelated", ectx)

		c.Invalidate("parent")

		_, ok := c.Lookup("child", ectx)
		assert.False(t, ok, "an entry derived from the invalidated flag is dropped")
		_, ok = c.Lookup("unrelated", ectx)
		assert.True(t, ok)
	})

	t.Run("discards evaluations that began before the invalidation", func(t *testing.T) {
		t.Parallel()

		// Arrange: the evaluation reads the old definition, then stalls.
		eval := newFakeEvaluator()
		eval.gate = make(chan struct{})
		eval.set("new_ui", ruleengine.On("new_ui", ruleengine.BoolValue(true), ruleengine.ReasonRuleMatch))
		c := newTestCache(t, cache.Config{}, eval)
		ectx := testContext(t, "u1")

		done := make(chan ruleengine.EvaluationResult, 1)
		go func() { done <- c.Get(context.Background(), "new_ui", ectx) }()
		require.Eventually(t, func() bool { return eval.calls.Load() == 1 }, time.Second, time.Millisecond)

		// Act
		eval.set("new_ui", ruleengine.Off("new_ui", ruleengine.BoolValue(false), ruleengine.ReasonDisabled))
		c.Invalidate("new_ui")
		close(eval.gate)
		<-done

		// Assert
		_, ok := c.Lookup("new_ui", ectx)
		assert.False(t, ok, "the stale result must not be stored")
		assert.Equal(t, ruleengine.ReasonDisabled, c.Get(context.Background(), "new_ui", ectx).Reason)
	})
}

func TestEvaluationCache_InvalidateAll(t *testing.T) {
	t.Parallel()

	eval := newFakeEvaluator()
	c := newTestCache(t, cache.Config{}, eval)
	ectx := testContext(t, "u1")
	for _, key := range []string{"a", "b", "c"} {
		c.Get(context.Background(), key, ectx)
	}

	c.InvalidateAll()

	for _, key := range []string{"a", "b", "c"} {
		_, ok := c.Lookup(key, ectx)
		assert.False(t, ok, key)
	}

	c.Get(context.Background(), "a", ectx)
	_, ok := c.Lookup("a", ectx)
	assert.True(t, ok, "entries written after the invalidation are served")
}

func TestEvaluationCache_GetMany(t *testing.T) {
	t.Parallel()

	// Arrange
	eval := newFakeEvaluator()
	eval.set("a", ruleengine.On("a", ruleengine.BoolValue(true), ruleengine.ReasonRuleMatch))
	c := newTestCache(t, cache.Config{}, eval)
	ectx := testContext(t, "u1")
	c.Get(context.Background(), "a", ectx)

	// Act
	got := c.GetMany(context.Background(), []string{"a", "b", "c"}, ectx)

	// Assert
	require.Len(t, got, 3)
	assert.Equal(t, ruleengine.ReasonRuleMatch, got["a"].Reason)
	assert.Equal(t, ruleengine.ReasonDisabled, got["b"].Reason)
	assert.Equal(t, int32(1), eval.calls.Load(), "the cached key is not re-evaluated")
	assert.Equal(t, int32(1), eval.batchCalls.Load(), "misses share one batched evaluation")

	_, ok := c.Lookup("c", ectx)
	assert.True(t, ok, "batched results are cached")
}
