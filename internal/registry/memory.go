package registry

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// Compile-time checks.
var (
	_ Registry      = (*Memory)(nil)
	_ ValuesBatcher = (*Memory)(nil)
)

type valueKey struct {
	flagID      string
	environment string
}

// Memory is a concurrency-safe in-memory Registry with write-time validation.
// Every write runs the same checks a persistent store must run: type/default
// agreement, the tenant invariant and dependency-cycle detection.
type Memory struct {
	mu     sync.RWMutex
	flags  map[string]*ruleengine.FeatureFlag // by key
	keysBy map[string]string                  // flag ID -> key
	values map[valueKey]*ruleengine.FlagValue

	hooksMu sync.RWMutex
	hooks   []func(flagKey string)
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		flags:  make(map[string]*ruleengine.FeatureFlag),
		keysBy: make(map[string]string),
		values: make(map[valueKey]*ruleengine.FlagValue),
	}
}

// OnChange registers fn to be called with the key of every flag written or
// deleted. Hooks run synchronously after the write is visible to readers.
func (m *Memory) OnChange(fn func(flagKey string)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, fn)
}

func (m *Memory) notify(flagKey string) {
	m.hooksMu.RLock()
	hooks := slices.Clone(m.hooks)
	m.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn(flagKey)
	}
}

// PutFlag creates or replaces a flag. A missing ID is assigned; a replaced flag
// keeps its ID so existing overrides stay attached.
func (m *Memory) PutFlag(flag ruleengine.FeatureFlag) (*ruleengine.FeatureFlag, error) {
	if err := flag.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFlag, err)
	}
	flag.Dependencies = slices.Clone(flag.Dependencies)
	if flag.UpdatedAt.IsZero() {
		flag.UpdatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	if existing, ok := m.flags[flag.Key]; ok {
		flag.ID = existing.ID
	} else if flag.ID == "" {
		flag.ID = uuid.NewString()
	} else if owner, taken := m.keysBy[flag.ID]; taken {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: id %q already used by flag %q", ErrInvalidFlag, flag.ID, owner)
	}

	candidate := maps.Clone(m.flags)
	candidate[flag.Key] = &flag
	if err := ValidateGraph(candidate); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	m.flags[flag.Key] = &flag
	m.keysBy[flag.ID] = flag.Key
	m.mu.Unlock()

	m.notify(flag.Key)

	out := flag
	return &out, nil
}

// PutFlagValue creates or replaces the override of a flag in one environment.
// Conditions are compiled here so readers receive ready-to-match rules.
func (m *Memory) PutFlagValue(value ruleengine.FlagValue) error {
	value.Conditions = slices.Clone(value.Conditions)
	if err := ruleengine.CompileRules(value.Conditions); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFlag, err)
	}
	if value.UpdatedAt.IsZero() {
		value.UpdatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	key, ok := m.keysBy[value.FlagID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: id %q", ErrUnknownFlag, value.FlagID)
	}
	if err := value.Validate(m.flags[key].Type); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrInvalidFlag, err)
	}
	m.values[valueKey{value.FlagID, value.Environment}] = &value
	m.mu.Unlock()

	m.notify(key)
	return nil
}

// DeleteFlag removes a flag and all of its overrides. It reports whether the flag existed.
func (m *Memory) DeleteFlag(key string) bool {
	m.mu.Lock()
	flag, ok := m.flags[key]
	if ok {
		delete(m.flags, key)
		delete(m.keysBy, flag.ID)
		for vk := range m.values {
			if vk.flagID == flag.ID {
				delete(m.values, vk)
			}
		}
	}
	m.mu.Unlock()

	if ok {
		m.notify(key)
	}
	return ok
}

// GetFlag implements Registry.
func (m *Memory) GetFlag(ctx context.Context, key string) (*ruleengine.FeatureFlag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, ok := m.flags[key]
	if !ok {
		return nil, nil
	}
	out := *flag
	return &out, nil
}

// GetFlagValue implements Registry.
func (m *Memory) GetFlagValue(ctx context.Context, flagID, environment string) (*ruleengine.FlagValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.values[valueKey{flagID, environment}]
	if !ok {
		return nil, nil
	}
	out := *value
	return &out, nil
}

// GetFlagsBatch implements Registry.
func (m *Memory) GetFlagsBatch(ctx context.Context, keys []string) (map[string]*ruleengine.FeatureFlag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*ruleengine.FeatureFlag, len(keys))
	for _, key := range keys {
		if flag, ok := m.flags[key]; ok {
			cp := *flag
			out[key] = &cp
		}
	}
	return out, nil
}

// GetFlagValuesBatch implements ValuesBatcher.
func (m *Memory) GetFlagValuesBatch(ctx context.Context, flagIDs []string, environment string) (map[string]*ruleengine.FlagValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*ruleengine.FlagValue, len(flagIDs))
	for _, id := range flagIDs {
		if value, ok := m.values[valueKey{id, environment}]; ok {
			cp := *value
			out[id] = &cp
		}
	}
	return out, nil
}

// ListFlags returns a page of flags ordered by key, plus the total count.
func (m *Memory) ListFlags(ctx context.Context, limit, offset int) ([]*ruleengine.FeatureFlag, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := slices.Sorted(maps.Keys(m.flags))
	total := int64(len(keys))
	offset = max(offset, 0)
	if offset >= len(keys) {
		return []*ruleengine.FeatureFlag{}, total, nil
	}
	keys = keys[offset:min(offset+limit, len(keys))]

	out := make([]*ruleengine.FeatureFlag, len(keys))
	for i, key := range keys {
		cp := *m.flags[key]
		out[i] = &cp
	}
	return out, total, nil
}
