// Package registry defines the read contract the evaluation engine needs from
// the flag-definition store, plus an in-memory implementation used by tests,
// embedded deployments and as the reference for write-time validation.
package registry

import (
	"context"
	"errors"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

var (
	// ErrInvalidFlag is returned when a flag or flag value violates a record-level invariant.
	ErrInvalidFlag = errors.New("invalid flag definition")

	// ErrDependencyCycle is returned when a write would introduce a dependency cycle.
	ErrDependencyCycle = errors.New("flag dependency cycle")

	// ErrUnknownFlag is returned when a flag value references a flag that does not exist.
	ErrUnknownFlag = errors.New("unknown flag")
)

// Registry is the read side of the flag-definition store.
//
// Absence is not an error: GetFlag and GetFlagValue return (nil, nil) when the
// record does not exist, and GetFlagsBatch omits missing keys. Errors are
// reserved for transport or decoding failures.
type Registry interface {
	GetFlag(ctx context.Context, key string) (*ruleengine.FeatureFlag, error)
	GetFlagValue(ctx context.Context, flagID, environment string) (*ruleengine.FlagValue, error)
	GetFlagsBatch(ctx context.Context, keys []string) (map[string]*ruleengine.FeatureFlag, error)
}

// ValuesBatcher is implemented by registries that can fetch the overrides of
// many flags for one environment in a single round trip. The result is keyed
// by flag ID; flags without an override are omitted.
type ValuesBatcher interface {
	GetFlagValuesBatch(ctx context.Context, flagIDs []string, environment string) (map[string]*ruleengine.FlagValue, error)
}
