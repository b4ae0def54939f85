// Package ruleengine holds the pure building blocks of flag evaluation: the flag
// data model, typed flag values, evaluation contexts, rollout bucketing and the
// targeting-rule matcher. Nothing in this package performs I/O.
package ruleengine

import (
	"errors"
	"fmt"
	"time"
)

// FlagType discriminates the Value union carried by a flag.
type FlagType string

const (
	TypeBoolean FlagType = "boolean"
	TypeString  FlagType = "string"
	TypeNumber  FlagType = "number"
	TypeJSON    FlagType = "json"
)

// Valid reports whether t is one of the supported flag types.
func (t FlagType) Valid() bool {
	switch t {
	case TypeBoolean, TypeString, TypeNumber, TypeJSON:
		return true
	}
	return false
}

// Status is the lifecycle state of a flag. Only active flags are evaluated.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusArchived Status = "archived"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusArchived:
		return true
	}
	return false
}

// ErrTypeMismatch is returned when a value does not agree with its flag type.
var ErrTypeMismatch = errors.New("flag value does not match flag type")

// FeatureFlag is the registry-owned definition of a flag.
type FeatureFlag struct {
	ID           string
	Key          string
	Name         string
	Description  string
	Type         FlagType
	DefaultValue Value
	IsGlobal     bool
	// TenantID is empty iff IsGlobal is true.
	TenantID string
	// Dependencies are flag keys that must evaluate enabled first, in order.
	Dependencies []string
	Status       Status
	UpdatedAt    time.Time
}

// Active reports whether the flag takes part in evaluation.
func (f *FeatureFlag) Active() bool {
	return f.Status == StatusActive
}

// InScope reports whether a caller in tenantID may see this flag's overrides.
func (f *FeatureFlag) InScope(tenantID string) bool {
	return f.IsGlobal || f.TenantID == tenantID
}

// Validate checks the invariants a single flag must satisfy on its own.
// Graph-level invariants (dependency cycles) are checked by the registry.
func (f *FeatureFlag) Validate() error {
	if f.Key == "" {
		return fmt.Errorf("flag key cannot be empty")
	}
	if !f.Type.Valid() {
		return fmt.Errorf("flag %q: unknown type %q", f.Key, f.Type)
	}
	if !f.Status.Valid() {
		return fmt.Errorf("flag %q: unknown status %q", f.Key, f.Status)
	}
	if f.DefaultValue.Type() != f.Type {
		return fmt.Errorf("flag %q default value: %w", f.Key, ErrTypeMismatch)
	}
	if f.IsGlobal != (f.TenantID == "") {
		return fmt.Errorf("flag %q: tenant id must be set iff the flag is not global", f.Key)
	}
	seen := make(map[string]struct{}, len(f.Dependencies))
	for _, dep := range f.Dependencies {
		if dep == f.Key {
			return fmt.Errorf("flag %q depends on itself", f.Key)
		}
		if _, dup := seen[dep]; dup {
			return fmt.Errorf("flag %q lists dependency %q twice", f.Key, dep)
		}
		seen[dep] = struct{}{}
	}
	return nil
}

// FlagValue is the per-environment override of a flag.
type FlagValue struct {
	FlagID      string
	Environment string
	Enabled     bool
	// RolloutPercentage is in [0, 100]; two decimal places are significant.
	RolloutPercentage float64
	Value             Value
	// Conditions are compiled targeting rules. Empty means no conditions.
	Conditions []Rule
	UpdatedAt  time.Time
}

// HasConditions reports whether targeting rules are attached.
func (v *FlagValue) HasConditions() bool {
	return len(v.Conditions) > 0
}

// Validate checks the override against the type of the flag it belongs to.
func (v *FlagValue) Validate(flagType FlagType) error {
	if v.FlagID == "" || v.Environment == "" {
		return fmt.Errorf("flag value requires flag id and environment")
	}
	if v.RolloutPercentage < 0 || v.RolloutPercentage > 100 {
		return fmt.Errorf("rollout percentage must be between 0 and 100, got %v", v.RolloutPercentage)
	}
	if v.Value.Type() != flagType {
		return fmt.Errorf("flag value for %q/%q: %w", v.FlagID, v.Environment, ErrTypeMismatch)
	}
	return nil
}
