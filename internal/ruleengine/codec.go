package ruleengine

import (
	"encoding/json"
	"fmt"
	"time"
)

// flagWire is the storage encoding of FeatureFlag (Redis L2, fixtures).
type flagWire struct {
	ID           string          `json:"id"`
	Key          string          `json:"key"`
	Name         string          `json:"name,omitempty"`
	Description  string          `json:"description,omitempty"`
	Type         FlagType        `json:"type"`
	DefaultValue json.RawMessage `json:"default_value"`
	IsGlobal     bool            `json:"is_global"`
	TenantID     string          `json:"tenant_id,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Status       Status          `json:"status"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// MarshalJSON implements json.Marshaler.
func (f FeatureFlag) MarshalJSON() ([]byte, error) {
	def, err := f.DefaultValue.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(flagWire{
		ID:           f.ID,
		Key:          f.Key,
		Name:         f.Name,
		Description:  f.Description,
		Type:         f.Type,
		DefaultValue: def,
		IsGlobal:     f.IsGlobal,
		TenantID:     f.TenantID,
		Dependencies: f.Dependencies,
		Status:       f.Status,
		UpdatedAt:    f.UpdatedAt,
	})
}

// UnmarshalJSON decodes and type-checks a stored flag.
func (f *FeatureFlag) UnmarshalJSON(data []byte) error {
	var w flagWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	def, err := ParseValue(w.Type, w.DefaultValue)
	if err != nil {
		return fmt.Errorf("flag %q default value: %w", w.Key, err)
	}
	*f = FeatureFlag{
		ID:           w.ID,
		Key:          w.Key,
		Name:         w.Name,
		Description:  w.Description,
		Type:         w.Type,
		DefaultValue: def,
		IsGlobal:     w.IsGlobal,
		TenantID:     w.TenantID,
		Dependencies: w.Dependencies,
		Status:       w.Status,
		UpdatedAt:    w.UpdatedAt,
	}
	return nil
}

// flagValueWire is the storage encoding of FlagValue. The value type travels
// with the payload so the override can be decoded without its flag.
type flagValueWire struct {
	FlagID            string          `json:"flag_id"`
	Environment       string          `json:"environment"`
	Enabled           bool            `json:"enabled"`
	RolloutPercentage float64         `json:"rollout_percentage"`
	Type              FlagType        `json:"type"`
	Value             json.RawMessage `json:"value"`
	Conditions        []Rule          `json:"conditions,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// MarshalJSON implements json.Marshaler.
func (v FlagValue) MarshalJSON() ([]byte, error) {
	raw, err := v.Value.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(flagValueWire{
		FlagID:            v.FlagID,
		Environment:       v.Environment,
		Enabled:           v.Enabled,
		RolloutPercentage: v.RolloutPercentage,
		Type:              v.Value.Type(),
		Value:             raw,
		Conditions:        v.Conditions,
		UpdatedAt:         v.UpdatedAt,
	})
}

// UnmarshalJSON decodes a stored override and compiles its conditions.
func (v *FlagValue) UnmarshalJSON(data []byte) error {
	var w flagValueWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	val, err := ParseValue(w.Type, w.Value)
	if err != nil {
		return fmt.Errorf("flag value %q/%q: %w", w.FlagID, w.Environment, err)
	}
	if err := CompileRules(w.Conditions); err != nil {
		return err
	}
	*v = FlagValue{
		FlagID:            w.FlagID,
		Environment:       w.Environment,
		Enabled:           w.Enabled,
		RolloutPercentage: w.RolloutPercentage,
		Value:             val,
		Conditions:        w.Conditions,
		UpdatedAt:         w.UpdatedAt,
	}
	return nil
}
