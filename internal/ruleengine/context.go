package ruleengine

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"maps"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

// ErrEnvironmentRequired is the only error the context builder returns: without
// an environment no per-environment decision can be made.
var ErrEnvironmentRequired = errors.New("evaluation context requires an environment")

// anonymousNamespace seeds the UUIDv5 derivation of anonymous subject ids.
// Changing it reshuffles every anonymous rollout decision.
var anonymousNamespace = uuid.MustParse("6f1c2a4e-5b7d-4c1e-9a3f-2d8b0e7c4a91")

// Identity is what a caller knows about the requesting subject.
type Identity struct {
	UserID   string
	TenantID string
	// SessionToken seeds a stable anonymous subject id when UserID is empty.
	SessionToken string

	Email string
	Plan  string
	Role  string

	UserProperties   map[string]any
	CustomProperties map[string]any
}

// EvaluationContext is the immutable per-request input to evaluation.
type EvaluationContext struct {
	UserID      string `json:"user_id,omitempty"`
	TenantID    string `json:"tenant_id,omitempty"`
	Environment string `json:"environment"`
	AnonymousID string `json:"anonymous_id,omitempty"`

	// UserProperties holds scalar attributes (string, bool, float64).
	UserProperties   map[string]any `json:"user_properties,omitempty"`
	CustomProperties map[string]any `json:"custom_properties,omitempty"`
}

// NewContext builds an EvaluationContext. Optional fields that are missing stay
// empty; only a blank environment is rejected.
func NewContext(id Identity, environment string) (EvaluationContext, error) {
	env := strings.TrimSpace(environment)
	if env == "" {
		return EvaluationContext{}, ErrEnvironmentRequired
	}

	ctx := EvaluationContext{
		UserID:           strings.TrimSpace(id.UserID),
		TenantID:         strings.TrimSpace(id.TenantID),
		Environment:      env,
		UserProperties:   scalarProperties(id.UserProperties),
		CustomProperties: maps.Clone(id.CustomProperties),
	}

	if token := strings.TrimSpace(id.SessionToken); token != "" {
		ctx.AnonymousID = AnonymousID(token)
	}

	for name, v := range map[string]string{"email": id.Email, "plan": id.Plan, "role": id.Role} {
		if v = strings.TrimSpace(v); v == "" {
			continue
		}
		if ctx.UserProperties == nil {
			ctx.UserProperties = make(map[string]any, 3)
		}
		ctx.UserProperties[name] = v
	}

	return ctx, nil
}

// AnonymousID derives the stable subject id used for callers without a user id.
func AnonymousID(sessionToken string) string {
	return "anon-" + uuid.NewSHA1(anonymousNamespace, []byte(sessionToken)).String()
}

// SubjectID is the identity rollout buckets on: the user id, else the anonymous id.
// Empty means no stable identity exists.
func (c EvaluationContext) SubjectID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.AnonymousID
}

// Fingerprint hashes the evaluation-relevant identity of the context: user id,
// tenant id, environment, and the anonymous id when it is the bucketing subject.
// Property maps never participate, which bounds cache cardinality.
func (c EvaluationContext) Fingerprint() uint64 {
	h := murmur3.New64()
	for _, part := range [...]string{c.UserID, c.TenantID, c.Environment, c.anonymousSubject()} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(part)))
		_, _ = h.Write(n[:])
		_, _ = h.Write([]byte(part))
	}
	return h.Sum64()
}

func (c EvaluationContext) anonymousSubject() string {
	if c.UserID != "" {
		return ""
	}
	return c.AnonymousID
}

// Attribute resolves a targeting attribute. Well-known identity fields win over
// user properties, which win over custom properties.
func (c EvaluationContext) Attribute(name string) (any, bool) {
	switch name {
	case "user_id":
		return c.UserID, c.UserID != ""
	case "tenant_id":
		return c.TenantID, c.TenantID != ""
	case "environment":
		return c.Environment, true
	case "anonymous_id":
		return c.AnonymousID, c.AnonymousID != ""
	case "subject_id":
		s := c.SubjectID()
		return s, s != ""
	}
	if v, ok := c.UserProperties[name]; ok {
		return v, true
	}
	v, ok := c.CustomProperties[name]
	return v, ok
}

// scalarProperties keeps string, bool and numeric entries, normalising numbers
// to float64 so comparisons do not depend on the caller's integer width.
func scalarProperties(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := normalizeScalar(v); ok {
			out[k] = s
		}
	}
	return out
}

func normalizeScalar(v any) (any, bool) {
	switch x := v.(type) {
	case string, bool:
		return x, true
	case float64:
		return x, !math.IsNaN(x)
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return nil, false
	}
}
