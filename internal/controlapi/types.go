// Package controlapi implements the Bifrost REST API: flag evaluation, cache
// control and read-only flag inspection.
// It handles HTTP routing, request decoding, validation, and response formatting.
package controlapi

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// flagKeyRegex ensures keys are URL-safe slugs.
var flagKeyRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

const maxFlagKeyLength = 255

// Error codes returned in ErrorResponse.Code.
const (
	codeInvalidJSON        = "ERR_INVALID_JSON"
	codeInvalidInput       = "ERR_INVALID_INPUT"
	codeInvalidQuery       = "ERR_INVALID_QUERY_PARAM"
	codeMissingEnv         = "ERR_ENVIRONMENT_REQUIRED"
	codeTooManyKeys        = "ERR_TOO_MANY_KEYS"
	codeUnauthorized       = "ERR_UNAUTHORIZED"
	codeNotFound           = "ERR_NOT_FOUND"
	codeInternal           = "ERR_INTERNAL"
	codeInspectionDisabled = "ERR_INSPECTION_DISABLED"
	codeRequestBodyTooBig  = "ERR_BODY_TOO_LARGE"
)

// -----------------------------------------------------------------------------
// Evaluation
// -----------------------------------------------------------------------------

// ContextRequest is the caller identity sent with an evaluation.
type ContextRequest struct {
	UserID       string `json:"user_id,omitempty"`
	TenantID     string `json:"tenant_id,omitempty"`
	Environment  string `json:"environment"`
	SessionToken string `json:"session_token,omitempty"`

	Email string `json:"email,omitempty"`
	Plan  string `json:"plan,omitempty"`
	Role  string `json:"role,omitempty"`

	UserProperties   map[string]any `json:"user_properties,omitempty"`
	CustomProperties map[string]any `json:"custom_properties,omitempty"`
}

// Build converts the request into an evaluation context. The only failure is a
// missing environment.
func (c ContextRequest) Build() (ruleengine.EvaluationContext, error) {
	return ruleengine.NewContext(ruleengine.Identity{
		UserID:           c.UserID,
		TenantID:         c.TenantID,
		SessionToken:     c.SessionToken,
		Email:            c.Email,
		Plan:             c.Plan,
		Role:             c.Role,
		UserProperties:   c.UserProperties,
		CustomProperties: c.CustomProperties,
	}, c.Environment)
}

// EvaluateRequest is the payload of POST /api/v1/evaluate.
type EvaluateRequest struct {
	FlagKey string         `json:"flag_key"`
	Context ContextRequest `json:"context"`
}

// Sanitize trims the flag key.
func (r *EvaluateRequest) Sanitize() {
	r.FlagKey = strings.TrimSpace(r.FlagKey)
}

// Validate checks the flag key; the context is checked when it is built.
func (r *EvaluateRequest) Validate() *ErrorResponse {
	return validateFlagKey(r.FlagKey)
}

// BatchEvaluateRequest is the payload of POST /api/v1/evaluate/batch.
type BatchEvaluateRequest struct {
	FlagKeys []string       `json:"flag_keys"`
	Context  ContextRequest `json:"context"`
}

// Sanitize trims every key.
func (r *BatchEvaluateRequest) Sanitize() {
	for i, k := range r.FlagKeys {
		r.FlagKeys[i] = strings.TrimSpace(k)
	}
}

// Validate rejects malformed keys. An empty list is valid and yields an empty result.
func (r *BatchEvaluateRequest) Validate() *ErrorResponse {
	for _, k := range r.FlagKeys {
		if err := validateFlagKey(k); err != nil {
			return err
		}
	}
	return nil
}

// EvaluationResponse is the outcome of one flag evaluation.
type EvaluationResponse struct {
	FlagKey string           `json:"flag_key"`
	Value   ruleengine.Value `json:"value"`
	Enabled bool             `json:"enabled"`
	Reason  string           `json:"reason"`
}

// BatchEvaluationResponse maps each distinct requested key to its result.
type BatchEvaluationResponse struct {
	Results map[string]EvaluationResponse `json:"results"`
}

func toEvaluationResponse(r ruleengine.EvaluationResult) EvaluationResponse {
	return EvaluationResponse{
		FlagKey: r.FlagKey,
		Value:   r.Value,
		Enabled: r.Enabled,
		Reason:  string(r.Reason),
	}
}

// InvalidateResponse acknowledges a cache invalidation.
type InvalidateResponse struct {
	Scope   string `json:"scope"`
	FlagKey string `json:"flag_key,omitempty"`
}

// -----------------------------------------------------------------------------
// Inspection
// -----------------------------------------------------------------------------

// Flag is the flag resource as returned by the inspection endpoints.
type Flag struct {
	ID           string          `json:"id"`
	Key          string          `json:"key"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Type         string          `json:"type"`
	DefaultValue json.RawMessage `json:"default_value"`
	IsGlobal     bool            `json:"is_global"`
	TenantID     string          `json:"tenant_id,omitempty"`
	Dependencies []string        `json:"dependencies"`
	Status       string          `json:"status"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// FlagValue is the override resource as returned by the inspection endpoints.
type FlagValue struct {
	FlagKey           string            `json:"flag_key"`
	Environment       string            `json:"environment"`
	Enabled           bool              `json:"enabled"`
	RolloutPercentage float64           `json:"rollout_percentage"`
	Value             ruleengine.Value  `json:"value"`
	Conditions        []ruleengine.Rule `json:"conditions"`
}

// PaginatedResponse is a standard wrapper for list endpoints to support offset pagination.
type PaginatedResponse struct {
	Data       any        `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// Pagination metadata for the frontend pager.
type Pagination struct {
	TotalItems  int64 `json:"total_items"`
	TotalPages  int   `json:"total_pages"`
	CurrentPage int   `json:"current_page"`
	PageSize    int   `json:"page_size"`
}

// -----------------------------------------------------------------------------
// Errors and shared validation
// -----------------------------------------------------------------------------

// ErrorResponse represents a standard structured API error.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g., "ERR_INVALID_INPUT").
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`
}

func invalidInput(msg string) *ErrorResponse {
	return &ErrorResponse{Code: codeInvalidInput, Message: msg}
}

// validateFlagKey enforces the format and length rules for the natural key.
func validateFlagKey(key string) *ErrorResponse {
	if key == "" {
		return invalidInput("Key is required")
	}
	if len(key) > maxFlagKeyLength {
		return invalidInput("Key must be at most 255 characters")
	}
	if !flagKeyRegex.MatchString(key) {
		return invalidInput("Key must contain only lowercase letters, numbers, '_', '.' and '-'")
	}
	return nil
}
