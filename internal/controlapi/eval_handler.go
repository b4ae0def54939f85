package controlapi

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rafaeljc/bifrost/internal/evaluation"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// Context headers accepted by GET evaluation. Query parameters of the same
// name in snake_case take precedence.
const (
	headerUserID       = "X-Bifrost-User-Id"
	headerTenantID     = "X-Bifrost-Tenant-Id"
	headerEnvironment  = "X-Bifrost-Environment"
	headerSessionToken = "X-Bifrost-Session-Token"

	// Query prefixes for targeting properties, e.g. ?attr.country=PT&custom.beta=yes
	userPropertyPrefix   = "attr."
	customPropertyPrefix = "custom."
)

// handleEvaluateFlag processes GET /api/v1/flags/{key}/evaluate. The context
// comes from X-Bifrost-* headers and the query string.
func (a *API) handleEvaluateFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	if errResp := validateFlagKey(key); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	ectx, ok := a.buildContext(w, r, contextFromRequest(r))
	if !ok {
		return
	}

	res := a.engine.Evaluate(r.Context(), key, ectx)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, toEvaluationResponse(res))
}

// handleEvaluate processes POST /api/v1/evaluate.
func (a *API) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	ectx, ok := a.buildContext(w, r, req.Context)
	if !ok {
		return
	}

	res := a.engine.Evaluate(r.Context(), req.FlagKey, ectx)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, toEvaluationResponse(res))
}

// handleEvaluateBatch processes POST /api/v1/evaluate/batch.
func (a *API) handleEvaluateBatch(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req BatchEvaluateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	ectx, ok := a.buildContext(w, r, req.Context)
	if !ok {
		return
	}

	results, err := a.engine.EvaluateBatch(r.Context(), req.FlagKeys, ectx)
	if err != nil {
		if errors.Is(err, evaluation.ErrTooManyKeys) {
			log.Warn("batch rejected", slog.Int("keys", len(req.FlagKeys)))
			writeError(w, r, http.StatusBadRequest, codeTooManyKeys, err.Error())
			return
		}
		log.Error("batch evaluation failed", slog.String("error", err.Error()))
		writeError(w, r, http.StatusInternalServerError, codeInternal, "Failed to evaluate flags")
		return
	}

	resp := BatchEvaluationResponse{Results: make(map[string]EvaluationResponse, len(results))}
	for k, res := range results {
		resp.Results[k] = toEvaluationResponse(res)
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// buildContext converts the request context, answering 400 when the
// environment is missing.
func (a *API) buildContext(w http.ResponseWriter, r *http.Request, req ContextRequest) (ruleengine.EvaluationContext, bool) {
	ectx, err := req.Build()
	if err != nil {
		if errors.Is(err, ruleengine.ErrEnvironmentRequired) {
			writeError(w, r, http.StatusBadRequest, codeMissingEnv, "An environment is required to evaluate flags")
			return ruleengine.EvaluationContext{}, false
		}
		writeError(w, r, http.StatusBadRequest, codeInvalidInput, err.Error())
		return ruleengine.EvaluationContext{}, false
	}
	return ectx, true
}

// contextFromRequest reads the evaluation context of a GET request.
func contextFromRequest(r *http.Request) ContextRequest {
	q := r.URL.Query()
	pick := func(param, header string) string {
		if v := q.Get(param); v != "" {
			return v
		}
		if header == "" {
			return ""
		}
		return r.Header.Get(header)
	}

	return ContextRequest{
		UserID:           pick("user_id", headerUserID),
		TenantID:         pick("tenant_id", headerTenantID),
		Environment:      pick("environment", headerEnvironment),
		SessionToken:     pick("session_token", headerSessionToken),
		Email:            pick("email", ""),
		Plan:             pick("plan", ""),
		Role:             pick("role", ""),
		UserProperties:   prefixedParams(q, userPropertyPrefix),
		CustomProperties: prefixedParams(q, customPropertyPrefix),
	}
}

func prefixedParams(q url.Values, prefix string) map[string]any {
	var out map[string]any
	for name, values := range q {
		prop, ok := strings.CutPrefix(name, prefix)
		if !ok || prop == "" || len(values) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[prop] = values[0]
	}
	return out
}

// decodeJSON decodes the body into v, answering 400 (or 413) on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := render.DecodeJSON(r.Body, v)
	if err == nil {
		return true
	}

	logger.FromContext(r.Context()).Warn("invalid json payload", slog.String("error", err.Error()))

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, codeRequestBodyTooBig, "Request body is too large")
		return false
	}
	writeError(w, r, http.StatusBadRequest, codeInvalidJSON, "Invalid JSON payload: "+err.Error())
	return false
}
