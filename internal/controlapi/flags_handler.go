package controlapi

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// handleListFlags processes the GET /api/v1/flags request.
//
// Responsibilities:
// 1. Parses and sanitizes pagination parameters (page, page_size).
// 2. Calls the registry to fetch data and total count.
// 3. Maps domain models to DTOs and calculates pagination metadata.
func (a *API) handleListFlags(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	// 1. Parse Query Parameters (Type Validation)
	page, err := parseOptionalInt(r, "page", 1)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidQuery, err.Error())
		return
	}

	pageSize, err := parseOptionalInt(r, "page_size", 10)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidQuery, err.Error())
		return
	}

	// 2. Sanitize & Clamp
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	if page-1 > math.MaxInt32/pageSize {
		writeError(w, r, http.StatusBadRequest, codeInvalidQuery, "parameter 'page' is out of range")
		return
	}
	offset := (page - 1) * pageSize

	// 3. Call Registry
	flags, totalItems, err := a.flags.ListFlags(r.Context(), pageSize, offset)
	if err != nil {
		log.Error("failed to list flags", slog.String("error", err.Error()))
		writeError(w, r, http.StatusInternalServerError, codeInternal, "Failed to list flags")
		return
	}

	// 4. Map to DTOs
	dtos := make([]Flag, len(flags))
	for i, f := range flags {
		dtos[i] = toFlagResponse(f)
	}

	totalPages := 0
	if totalItems > 0 {
		totalPages = int(math.Ceil(float64(totalItems) / float64(pageSize)))
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, PaginatedResponse{
		Data: dtos,
		Pagination: Pagination{
			TotalItems:  totalItems,
			TotalPages:  totalPages,
			CurrentPage: page,
			PageSize:    pageSize,
		},
	})
}

// handleGetFlag processes GET /api/v1/flags/{key}.
func (a *API) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	flag, ok := a.loadFlag(w, r)
	if !ok {
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, toFlagResponse(flag))
}

// handleGetFlagValue processes GET /api/v1/flags/{key}/values/{environment}.
func (a *API) handleGetFlagValue(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	flag, ok := a.loadFlag(w, r)
	if !ok {
		return
	}
	env := strings.TrimSpace(chi.URLParam(r, "environment"))

	value, err := a.flags.GetFlagValue(r.Context(), flag.ID, env)
	if err != nil {
		log.Error("failed to load flag value", slog.String("flag_key", flag.Key), slog.String("error", err.Error()))
		writeError(w, r, http.StatusInternalServerError, codeInternal, "Failed to load flag value")
		return
	}
	if value == nil {
		writeError(w, r, http.StatusNotFound, codeNotFound, "Flag has no value in this environment")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, toFlagValueResponse(flag.Key, value))
}

// --- Private Helpers ---

// loadFlag resolves the {key} path parameter, answering 404 when absent.
func (a *API) loadFlag(w http.ResponseWriter, r *http.Request) (*ruleengine.FeatureFlag, bool) {
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	flag, err := a.flags.GetFlag(r.Context(), key)
	if err != nil {
		logger.FromContext(r.Context()).Error("failed to load flag",
			slog.String("flag_key", key),
			slog.String("error", err.Error()),
		)
		writeError(w, r, http.StatusInternalServerError, codeInternal, "Failed to load flag")
		return nil, false
	}
	if flag == nil {
		writeError(w, r, http.StatusNotFound, codeNotFound, "Flag not found")
		return nil, false
	}
	return flag, true
}

// parseOptionalInt extracts an integer from the query string.
// If the parameter is missing, it returns the defaultValue.
// It only returns an error if the parameter is present but malformed.
func parseOptionalInt(r *http.Request, key string, defaultValue int) (int, error) {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultValue, nil
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 0, fmt.Errorf("parameter '%s' must be an integer", key)
	}
	return val, nil
}

func toFlagResponse(f *ruleengine.FeatureFlag) Flag {
	// Value.MarshalJSON never fails for a type-checked value.
	def, _ := f.DefaultValue.MarshalJSON()
	deps := f.Dependencies
	if deps == nil {
		deps = []string{}
	}
	return Flag{
		ID:           f.ID,
		Key:          f.Key,
		Name:         f.Name,
		Description:  f.Description,
		Type:         string(f.Type),
		DefaultValue: def,
		IsGlobal:     f.IsGlobal,
		TenantID:     f.TenantID,
		Dependencies: deps,
		Status:       string(f.Status),
		UpdatedAt:    f.UpdatedAt,
	}
}

func toFlagValueResponse(flagKey string, v *ruleengine.FlagValue) FlagValue {
	conditions := v.Conditions
	if conditions == nil {
		conditions = []ruleengine.Rule{}
	}
	return FlagValue{
		FlagKey:           flagKey,
		Environment:       v.Environment,
		Enabled:           v.Enabled,
		RolloutPercentage: v.RolloutPercentage,
		Value:             v.Value,
		Conditions:        conditions,
	}
}
