package controlapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// maxBodyBytes caps request payloads; a batch of the maximum size fits comfortably.
const maxBodyBytes = 1 << 20

// Evaluator is the engine surface the API serves.
type Evaluator interface {
	Evaluate(ctx context.Context, flagKey string, ectx ruleengine.EvaluationContext) ruleengine.EvaluationResult
	EvaluateBatch(ctx context.Context, flagKeys []string, ectx ruleengine.EvaluationContext) (map[string]ruleengine.EvaluationResult, error)
	Invalidate(flagKey string)
	InvalidateAll()
}

// FlagInspector is the read-only view of the registry behind the inspection
// routes. Flag definitions are managed outside this service.
type FlagInspector interface {
	ListFlags(ctx context.Context, limit, offset int) ([]*ruleengine.FeatureFlag, int64, error)
	GetFlag(ctx context.Context, key string) (*ruleengine.FeatureFlag, error)
	GetFlagValue(ctx context.Context, flagID, environment string) (*ruleengine.FlagValue, error)
}

// API is the main struct that holds dependencies and the router.
// It follows the Dependency Injection pattern to facilitate testing.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	engine Evaluator

	// flags is nil when the process has no direct registry access; the
	// inspection routes then answer 501.
	flags FlagInspector

	// apiKeyHash is the hex SHA-256 of the key guarding cache control and inspection routes.
	apiKeyHash string

	// skipAuth disables authentication (test/dev environments only).
	skipAuth bool
}

// NewAPI creates a new API instance with authentication enabled.
// Panics if apiKeyHash is empty, as authentication cannot be disabled with this constructor.
func NewAPI(engine Evaluator, flags FlagInspector, apiKeyHash string) *API {
	return NewAPIWithConfig(engine, flags, apiKeyHash, false)
}

// NewAPIWithConfig creates a new API instance with explicit control over authentication.
//
// Panics if:
//   - engine is nil
//   - apiKeyHash is empty when skipAuth is false
func NewAPIWithConfig(engine Evaluator, flags FlagInspector, apiKeyHash string, skipAuth bool) *API {
	validation.AssertPresent(engine, "controlapi engine")
	if !skipAuth && apiKeyHash == "" {
		panic("controlapi: apiKeyHash cannot be empty when authentication is enabled")
	}

	api := &API{
		Router:     chi.NewRouter(),
		engine:     engine,
		flags:      flags,
		apiKeyHash: apiKeyHash,
		skipAuth:   skipAuth,
	}

	api.configureRoutes()
	return api
}

// configureRoutes registers the global middleware stack and API endpoints.
func (a *API) configureRoutes() {
	// 1. Global Middleware Stack
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(RequestLogger)
	a.Router.Use(Metrics)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(middleware.RequestSize(maxBodyBytes))
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	// 2. Public Routes
	a.Router.Get("/health", a.handleHealthCheck)

	a.Router.Route("/api/v1", func(r chi.Router) {
		// Evaluation is open to SDKs and services.
		r.Get("/flags/{key}/evaluate", a.handleEvaluateFlag)
		r.Post("/evaluate", a.handleEvaluate)
		r.Post("/evaluate/batch", a.handleEvaluateBatch)

		// 3. Protected Routes (authentication required)
		r.Group(func(r chi.Router) {
			r.Use(a.authenticateAPIKey)

			r.Post("/cache/invalidate", a.handleInvalidateAll)
			r.Post("/cache/invalidate/{key}", a.handleInvalidateFlag)

			r.Group(func(r chi.Router) {
				r.Use(a.requireInspector)

				r.Get("/flags", a.handleListFlags)
				r.Get("/flags/{key}", a.handleGetFlag)
				r.Get("/flags/{key}/values/{environment}", a.handleGetFlagValue)
			})
		})
	})
}

// handleHealthCheck reports that the HTTP server is serving. Dependency health
// is exposed by the observability server's readiness probe.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// requireInspector answers 501 when no registry is attached.
func (a *API) requireInspector(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.flags == nil {
			writeError(w, r, http.StatusNotImplemented, codeInspectionDisabled, "Flag inspection is not enabled on this instance")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeError renders the standard error body.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Code: code, Message: msg})
}
