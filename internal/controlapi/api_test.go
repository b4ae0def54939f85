package controlapi_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/controlapi"
	"github.com/rafaeljc/bifrost/internal/evaluation"
	"github.com/rafaeljc/bifrost/internal/registry"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

const testAPIKey = "s3cret-key"

func testKeyHash() string {
	sum := sha256.Sum256([]byte(testAPIKey))
	return hex.EncodeToString(sum[:])
}

// newTestEngine serves new_ui (boolean, enabled for everyone in production)
// and checkout_theme (string, disabled in production).
func newTestEngine(t *testing.T) (*evaluation.Engine, *registry.Memory) {
	t.Helper()
	reg := registry.NewMemory()

	newUI, err := reg.PutFlag(ruleengine.FeatureFlag{
		Key:          "new_ui",
		Type:         ruleengine.TypeBoolean,
		DefaultValue: ruleengine.BoolValue(false),
		IsGlobal:     true,
		Status:       ruleengine.StatusActive,
	})
	require.NoError(t, err)
	require.NoError(t, reg.PutFlagValue(ruleengine.FlagValue{
		FlagID:            newUI.ID,
		Environment:       "production",
		Enabled:           true,
		RolloutPercentage: 100,
		Value:             ruleengine.BoolValue(true),
	}))

	theme, err := reg.PutFlag(ruleengine.FeatureFlag{
		Key:          "checkout_theme",
		Type:         ruleengine.TypeString,
		DefaultValue: ruleengine.StringValue("classic"),
		IsGlobal:     true,
		Status:       ruleengine.StatusActive,
	})
	require.NoError(t, err)
	require.NoError(t, reg.PutFlagValue(ruleengine.FlagValue{
		FlagID:            theme.ID,
		Environment:       "production",
		Enabled:           false,
		RolloutPercentage: 100,
		Value:             ruleengine.StringValue("dark"),
	}))

	engine, err := evaluation.NewEngine(nil, &config.EngineConfig{
		CacheTTL:        5 * time.Minute,
		CacheCapacity:   1000,
		RegistryTimeout: 100 * time.Millisecond,
		BatchMaxKeys:    3,
	}, reg, nil)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return engine, reg
}

func do(t *testing.T, api *controlapi.API, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	api.Router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())
	return out
}

func TestNewAPI_RequiresKeyHash(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t)
	assert.Panics(t, func() { controlapi.NewAPI(engine, nil, "") })
	assert.Panics(t, func() { controlapi.NewAPIWithConfig(nil, nil, "", true) })
	assert.NotPanics(t, func() { controlapi.NewAPIWithConfig(engine, nil, "", true) })
}

func TestEvaluateEndpoints(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t)
	api := controlapi.NewAPI(engine, nil, testKeyHash())

	tests := []struct {
		name       string
		method     string
		target     string
		body       any
		headers    map[string]string
		wantStatus int
		wantCode   string
		wantResult *controlapi.EvaluationResponse
	}{
		{
			name:       "GET with query context",
			method:     http.MethodGet,
			target:     "/api/v1/flags/new_ui/evaluate?environment=production&user_id=u1",
			wantStatus: http.StatusOK,
			wantResult: &controlapi.EvaluationResponse{FlagKey: "new_ui", Value: ruleengine.BoolValue(true), Enabled: true, Reason: "ROLLOUT_INCLUDED"},
		},
		{
			name:       "GET with header context",
			method:     http.MethodGet,
			target:     "/api/v1/flags/checkout_theme/evaluate",
			headers:    map[string]string{"X-Bifrost-Environment": "production", "X-Bifrost-User-Id": "u1"},
			wantStatus: http.StatusOK,
			wantResult: &controlapi.EvaluationResponse{FlagKey: "checkout_theme", Value: ruleengine.StringValue("classic"), Enabled: false, Reason: "DISABLED"},
		},
		{
			name:       "GET without environment",
			method:     http.MethodGet,
			target:     "/api/v1/flags/new_ui/evaluate?user_id=u1",
			wantStatus: http.StatusBadRequest,
			wantCode:   "ERR_ENVIRONMENT_REQUIRED",
		},
		{
			name:       "GET with malformed key",
			method:     http.MethodGet,
			target:     "/api/v1/flags/New%20UI/evaluate?environment=production",
			wantStatus: http.StatusBadRequest,
			wantCode:   "ERR_INVALID_INPUT",
		},
		{
			name:   "POST evaluate",
			method: http.MethodPost,
			target: "/api/v1/evaluate",
			body: controlapi.EvaluateRequest{
				FlagKey: "new_ui",
				Context: controlapi.ContextRequest{Environment: "production", SessionToken: "sess-1"},
			},
			wantStatus: http.StatusOK,
			wantResult: &controlapi.EvaluationResponse{FlagKey: "new_ui", Value: ruleengine.BoolValue(true), Enabled: true, Reason: "ROLLOUT_INCLUDED"},
		},
		{
			name:       "POST evaluate unknown flag",
			method:     http.MethodPost,
			target:     "/api/v1/evaluate",
			body:       controlapi.EvaluateRequest{FlagKey: "ghost", Context: controlapi.ContextRequest{Environment: "production"}},
			wantStatus: http.StatusOK,
			wantResult: &controlapi.EvaluationResponse{FlagKey: "ghost", Value: ruleengine.Null(), Enabled: false, Reason: "DISABLED"},
		},
		{
			name:       "POST evaluate invalid json",
			method:     http.MethodPost,
			target:     "/api/v1/evaluate",
			body:       `{"flag_key":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "ERR_INVALID_JSON",
		},
		{
			name:       "POST evaluate missing environment",
			method:     http.MethodPost,
			target:     "/api/v1/evaluate",
			body:       controlapi.EvaluateRequest{FlagKey: "new_ui"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "ERR_ENVIRONMENT_REQUIRED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Act
			rec := do(t, api, tt.method, tt.target, tt.body, tt.headers)

			// Assert
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decode[controlapi.ErrorResponse](t, rec).Code)
			}
			if tt.wantResult != nil {
				got := decode[map[string]any](t, rec)
				want, err := json.Marshal(tt.wantResult)
				require.NoError(t, err)
				var wantMap map[string]any
				require.NoError(t, json.Unmarshal(want, &wantMap))
				assert.Equal(t, wantMap, got)
			}
		})
	}
}

func TestEvaluateBatchEndpoint(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t)
	api := controlapi.NewAPIWithConfig(engine, nil, "", true)
	ctx := controlapi.ContextRequest{Environment: "production", UserID: "u1"}

	t.Run("returns one result per distinct key", func(t *testing.T) {
		t.Parallel()

		rec := do(t, api, http.MethodPost, "/api/v1/evaluate/batch", controlapi.BatchEvaluateRequest{
			FlagKeys: []string{"new_ui", "checkout_theme", "new_ui"},
			Context:  ctx,
		}, nil)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var body struct {
			Results map[string]struct {
				Value   any    `json:"value"`
				Enabled bool   `json:"enabled"`
				Reason  string `json:"reason"`
			} `json:"results"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		require.Len(t, body.Results, 2)
		assert.Equal(t, true, body.Results["new_ui"].Value)
		assert.Equal(t, "ROLLOUT_INCLUDED", body.Results["new_ui"].Reason)
		assert.Equal(t, "classic", body.Results["checkout_theme"].Value)
		assert.Equal(t, "DISABLED", body.Results["checkout_theme"].Reason)
	})

	t.Run("empty key set yields empty results", func(t *testing.T) {
		t.Parallel()

		rec := do(t, api, http.MethodPost, "/api/v1/evaluate/batch", controlapi.BatchEvaluateRequest{Context: ctx}, nil)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"results":{}}`, rec.Body.String())
	})

	t.Run("rejects batches above the limit", func(t *testing.T) {
		t.Parallel()

		rec := do(t, api, http.MethodPost, "/api/v1/evaluate/batch", controlapi.BatchEvaluateRequest{
			FlagKeys: []string{"a", "b", "c", "d"},
			Context:  ctx,
		}, nil)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "ERR_TOO_MANY_KEYS", decode[controlapi.ErrorResponse](t, rec).Code)
	})

	t.Run("rejects oversized bodies", func(t *testing.T) {
		t.Parallel()

		huge := `{"flag_keys":["` + strings.Repeat("a", 2<<20) + `"]}`
		rec := do(t, api, http.MethodPost, "/api/v1/evaluate/batch", huge, nil)

		require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestCacheInvalidation(t *testing.T) {
	t.Parallel()

	// Arrange: warm the cache, then change the registry behind it
	engine, reg := newTestEngine(t)
	api := controlapi.NewAPI(engine, nil, testKeyHash())
	evalURL := "/api/v1/flags/new_ui/evaluate?environment=production&user_id=u1"

	first := decode[map[string]any](t, do(t, api, http.MethodGet, evalURL, nil, nil))
	require.Equal(t, true, first["value"])

	newUI, err := reg.GetFlag(t.Context(), "new_ui")
	require.NoError(t, err)
	disabled := *newUI
	disabled.Status = ruleengine.StatusInactive
	_, err = reg.PutFlag(disabled)
	require.NoError(t, err)

	t.Run("requires the API key", func(t *testing.T) {
		rec := do(t, api, http.MethodPost, "/api/v1/cache/invalidate/new_ui", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = do(t, api, http.MethodPost, "/api/v1/cache/invalidate", nil, map[string]string{"X-API-Key": "wrong"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "ERR_UNAUTHORIZED", decode[controlapi.ErrorResponse](t, rec).Code)
	})

	t.Run("invalidates one flag", func(t *testing.T) {
		rec := do(t, api, http.MethodPost, "/api/v1/cache/invalidate/new_ui", nil, map[string]string{"X-API-Key": testAPIKey})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"scope":"flag","flag_key":"new_ui"}`, rec.Body.String())

		after := decode[map[string]any](t, do(t, api, http.MethodGet, evalURL, nil, nil))
		assert.Equal(t, "DISABLED", after["reason"])
	})

	t.Run("invalidates everything with a bearer token", func(t *testing.T) {
		rec := do(t, api, http.MethodPost, "/api/v1/cache/invalidate", nil, map[string]string{"Authorization": "Bearer " + testAPIKey})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"scope":"all"}`, rec.Body.String())
	})
}

func TestInspectionRoutes(t *testing.T) {
	t.Parallel()

	engine, reg := newTestEngine(t)
	api := controlapi.NewAPI(engine, reg, testKeyHash())
	auth := map[string]string{"X-API-Key": testAPIKey}

	t.Run("requires the API key", func(t *testing.T) {
		t.Parallel()
		rec := do(t, api, http.MethodGet, "/api/v1/flags", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("lists flags by key with pagination", func(t *testing.T) {
		t.Parallel()

		rec := do(t, api, http.MethodGet, "/api/v1/flags?page=1&page_size=1", nil, auth)

		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[map[string]any](t, rec)
		data := body["data"].([]any)
		require.Len(t, data, 1)
		assert.Equal(t, "checkout_theme", data[0].(map[string]any)["key"])
		assert.Equal(t, map[string]any{
			"total_items": float64(2), "total_pages": float64(2), "current_page": float64(1), "page_size": float64(1),
		}, body["pagination"])
	})

	t.Run("rejects a malformed page", func(t *testing.T) {
		t.Parallel()
		rec := do(t, api, http.MethodGet, "/api/v1/flags?page=abc", nil, auth)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "ERR_INVALID_QUERY_PARAM", decode[controlapi.ErrorResponse](t, rec).Code)
	})

	t.Run("rejects a page whose offset overflows", func(t *testing.T) {
		t.Parallel()
		rec := do(t, api, http.MethodGet, "/api/v1/flags?page=9223372036854775807&page_size=100", nil, auth)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "ERR_INVALID_QUERY_PARAM", decode[controlapi.ErrorResponse](t, rec).Code)
	})

	t.Run("gets a flag", func(t *testing.T) {
		t.Parallel()
		rec := do(t, api, http.MethodGet, "/api/v1/flags/new_ui", nil, auth)
		require.Equal(t, http.StatusOK, rec.Code)
		flag := decode[controlapi.Flag](t, rec)
		assert.Equal(t, "boolean", flag.Type)
		assert.JSONEq(t, `false`, string(flag.DefaultValue))
		assert.Empty(t, flag.Dependencies)
	})

	t.Run("gets an environment value", func(t *testing.T) {
		t.Parallel()
		rec := do(t, api, http.MethodGet, "/api/v1/flags/new_ui/values/production", nil, auth)
		require.Equal(t, http.StatusOK, rec.Code)
		value := decode[map[string]any](t, rec)
		assert.Equal(t, true, value["enabled"])
		assert.Equal(t, true, value["value"])
		assert.InDelta(t, 100, value["rollout_percentage"], 1e-9)
		assert.Equal(t, []any{}, value["conditions"])
	})

	t.Run("unknown flag and missing value are 404", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, http.StatusNotFound, do(t, api, http.MethodGet, "/api/v1/flags/ghost", nil, auth).Code)
		assert.Equal(t, http.StatusNotFound, do(t, api, http.MethodGet, "/api/v1/flags/new_ui/values/staging", nil, auth).Code)
	})

	t.Run("writes are not routed", func(t *testing.T) {
		t.Parallel()
		rec := do(t, api, http.MethodPut, "/api/v1/flags/new_ui", `{}`, auth)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestInspectionRoutes_DisabledWithoutRegistry(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t)
	api := controlapi.NewAPIWithConfig(engine, nil, "", true)

	rec := do(t, api, http.MethodGet, "/api/v1/flags", nil, nil)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Equal(t, "ERR_INSPECTION_DISABLED", decode[controlapi.ErrorResponse](t, rec).Code)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t)
	api := controlapi.NewAPIWithConfig(engine, nil, "", true)

	rec := do(t, api, http.MethodGet, "/health", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
