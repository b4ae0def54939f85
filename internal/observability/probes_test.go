package observability_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/observability"
)

func testConfig() *config.ObservabilityConfig {
	return &config.ObservabilityConfig{
		Port:          "0",
		Timeout:       time.Second,
		LivenessPath:  "/healthz",
		ReadinessPath: "/readyz",
		MetricsPath:   "/metrics",
	}
}

func healthy(name string) observability.Checker {
	return observability.CheckerFunc{Component: name, Fn: func(context.Context) error { return nil }}
}

func failing(name string, err error) observability.Checker {
	return observability.CheckerFunc{Component: name, Fn: func(context.Context) error { return err }}
}

type readinessBody struct {
	Status   map[string]string `json:"status"`
	Draining bool              `json:"draining"`
}

func getReadiness(t *testing.T, s *observability.Server) (int, readinessBody) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var body readinessBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return rec.Code, body
}

func TestReadiness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []observability.Checker
		wantCode   int
		wantStatus map[string]string
	}{
		{
			name:       "no checkers is ready",
			wantCode:   http.StatusOK,
			wantStatus: map[string]string{},
		},
		{
			name:       "all dependencies up",
			checkers:   []observability.Checker{healthy("postgres"), healthy("redis")},
			wantCode:   http.StatusOK,
			wantStatus: map[string]string{"postgres": "up", "redis": "up"},
		},
		{
			name:       "one dependency down",
			checkers:   []observability.Checker{healthy("postgres"), failing("redis", errors.New("connection refused"))},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: map[string]string{"postgres": "up", "redis": "down: connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			s := observability.NewServer(nil, testConfig(), tt.checkers...)

			// Act
			code, body := getReadiness(t, s)

			// Assert
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, body.Status)
			assert.False(t, body.Draining)
		})
	}
}

func TestReadiness_RespectsTimeout(t *testing.T) {
	t.Parallel()

	// Arrange: a checker that blocks until its context expires
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	slow := observability.CheckerFunc{Component: "slow", Fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	s := observability.NewServer(nil, cfg, slow)

	// Act
	start := time.Now()
	code, body := getReadiness(t, s)

	// Assert
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body.Status["slow"], "deadline exceeded")
}

func TestDraining(t *testing.T) {
	t.Parallel()

	// Arrange
	s := observability.NewServer(nil, testConfig(), healthy("postgres"))
	s.SetDraining()

	// Act
	code, body := getReadiness(t, s)
	live := httptest.NewRecorder()
	s.Handler().ServeHTTP(live, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	// Assert: readiness fails, liveness does not
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.True(t, body.Draining)
	assert.Equal(t, "up", body.Status["postgres"])
	assert.Equal(t, http.StatusOK, live.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	// Arrange
	s := observability.NewServer(nil, testConfig())
	observability.EngineEvaluationsTotal.WithLabelValues("DEFAULT").Add(0)

	// Act
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	// Assert
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bifrost_engine_")
}
