package config

import (
	"maps"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalRequiredConfig provides database and Redis config needed for all tests
func minimalRequiredConfig() map[string]string {
	return map[string]string{
		"BIFROST_DB_HOST":        "localhost",
		"BIFROST_DB_PORT":        "5432",
		"BIFROST_DB_NAME":        "bifrost_test",
		"BIFROST_DB_USER":        "test_user",
		"BIFROST_DB_PASSWORD":    "test_pass",
		"BIFROST_REDIS_HOST":     "localhost",
		"BIFROST_REDIS_PORT":     "6379",
		"BIFROST_REDIS_PASSWORD": "redis_password_123",
	}
}

// mergeEnvVars merges additional env vars with minimal required config
func mergeEnvVars(additional map[string]string) map[string]string {
	result := minimalRequiredConfig()
	maps.Copy(result, additional)
	return result
}

// validProductionConfig returns a complete valid production configuration.
func validProductionConfig() map[string]string {
	return map[string]string{
		"BIFROST_APP_ENV": "production",

		"BIFROST_DB_HOST":     "prod-db.example.com",
		"BIFROST_DB_PORT":     "5432",
		"BIFROST_DB_NAME":     "bifrost_prod",
		"BIFROST_DB_USER":     "prod_user",
		"BIFROST_DB_PASSWORD": "SuperSecure123!",
		"BIFROST_DB_SSL_MODE": "require",

		"BIFROST_REDIS_HOST":        "prod-redis.example.com",
		"BIFROST_REDIS_PORT":        "6379",
		"BIFROST_REDIS_PASSWORD":    "RedisSecure123!",
		"BIFROST_REDIS_TLS_ENABLED": "true",

		"BIFROST_SERVER_HTTP_API_KEY_HASH":  "5dec7e1c36e8ec7f526cfa8ff6dc788daad76f6dd34467662eb47990dca6b55d",
		"BIFROST_SERVER_HTTP_TLS_ENABLED":   "true",
		"BIFROST_SERVER_HTTP_TLS_CERT_FILE": "/certs/http-cert.pem",
		"BIFROST_SERVER_HTTP_TLS_KEY_FILE":  "/certs/http-key.pem",
	}
}

// runLoadCases executes table cases against Load with the given env vars.
func runLoadCases(t *testing.T, tests []loadCase) {
	t.Helper()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// t.Setenv prevents parallel execution and restores the environment afterwards.
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			if tt.want != nil {
				tt.want(t, cfg)
			}
		})
	}
}

type loadCase struct {
	name    string
	envVars map[string]string
	want    func(t *testing.T, cfg *Config)
	wantErr bool
}

func TestLoad(t *testing.T) {
	runLoadCases(t, []loadCase{
		{
			name:    "Should use defaults when no optional env vars are set",
			envVars: minimalRequiredConfig(),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "bifrost", cfg.App.Name)
				assert.Equal(t, "dev", cfg.App.Version)
				assert.Equal(t, "development", cfg.App.Environment)
				assert.Equal(t, "info", cfg.App.LogLevel)
				assert.Equal(t, "text", cfg.App.LogFormat)
				assert.Equal(t, 30*time.Second, cfg.App.ShutdownTimeout)
				assert.Equal(t, "8080", cfg.Server.HTTP.Port)
				assert.Equal(t, "50051", cfg.Server.GRPC.Port)
				assert.Equal(t, 5*time.Minute, cfg.Engine.CacheTTL)
				assert.Equal(t, 250*time.Millisecond, cfg.Engine.RegistryTimeout)
				assert.Equal(t, time.Duration(0), cfg.Engine.LazyWait)
				assert.True(t, cfg.ChangeFeed.RedisEnabled)
				assert.False(t, cfg.ChangeFeed.KafkaEnabled)
				assert.False(t, cfg.Tracing.Enabled())
				assert.Equal(t, "/healthz", cfg.Observability.LivenessPath)
				assert.Equal(t, "/readyz", cfg.Observability.ReadinessPath)
				assert.Equal(t, "/metrics", cfg.Observability.MetricsPath)
			},
		},
		{
			name: "Should load all custom environment variables correctly",
			envVars: mergeEnvVars(map[string]string{
				"BIFROST_APP_NAME":             "test-app",
				"BIFROST_APP_VERSION":          "1.0.0",
				"BIFROST_APP_ENV":              "staging",
				"BIFROST_APP_LOG_LEVEL":        "debug",
				"BIFROST_APP_LOG_FORMAT":       "json",
				"BIFROST_APP_SHUTDOWN_TIMEOUT": "60s",
				"BIFROST_SERVER_HTTP_PORT":     "9091",
				"BIFROST_SERVER_GRPC_PORT":     "50052",
				"BIFROST_TRACING_ENDPOINT":     "otel-collector:4318",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "test-app", cfg.App.Name)
				assert.Equal(t, "1.0.0", cfg.App.Version)
				assert.Equal(t, "staging", cfg.App.Environment)
				assert.Equal(t, "debug", cfg.App.LogLevel)
				assert.Equal(t, "json", cfg.App.LogFormat)
				assert.Equal(t, 60*time.Second, cfg.App.ShutdownTimeout)
				assert.Equal(t, "9091", cfg.Server.HTTP.Port)
				assert.Equal(t, "50052", cfg.Server.GRPC.Port)
				assert.True(t, cfg.Tracing.Enabled())
			},
		},
		{
			name:    "Should accept a complete production configuration",
			envVars: validProductionConfig(),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, EnvironmentProduction, cfg.App.Environment)
				assert.True(t, cfg.Server.HTTP.TLSEnabled)
			},
		},
		{
			name:    "Should fail validation on invalid environment value",
			envVars: mergeEnvVars(map[string]string{"BIFROST_APP_ENV": "invalid"}),
			wantErr: true,
		},
		{
			name:    "Should fail validation on invalid log level",
			envVars: mergeEnvVars(map[string]string{"BIFROST_APP_LOG_LEVEL": "trace"}),
			wantErr: true,
		},
		{
			name:    "Should fail validation on invalid log format",
			envVars: mergeEnvVars(map[string]string{"BIFROST_APP_LOG_FORMAT": "xml"}),
			wantErr: true,
		},
		{
			name: "Should allow missing passwords in non-production environments",
			envVars: mergeEnvVars(map[string]string{
				"BIFROST_APP_ENV":        "development",
				"BIFROST_DB_PASSWORD":    "",
				"BIFROST_REDIS_PASSWORD": "",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "", cfg.Database.Password)
				assert.Equal(t, "", cfg.Redis.Password)
			},
		},
		{
			name:    "Should fail validation on tracing sample ratio above one",
			envVars: mergeEnvVars(map[string]string{"BIFROST_TRACING_SAMPLE_RATIO": "1.5"}),
			wantErr: true,
		},
		{
			name:    "Should fail validation when observability timeout is too short",
			envVars: mergeEnvVars(map[string]string{"BIFROST_OBSERVABILITY_TIMEOUT": "999ms"}),
			wantErr: true,
		},
	})
}
