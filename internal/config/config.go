// Package config loads the BIFROST_* environment into one Config per process.
// envconfig fills the structs, validator checks the tags, and each section
// adds the checks tags cannot express.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

const (
	// EnvironmentProduction turns on the stricter TLS, password and sslmode checks.
	EnvironmentProduction = "production"

	// envPrefix is prepended to every variable name (BIFROST_APP_ENV, ...).
	envPrefix = "BIFROST"
)

// Config holds the complete application configuration.
type Config struct {
	App           AppConfig           `envconfig:"APP"`
	Server        ServerConfig        `envconfig:"SERVER"`
	Database      DatabaseConfig      `envconfig:"DB"`
	Redis         RedisConfig         `envconfig:"REDIS"`
	Engine        EngineConfig        `envconfig:"ENGINE"`
	ChangeFeed    ChangeFeedConfig    `envconfig:"CHANGEFEED"`
	Syncer        SyncerConfig        `envconfig:"SYNCER"`
	Observability ObservabilityConfig `envconfig:"OBSERVABILITY"`
	Tracing       TracingConfig       `envconfig:"TRACING"`
}

// AppConfig contains core application settings.
type AppConfig struct {
	Name            string        `envconfig:"NAME" default:"bifrost"`
	Version         string        `envconfig:"VERSION" default:"dev"`
	Environment     string        `envconfig:"ENV" default:"development" validate:"oneof=development staging production"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=json text"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// ServerConfig holds the transport listeners fronting the engine.
type ServerConfig struct {
	HTTP HTTPConfig `envconfig:"HTTP"`
	GRPC GRPCConfig `envconfig:"GRPC"`
}

// Load reads configuration from environment variables with the BIFROST prefix.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate runs the struct tag rules, then each section's own checks in
// dependency order. The first failure wins.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	env := c.App.Environment
	sections := []func() error{
		func() error { return c.Database.Validate(env) },
		func() error { return c.Redis.Validate(env) },
		func() error { return c.Server.HTTP.Validate(env) },
		c.Server.GRPC.Validate,
		c.Engine.Validate,
		c.ChangeFeed.Validate,
		c.Observability.Validate,
		c.Tracing.Validate,
	}
	for _, validate := range sections {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

// LogConfig logs the current configuration (without sensitive data).
func (c *Config) LogConfig(log *slog.Logger) {
	log.Info("configuration loaded",
		slog.String("app_name", c.App.Name),
		slog.String("version", c.App.Version),
		slog.String("environment", c.App.Environment),
		slog.String("log_level", c.App.LogLevel),
		slog.String("log_format", c.App.LogFormat),
		slog.Duration("shutdown_timeout", c.App.ShutdownTimeout),
		slog.String("http_port", c.Server.HTTP.Port),
		slog.String("grpc_port", c.Server.GRPC.Port),
		slog.Bool("tls_enabled", c.Server.HTTP.TLSEnabled),
		slog.Duration("cache_ttl", c.Engine.CacheTTL),
		slog.Int("cache_capacity", c.Engine.CacheCapacity),
		slog.Duration("registry_timeout", c.Engine.RegistryTimeout),
		slog.Bool("l2_enabled", c.Engine.L2Enabled),
		slog.Bool("changefeed_redis", c.ChangeFeed.RedisEnabled),
		slog.Bool("changefeed_postgres", c.ChangeFeed.PostgresEnabled),
		slog.Bool("changefeed_kafka", c.ChangeFeed.KafkaEnabled),
		slog.Bool("tracing_enabled", c.Tracing.Enabled()),
		slog.Bool("db_configured", c.Database.IsConfigured()),
		slog.Bool("redis_configured", c.Redis.IsConfigured()),
	)
}
