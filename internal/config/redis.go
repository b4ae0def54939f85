package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// maxRedisDB is the highest logical database a default Redis server exposes.
const maxRedisDB = 15

// RedisConfig contains Redis connection and pool settings.
// Redis backs the L2 registry cache and the pub/sub change feed.
type RedisConfig struct {
	// URL takes precedence over Host/Port/Password/DB when set.
	URL      string `envconfig:"URL"`
	Host     string `envconfig:"HOST"`
	Port     string `envconfig:"PORT"`
	Password string `envconfig:"PASSWORD"`
	DB       int    `envconfig:"DB" default:"0" validate:"min=0,max=15"`

	TLSEnabled bool `envconfig:"TLS_ENABLED" default:"false"`

	// Pool. Every engine instance holds one subscription connection for the
	// change feed on top of these.
	PoolSize        int           `envconfig:"POOL_SIZE" default:"50" validate:"min=1"`
	MinIdleConns    int           `envconfig:"MIN_IDLE_CONNS" default:"10" validate:"min=0"`
	DialTimeout     time.Duration `envconfig:"DIAL_TIMEOUT" default:"5s"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"3s"`
	PoolTimeout     time.Duration `envconfig:"POOL_TIMEOUT" default:"4s"`
	MaxRetries      int           `envconfig:"MAX_RETRIES" default:"3" validate:"min=0"`
	MinRetryBackoff time.Duration `envconfig:"MIN_RETRY_BACKOFF" default:"8ms"`
	MaxRetryBackoff time.Duration `envconfig:"MAX_RETRY_BACKOFF" default:"512ms"`

	// Startup ping: attempts and the base delay between them.
	PingMaxRetries int           `envconfig:"PING_MAX_RETRIES" default:"5" validate:"min=1"`
	PingBackoff    time.Duration `envconfig:"PING_BACKOFF" default:"2s"`

	// KeyPrefix namespaces every key and channel written by Bifrost, so several
	// deployments can share one Redis. Keys look like "<prefix>:flag:<key>".
	KeyPrefix string `envconfig:"KEY_PREFIX" default:"bifrost"`
}

// Address returns host:port, or the URL for the client to parse when one is set.
func (c *RedisConfig) Address() string {
	if c.URL != "" {
		return c.URL
	}
	return c.Host + ":" + c.Port
}

// IsConfigured reports whether enough is set to dial Redis.
func (c *RedisConfig) IsConfigured() bool {
	return c.URL != "" || (c.Host != "" && c.Port != "")
}

// Validate checks the connection settings, the production requirements
// (password and TLS) and the key namespace.
func (c *RedisConfig) Validate(environment string) error {
	if c.URL != "" {
		if err := validateRedisURL(c.URL); err != nil {
			return fmt.Errorf("invalid redis URL: %w", err)
		}
	} else if err := c.validateFields(environment); err != nil {
		return err
	}

	if err := validateKeyPrefix(c.KeyPrefix); err != nil {
		return err
	}
	if c.MinIdleConns > c.PoolSize {
		return fmt.Errorf("min_idle_conns (%d) cannot be greater than pool_size (%d)", c.MinIdleConns, c.PoolSize)
	}
	return nil
}

func (c *RedisConfig) validateFields(environment string) error {
	if err := validateHost(c.Host, "redis"); err != nil {
		return err
	}
	if err := validatePort(c.Port, "redis"); err != nil {
		return err
	}
	if environment != EnvironmentProduction {
		return nil
	}

	if c.Password == "" {
		return errors.New("redis password is required in production environment")
	}
	if err := validatePasswordStrength(c.Password, "redis", environment); err != nil {
		return err
	}
	if !c.TLSEnabled {
		return errors.New("redis TLS must be enabled in production environment")
	}
	return nil
}

// validateKeyPrefix rejects prefixes that would produce ambiguous keys: the
// cache joins the prefix and the rest of the key with ':'.
func validateKeyPrefix(prefix string) error {
	if err := validateNoWhitespace(prefix, "redis key prefix"); err != nil {
		return err
	}
	if strings.HasSuffix(prefix, ":") {
		return fmt.Errorf("redis key prefix %q must not end with ':'", prefix)
	}
	return nil
}

// validateRedisURL accepts redis:// and rediss:// URLs with an optional
// database index path.
func validateRedisURL(redisURL string) error {
	parsed, err := parseAndValidateURL(redisURL, []string{"redis", "rediss"})
	if err != nil {
		return err
	}

	dbStr := strings.TrimPrefix(parsed.Path, "/")
	if dbStr == "" {
		return nil
	}
	db, err := strconv.Atoi(dbStr)
	if err != nil {
		return fmt.Errorf("database number must be a valid integer: %s", dbStr)
	}
	if db < 0 || db > maxRedisDB {
		return fmt.Errorf("database number must be between 0 and %d, got %d", maxRedisDB, db)
	}
	return nil
}
