package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"
)

// maxIdentifierLen is PostgreSQL's NAMEDATALEN minus the terminator.
const maxIdentifierLen = 63

// productionSSLModes are the sslmode values that encrypt the connection.
var productionSSLModes = []string{"require", "verify-ca", "verify-full"}

// DatabaseConfig holds the PostgreSQL settings of the flag registry.
type DatabaseConfig struct {
	// URL takes precedence over the individual fields when set.
	URL      string `envconfig:"URL"`
	Host     string `envconfig:"HOST"`
	Port     string `envconfig:"PORT"`
	Name     string `envconfig:"NAME"`
	User     string `envconfig:"USER"`
	Password string `envconfig:"PASSWORD"`

	SSLMode string `envconfig:"SSL_MODE" default:"prefer" validate:"oneof=disable allow prefer require verify-ca verify-full"`

	// Pool. The Postgres change feed holds one of these connections for LISTEN.
	MaxConns        int           `envconfig:"MAX_CONNS" default:"25" validate:"min=1"`
	MinConns        int           `envconfig:"MIN_CONNS" default:"2" validate:"min=0"`
	MaxConnLifetime time.Duration `envconfig:"MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `envconfig:"MAX_CONN_IDLE_TIME" default:"30m"`
	ConnectTimeout  time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s"`

	// Startup ping: attempts and the base delay between them.
	PingMaxRetries int           `envconfig:"PING_MAX_RETRIES" default:"5" validate:"min=1"`
	PingBackoff    time.Duration `envconfig:"PING_BACKOFF" default:"2s"`

	// MigrateOnStart applies the embedded goose migrations before serving.
	MigrateOnStart bool `envconfig:"MIGRATE_ON_START" default:"true"`
}

// ConnectionString returns URL, or a postgres:// URL built from the fields.
func (c *DatabaseConfig) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}

	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return dsn.String()
}

// IsConfigured reports whether enough is set to dial the registry.
func (c *DatabaseConfig) IsConfigured() bool {
	return c.URL != "" || (c.Host != "" && c.Port != "" && c.Name != "" && c.User != "")
}

// Validate checks the connection settings and, in production, the password
// strength and an encrypting sslmode.
func (c *DatabaseConfig) Validate(environment string) error {
	if c.URL != "" {
		if err := validatePostgresURL(c.URL); err != nil {
			return fmt.Errorf("invalid database URL: %w", err)
		}
	} else if err := c.validateFields(environment); err != nil {
		return err
	}

	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min_conns (%d) cannot be greater than max_conns (%d)", c.MinConns, c.MaxConns)
	}
	return nil
}

func (c *DatabaseConfig) validateFields(environment string) error {
	if err := validateHost(c.Host, "database"); err != nil {
		return err
	}
	if err := validatePort(c.Port, "database"); err != nil {
		return err
	}
	if err := validateNoWhitespace(c.Name, "database name"); err != nil {
		return err
	}
	if len(c.Name) > maxIdentifierLen {
		return fmt.Errorf("database name cannot exceed %d characters", maxIdentifierLen)
	}
	if err := validateNoWhitespace(c.User, "database user"); err != nil {
		return err
	}
	if environment != EnvironmentProduction {
		return nil
	}

	if c.Password == "" {
		return errors.New("database password is required in production environment")
	}
	if err := validatePasswordStrength(c.Password, "database", environment); err != nil {
		return err
	}
	if !slices.Contains(productionSSLModes, c.SSLMode) {
		return fmt.Errorf("database SSL mode must be one of %s in production environment", strings.Join(productionSSLModes, ", "))
	}
	return nil
}

// validatePostgresURL requires a postgres scheme, a user and a database name.
func validatePostgresURL(dbURL string) error {
	parsed, err := parseAndValidateURL(dbURL, []string{"postgres", "postgresql"})
	if err != nil {
		return err
	}
	if parsed.User.Username() == "" {
		return errors.New("user is required in URL")
	}
	if strings.Trim(parsed.Path, "/") == "" {
		return errors.New("database name is required in URL path")
	}
	return nil
}
