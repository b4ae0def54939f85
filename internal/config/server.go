package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"
)

// HTTPConfig configures the REST API server (evaluation + cache control).
type HTTPConfig struct {
	Port              string        `envconfig:"PORT" default:"8080"`
	Host              string        `envconfig:"HOST" default:"0.0.0.0"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes    int           `envconfig:"MAX_HEADER_BYTES" default:"524288" validate:"min=1"` // 512KB

	// Security. The API key guards the cache control routes only.
	APIKeyHash string `envconfig:"API_KEY_HASH"`
	TLSEnabled bool   `envconfig:"TLS_ENABLED" default:"false"`
	TLSCert    string `envconfig:"TLS_CERT_FILE"`
	TLSKey     string `envconfig:"TLS_KEY_FILE"`
}

func (c *HTTPConfig) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Validate requires an API key hash and TLS in production. A hash, when
// set, must be hex SHA-256.
func (c *HTTPConfig) Validate(environment string) error {
	if err := validateListener(c.Host, c.Port, "http"); err != nil {
		return err
	}

	if environment == EnvironmentProduction {
		switch {
		case c.APIKeyHash == "":
			return errors.New("API key hash is required in production environment")
		case !c.TLSEnabled:
			return errors.New("TLS must be enabled in production environment")
		}
	}
	if c.APIKeyHash != "" {
		if err := validateSHA256Hash(c.APIKeyHash); err != nil {
			return fmt.Errorf("invalid API key hash: %w", err)
		}
	}
	if c.TLSEnabled && (c.TLSCert == "" || c.TLSKey == "") {
		return errors.New("TLS enabled but cert or key file not specified")
	}
	return nil
}

// GRPCConfig configures the gRPC evaluation server.
type GRPCConfig struct {
	Port string `envconfig:"PORT" default:"50051"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`

	MaxConcurrentStreams uint32        `envconfig:"MAX_CONCURRENT_STREAMS" default:"100" validate:"min=1"`
	KeepaliveTime        time.Duration `envconfig:"KEEPALIVE_TIME" default:"120s"`
	KeepaliveTimeout     time.Duration `envconfig:"KEEPALIVE_TIMEOUT" default:"20s"`
	MaxConnectionAge     time.Duration `envconfig:"MAX_CONNECTION_AGE" default:"300s"`
	ReflectionEnabled    bool          `envconfig:"REFLECTION_ENABLED" default:"true"`
}

func (c *GRPCConfig) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func (c *GRPCConfig) Validate() error {
	if err := validateListener(c.Host, c.Port, "grpc"); err != nil {
		return err
	}
	if c.KeepaliveTimeout > c.KeepaliveTime {
		return fmt.Errorf("grpc keepalive timeout (%s) cannot exceed keepalive time (%s)", c.KeepaliveTimeout, c.KeepaliveTime)
	}
	return nil
}

func validateListener(host, port, context string) error {
	if err := validatePort(port, context); err != nil {
		return err
	}
	return validateHost(host, context)
}

// validateSHA256Hash accepts the hex form of a SHA-256 digest.
func validateSHA256Hash(hash string) error {
	if len(hash) != hex.EncodedLen(sha256.Size) {
		return fmt.Errorf("SHA-256 hash must be %d characters, got %d", hex.EncodedLen(sha256.Size), len(hash))
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("hash must be valid hexadecimal: %w", err)
	}
	return nil
}
