package config

import (
	"fmt"
	"time"
)

// ObservabilityConfig holds configuration for the observability server (metrics, probes).
type ObservabilityConfig struct {
	// Port defines where the observability server listens.
	Port string `envconfig:"PORT" default:"9090"`

	// Timeout is the unified safety valve for Read/Write/Idle operations.
	Timeout time.Duration `envconfig:"TIMEOUT" default:"5s" validate:"min=1s"`

	LivenessPath  string `envconfig:"LIVENESS_PATH" default:"/healthz"`
	ReadinessPath string `envconfig:"READINESS_PATH" default:"/readyz"`
	MetricsPath   string `envconfig:"METRICS_PATH" default:"/metrics"`

	// PoolMonitorInterval controls how often database pool gauges are refreshed.
	PoolMonitorInterval time.Duration `envconfig:"POOL_MONITOR_INTERVAL" default:"15s" validate:"min=10ms"`
}

// Validate checks ObservabilityConfig fields for correctness.
func (o *ObservabilityConfig) Validate() error {
	return validatePort(o.Port, "observability")
}

// TracingConfig enables OpenTelemetry export. Tracing stays off while Endpoint is empty.
type TracingConfig struct {
	Endpoint    string  `envconfig:"ENDPOINT"`
	ServiceName string  `envconfig:"SERVICE_NAME" default:"bifrost"`
	Insecure    bool    `envconfig:"INSECURE" default:"false"`
	SampleRatio float64 `envconfig:"SAMPLE_RATIO" default:"1" validate:"min=0,max=1"`
}

// Enabled reports whether spans should be exported.
func (t *TracingConfig) Enabled() bool {
	return t.Endpoint != ""
}

// Validate checks TracingConfig fields for correctness.
func (t *TracingConfig) Validate() error {
	if !t.Enabled() {
		return nil
	}
	if err := validateNoWhitespace(t.Endpoint, "tracing endpoint"); err != nil {
		return err
	}
	if t.ServiceName == "" {
		return fmt.Errorf("tracing service name cannot be empty")
	}
	return nil
}
