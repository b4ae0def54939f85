package config

import (
	"fmt"
	"time"
)

// ChangeFeedConfig selects the sources that tell the engine a flag changed.
type ChangeFeedConfig struct {
	// Redis pub/sub, published by the syncer.
	RedisEnabled bool   `envconfig:"REDIS_ENABLED" default:"true"`
	RedisChannel string `envconfig:"REDIS_CHANNEL" default:"flag-changes"`

	// PostgreSQL LISTEN/NOTIFY, emitted by a trigger on the registry tables.
	// The channel is fixed by the migration.
	PostgresEnabled bool `envconfig:"POSTGRES_ENABLED" default:"false"`

	// Kafka topic for fleets spanning several Redis deployments.
	KafkaEnabled     bool          `envconfig:"KAFKA_ENABLED" default:"false"`
	KafkaBrokers     []string      `envconfig:"KAFKA_BROKERS"`
	KafkaTopic       string        `envconfig:"KAFKA_TOPIC" default:"bifrost.flag-changes"`
	KafkaGroupID     string        `envconfig:"KAFKA_GROUP_ID"`
	KafkaMaxAttempts int           `envconfig:"KAFKA_MAX_ATTEMPTS" default:"3" validate:"min=1"`
	KafkaTimeout     time.Duration `envconfig:"KAFKA_TIMEOUT" default:"5s" validate:"gt=0"`

	// ReconnectBackoff is the initial delay before a dropped source reconnects.
	ReconnectBackoff time.Duration `envconfig:"RECONNECT_BACKOFF" default:"1s" validate:"gt=0"`
}

// Validate checks that every enabled source is fully specified.
func (c *ChangeFeedConfig) Validate() error {
	if c.RedisEnabled {
		if err := validateNoWhitespace(c.RedisChannel, "changefeed redis channel"); err != nil {
			return err
		}
	}
	if c.KafkaEnabled {
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("kafka change feed enabled but no brokers specified")
		}
		if err := validateNoWhitespace(c.KafkaTopic, "changefeed kafka topic"); err != nil {
			return err
		}
	}
	return nil
}
