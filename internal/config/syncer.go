package config

import "time"

// SyncerConfig contains configuration for the poll-based change detector.
type SyncerConfig struct {
	Enabled bool `envconfig:"ENABLED" default:"true"`

	// Interval between registry polls.
	Interval time.Duration `envconfig:"INTERVAL" default:"10s" validate:"min=1s"`

	// Lookback is subtracted from the cursor on every poll to absorb clock skew
	// between PostgreSQL writers.
	Lookback time.Duration `envconfig:"LOOKBACK" default:"2s" validate:"min=0"`

	// BatchSize caps the number of changed flags handled per cycle.
	BatchSize int `envconfig:"BATCH_SIZE" default:"500" validate:"min=1"`

	// TombstoneRetention is how long deletion records are kept for pollers.
	TombstoneRetention time.Duration `envconfig:"TOMBSTONE_RETENTION" default:"24h" validate:"min=1m"`

	// FullResyncEvery forces an invalidate-all broadcast every N cycles. Zero disables it.
	FullResyncEvery int `envconfig:"FULL_RESYNC_EVERY" default:"0" validate:"min=0"`
}
