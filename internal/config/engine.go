package config

import (
	"fmt"
	"time"
)

// EngineConfig tunes the evaluation engine: cache, registry access and batching.
type EngineConfig struct {
	// CacheTTL bounds how long an evaluation result may be served without re-evaluation.
	CacheTTL time.Duration `envconfig:"CACHE_TTL" default:"5m" validate:"gt=0"`

	// CacheCapacity is the hard cap on cached (flag, fingerprint) entries.
	CacheCapacity int `envconfig:"CACHE_CAPACITY" default:"100000" validate:"min=1"`

	// RefreshAhead is the entry age after which a hit triggers a background refresh.
	// Zero disables refresh-ahead.
	RefreshAhead time.Duration `envconfig:"REFRESH_AHEAD" default:"4m" validate:"min=0"`

	// LazyWait bounds how long a cache miss waits for evaluation before the flag
	// default is served. Zero waits for the evaluation to finish.
	LazyWait time.Duration `envconfig:"LAZY_WAIT" default:"0s" validate:"min=0"`

	// RegistryTimeout bounds every registry lookup.
	RegistryTimeout time.Duration `envconfig:"REGISTRY_TIMEOUT" default:"250ms" validate:"gt=0"`

	// BatchMaxKeys caps the number of keys accepted by a single batch call.
	BatchMaxKeys int `envconfig:"BATCH_MAX_KEYS" default:"200" validate:"min=1,max=10000"`

	// L2Enabled puts the Redis registry cache in front of PostgreSQL.
	L2Enabled bool          `envconfig:"L2_ENABLED" default:"true"`
	L2TTL     time.Duration `envconfig:"L2_TTL" default:"10m" validate:"gt=0"`
}

// Validate checks cross-field constraints the struct tags cannot express.
func (c *EngineConfig) Validate() error {
	if c.RefreshAhead >= c.CacheTTL {
		return fmt.Errorf("engine refresh ahead (%s) must be shorter than cache ttl (%s)", c.RefreshAhead, c.CacheTTL)
	}
	return nil
}
