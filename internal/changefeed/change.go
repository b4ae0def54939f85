// Package changefeed carries registry change notifications to the engine.
// Sources (Redis pub/sub, PostgreSQL LISTEN/NOTIFY, Kafka) deliver Change
// events; the Dispatcher keeps every source running and fans their events
// into one handler, normally Engine.HandleChange.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind discriminates a Change.
type Kind string

const (
	// KindFlag reports that one flag (its definition or any override) changed.
	KindFlag Kind = "flag"
	// KindAll reports a change wide enough that every cached result is suspect.
	KindAll Kind = "all"
)

// Change is one registry change notification.
type Change struct {
	Kind    Kind      `json:"kind"`
	FlagKey string    `json:"flag_key,omitempty"`
	// FlagID is set when the emitter knows it; consumers must not require it.
	FlagID string    `json:"flag_id,omitempty"`
	At     time.Time `json:"at"`
}

// FlagChanged builds a KindFlag change.
func FlagChanged(flagKey, flagID string, at time.Time) Change {
	return Change{Kind: KindFlag, FlagKey: flagKey, FlagID: flagID, At: at}
}

// AllChanged builds a KindAll change.
func AllChanged(at time.Time) Change {
	return Change{Kind: KindAll, At: at}
}

// Validate checks a decoded change.
func (c Change) Validate() error {
	switch c.Kind {
	case KindAll:
		return nil
	case KindFlag:
		if c.FlagKey == "" {
			return fmt.Errorf("flag change without flag key")
		}
		return nil
	default:
		return fmt.Errorf("unknown change kind %q", c.Kind)
	}
}

// Marshal encodes c as JSON (Kafka values, NOTIFY payloads).
func (c Change) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal decodes and validates a JSON change.
func Unmarshal(data []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(data, &c); err != nil {
		return Change{}, fmt.Errorf("decode change: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Change{}, err
	}
	return c, nil
}

// Handler consumes changes. It must not block for long: sources deliver
// events one at a time.
type Handler func(ctx context.Context, c Change)

// Source delivers changes until ctx is cancelled or the underlying connection
// fails. Run returns nil only when ctx is cancelled.
type Source interface {
	Name() string
	Run(ctx context.Context, handle Handler) error
}

// Publisher emits changes for other processes.
type Publisher interface {
	Publish(ctx context.Context, c Change) error
}

// Publishers fans a change out to every publisher.
type Publishers []Publisher

// Publish implements Publisher. Every publisher is attempted; errors are joined.
func (ps Publishers) Publish(ctx context.Context, c Change) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
