package observability

import "context"

// Checker defines the contract for any component that needs to report its health status.
// Implementations must be thread-safe and non-blocking (respecting the context).
type Checker interface {
	// Name returns the unique identifier of the component (e.g., "postgres", "redis").
	Name() string
	// Check performs the health verification. Returns nil if healthy, or an error if it fails.
	// The provided context must be used to respect timeouts.
	Check(ctx context.Context) error
}

// CheckerFunc adapts a plain function into a named Checker.
type CheckerFunc struct {
	Component string
	Fn        func(ctx context.Context) error
}

// Name implements Checker.
func (c CheckerFunc) Name() string { return c.Component }

// Check implements Checker.
func (c CheckerFunc) Check(ctx context.Context) error { return c.Fn(ctx) }
