// Package ratelimit guards Run starts with a per-caller token bucket.
//
// MemoryLimiter holds one bucket per key in process. A multi-instance
// deployment that needs a shared budget can substitute another Limiter.
package ratelimit

import "context"

// Limiter decides whether the caller identified by key may start another
// Run. Control calls on existing Runs are never limited. Implementations
// must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the Run may start. Returning an error signals a
	// limiter malfunction; the start proceeds.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources.
	Close() error
}

// NoopLimiter permits every Run start. Used when KAIWA_RUN_RATE_LIMIT is 0.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
