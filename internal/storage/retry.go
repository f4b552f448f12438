package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// isRetriable reports whether a failed run or tool call write hit a
// transient lock or serialization error rather than a real outcome.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	case "55P03": // lock_not_available
		return true
	default:
		return false
	}
}

// WithRetry runs one conditional write (a Run CAS, a stop request, or a
// tool call resolution) and retries it up to maxRetries times when
// Postgres reports a serialization failure, deadlock or lock timeout. A
// CAS that matched no row is an answer, not a failure, and is returned
// as is. Backoff doubles from baseDelay with jitter.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
