package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrUnavailable wraps a store error that kept failing after bounded
// retries. Handlers map it to 503 so callers know to retry later.
var ErrUnavailable = errors.New("store unavailable")

const (
	retryAttempts = 3
	retryBackoff  = 50 * time.Millisecond
	callTimeout   = 5 * time.Second
)

// WithRetry runs fn under a per-attempt timeout, retrying transient
// failures with exponential backoff. Business and constraint errors
// surface on the first attempt; a failure that is still transient after
// the last attempt comes back wrapped in ErrUnavailable.
func WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff << (attempt - 1)):
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil || !Transient(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// Transient reports whether err is a connectivity or timeout failure
// worth retrying.
func Transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 (connection exception), 53 (insufficient resources),
		// 57 (operator intervention, e.g. server shutdown).
		return strings.HasPrefix(pgErr.Code, "08") ||
			strings.HasPrefix(pgErr.Code, "53") ||
			strings.HasPrefix(pgErr.Code, "57")
	}
	return pgconn.SafeToRetry(err)
}
