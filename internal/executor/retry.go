package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrRetriesExhausted wraps the last transient failure once the retry
// budget is spent.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Backoff controls retries of transient failures. Delays double from
// Initial up to Max.
type Backoff struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
}

// DefaultBackoff retries three times starting at 200ms.
func DefaultBackoff() Backoff {
	return Backoff{MaxRetries: 3, Initial: 200 * time.Millisecond, Max: 5 * time.Second}
}

// Delay returns the wait before retry number attempt (0-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// transientError marks a failure worth retrying.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func transient(err error) error {
	return &transientError{err: err}
}

// retryableStatus reports whether a response status is transient.
func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// do calls fn until it returns a non-transient result or the budget is
// spent. It returns the number of attempts made.
func (b Backoff) do(ctx context.Context, fn func(attempt int) error) (int, error) {
	for attempt := 0; ; attempt++ {
		err := fn(attempt)
		var te *transientError
		if !errors.As(err, &te) {
			return attempt + 1, err
		}
		if attempt >= b.MaxRetries {
			return attempt + 1, fmt.Errorf("%w after %d attempt(s): %w", ErrRetriesExhausted, attempt+1, te.err)
		}
		select {
		case <-ctx.Done():
			return attempt + 1, ctx.Err()
		case <-time.After(b.Delay(attempt)):
		}
	}
}
