package upstream

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel error kinds. Workers convert raw upstream codes into these; the
// orchestrator never sees raw upstream errors.
var (
	// ErrRateLimited is a transient 429. Retried with backoff, then queued.
	ErrRateLimited = errors.New("upstream: rate limited")

	// ErrQuotaExhausted is a daily quota hit. Distinct from rate limiting
	// and never retried.
	ErrQuotaExhausted = errors.New("upstream: daily quota exhausted")

	// ErrAuth is a credential failure against the upstream.
	ErrAuth = errors.New("upstream: authentication failed")

	// ErrInvalidProperty is a 4xx for an unknown or inaccessible property.
	ErrInvalidProperty = errors.New("upstream: invalid property")

	// ErrEmbeddingInvalid marks a validation failure in embedding output
	// (dimension mismatch, NaN, zero vector). Callers proceed without
	// retrieval.
	ErrEmbeddingInvalid = errors.New("upstream: invalid embedding output")
)

// TransientError wraps network errors and 5xx responses. Retried with
// backoff and counted by the breaker.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("upstream: transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Retryable reports whether the worker's backoff budget applies to err.
func Retryable(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		// Context cancellation is never retried.
		return !errors.Is(transient.Err, context.Canceled) && !errors.Is(transient.Err, context.DeadlineExceeded)
	}
	return false
}
