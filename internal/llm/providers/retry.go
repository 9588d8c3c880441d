package providers

import (
	"context"
	"time"

	"github.com/mira-labs/koda/internal/backoff"
	"github.com/mira-labs/koda/internal/llm"
)

// retryPolicy is the adapter-level retry contract: up to 3 attempts with
// exponential backoff (base 1s, cap 10s), transient errors only.
var retryPolicy = backoff.BackoffPolicy{InitialMs: 1000, MaxMs: 10000, Factor: 2, Jitter: 0.1}

const maxAdapterAttempts = 3

// withRetry runs op up to maxAdapterAttempts times, sleeping with
// exponential backoff between attempts, but only when op's error is a
// *llm.TransientProviderError. Any other error returns immediately.
func withRetry[T any](ctx context.Context, op func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= maxAdapterAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		value, err := op(attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if !llm.IsRetryable(err) || attempt == maxAdapterAttempts {
			return zero, err
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff.ComputeBackoff(retryPolicy, attempt)):
		}
	}
	return zero, lastErr
}
