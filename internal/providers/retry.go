package providers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// RetryConfig controls retry behavior for transient provider failures.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// retryableError marks an HTTP status worth retrying (429 and 5xx).
type retryableError struct {
	status int
	body   string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.body)
}

func isRetryable(err error) bool {
	re, ok := err.(*retryableError)
	if !ok {
		return false
	}
	return re.status == http.StatusTooManyRequests || re.status >= 500
}

// RetryDo runs fn with exponential backoff on retryable errors.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	backoff := cfg.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == cfg.MaxAttempts {
			return zero, err
		}

		slog.Warn("provider retry", "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return zero, lastErr
}
