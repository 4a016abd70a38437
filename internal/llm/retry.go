package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// HTTPError carries a non-200 API response.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Retryable reports whether the error is worth another attempt:
// rate limits, overload, and 5xx.
func Retryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == http.StatusTooManyRequests ||
			he.Status == 529 || // anthropic overloaded
			he.Status >= 500
	}
	return false
}

// ParseRetryAfter reads a Retry-After header value in seconds, 0 when
// absent or malformed.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// RetryConfig bounds RetryDo.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig is tuned for interactive advisory calls: fail fast
// enough that a bot turn is not stalled for minutes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 20 * time.Second}
}

// RetryDo runs fn with exponential backoff and jitter on retryable
// errors. A server-provided Retry-After wins over the computed delay.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var last error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.BaseDelay << (attempt - 1)
			delay += time.Duration(rand.Int63n(int64(cfg.BaseDelay)))
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			var he *HTTPError
			if errors.As(last, &he) && he.RetryAfter > 0 {
				delay = he.RetryAfter
			}
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}
		last = err
		if !Retryable(err) {
			return zero, err
		}
	}
	return zero, last
}
