// Package retry repeats provider calls that failed transiently. Waits grow
// exponentially with full jitter, and a provider's Retry-After hint takes
// precedence when it asks for longer.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Predicate determines whether an error should be retried.
type Predicate func(error) bool

// Hinted is implemented by errors that carry a server-requested wait.
type Hinted interface {
	RetryAfter() time.Duration
}

// Config controls retry behavior.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// OnRetry is called after a failed attempt, before waiting delay.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Once is the configuration for calls that must not be repeated.
func Once() Config {
	return Config{MaxAttempts: 1}
}

// Notify returns a copy of c reporting each retry to fn.
func (c Config) Notify(fn func(attempt int, delay time.Duration, err error)) Config {
	c.OnRetry = fn
	return c
}

// Do executes fn until it succeeds, the predicate rejects its error or the
// attempts run out, returning the last error. A nil predicate uses
// IsRetryable. When the wait before the next attempt would pass the
// context deadline, Do gives up early with the call's own error.
func Do(ctx context.Context, config Config, shouldRetry Predicate, fn func() error) error {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if shouldRetry == nil {
		shouldRetry = IsRetryable
	}

	var err error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = fn()
		if err == nil {
			return nil
		}
		if attempt == config.MaxAttempts || !shouldRetry(err) {
			return err
		}

		delay := backoffDelay(config.BaseDelay, config.MaxDelay, attempt)
		if hint := hintOf(err); hint > delay {
			delay = hint
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
			return err
		}
		if config.OnRetry != nil {
			config.OnRetry(attempt, delay, err)
		}
		if delay <= 0 {
			continue
		}
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
	}

	return err
}

// IsRetryable reports whether err looks like a transient network failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// dial and read failures surface as *net.OpError
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// ParseRetryAfter reads an HTTP Retry-After value, either delay seconds or
// an HTTP date. Missing, malformed and past values yield 0.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func hintOf(err error) time.Duration {
	var h Hinted
	if errors.As(err, &h) {
		return h.RetryAfter()
	}
	return 0
}

// backoffDelay returns a full-jitter delay for the given attempt.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base << (attempt - 1)
	if max > 0 && delay > max {
		delay = max
	}

	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(delay) + 1))
}

func sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
