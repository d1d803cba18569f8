// Package provider holds the contract shared by the registrar, DNS host and
// MTA adapters: a typed rejection error, a retry predicate and call observation.
package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dchatpar/inboxgrove/internal/retry"
)

// Error is returned when a provider rejects a call or cannot be reached.
// Status is the HTTP status code, 0 when no response was received. Wait is
// the provider's Retry-After hint.
type Error struct {
	Provider string
	Op       string
	Status   int
	Message  string
	Wait     time.Duration
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Provider, e.Op, e.Status, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Reject builds a rejection for a response the provider refused.
func Reject(providerName, op string, status int, message string) *Error {
	if message == "" {
		message = http.StatusText(status)
	}
	return &Error{Provider: providerName, Op: op, Status: status, Message: message}
}

// RejectResponse builds a rejection from resp, keeping its Retry-After hint
// on throttling and unavailability.
func RejectResponse(providerName, op string, resp *http.Response, message string) *Error {
	e := Reject(providerName, op, resp.StatusCode, message)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		e.Wait = retry.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return e
}

// RetryAfter implements retry.Hinted.
func (e *Error) RetryAfter() time.Duration {
	return e.Wait
}

// Transport wraps a failure that happened before a response was read.
func Transport(providerName, op string, err error) *Error {
	return &Error{Provider: providerName, Op: op, Err: err}
}

// Message returns the human-readable part of err suitable for a status log.
func Message(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Message != "" {
			return pe.Message
		}
		if pe.Err != nil {
			return pe.Err.Error()
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Retryable reports whether a failed call may be repeated: transport
// failures, throttling and server errors are, rejections are not.
func Retryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		switch {
		case pe.Status == 0:
			return pe.Err != nil && retry.IsRetryable(pe.Err)
		case pe.Status == http.StatusTooManyRequests:
			return true
		case pe.Status >= 500:
			return true
		default:
			return false
		}
	}
	return retry.IsRetryable(err)
}

// Observer receives one notification per adapter call.
type Observer interface {
	ObserveCall(provider, op string, duration time.Duration, err error)
}

// Observe reports a finished call to o. A nil observer is ignored.
func Observe(o Observer, providerName, op string, start time.Time, err error) {
	if o == nil {
		return
	}
	o.ObserveCall(providerName, op, time.Since(start), err)
}

// LogRetries returns cfg with each retry logged to logger.
func LogRetries(cfg retry.Config, logger *slog.Logger) retry.Config {
	return cfg.Notify(func(attempt int, delay time.Duration, err error) {
		logger.Warn("retrying provider call", "attempt", attempt, "delay", delay, "error", err)
	})
}

// RetryConfig converts attempt settings into a retry.Config.
func RetryConfig(maxAttempts int, base, max time.Duration) retry.Config {
	return retry.Config{MaxAttempts: maxAttempts, BaseDelay: base, MaxDelay: max}
}
