package models

import (
	"errors"
	"fmt"
	"time"
)

// BreakerState is the circuit breaker state exposed in errors and queries.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitOpenError is returned when a breaker rejects an operation without
// executing it. Callers must not retry against the same server before
// NextAttempt.
type CircuitOpenError struct {
	Provider    string
	State       BreakerState
	NextAttempt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s for %s, next attempt at %s",
		e.State, e.Provider, e.NextAttempt.Format(time.RFC3339))
}

// NoEligibleServerError is returned when no candidate passes the
// capability, lifecycle and breaker filters.
type NoEligibleServerError struct {
	Operation string
	Reason    string
}

func (e *NoEligibleServerError) Error() string {
	return fmt.Sprintf("no eligible server for operation %q: %s", e.Operation, e.Reason)
}

// OperationError wraps a vendor-side operation failure after retries are
// exhausted.
type OperationError struct {
	ServerID  string
	Operation string
	Attempts  int
	Err       error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %q failed on server %s after %d attempt(s): %v",
		e.Operation, e.ServerID, e.Attempts, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// TimeoutError marks a deadline exceeded while executing an operation. It
// feeds the breaker the same way an operation failure does.
type TimeoutError struct {
	ServerID  string
	Operation string
	Deadline  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %q on server %s exceeded deadline %s",
		e.Operation, e.ServerID, e.Deadline)
}

// ConfigError rejects invalid server or pool configuration at registration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// IsRetryable reports whether the dispatcher may retry the operation on the
// same server. Breaker rejections and configuration errors are never retried.
func IsRetryable(err error) bool {
	var open *CircuitOpenError
	if errors.As(err, &open) {
		return false
	}
	var cfg *ConfigError
	if errors.As(err, &cfg) {
		return false
	}
	var none *NoEligibleServerError
	return !errors.As(err, &none)
}
