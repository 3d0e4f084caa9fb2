package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a referenced entity does not exist or belongs to another tenant.
	ErrNotFound = errors.New("not found")
	// ErrLocked indicates the exclusive lock could not be acquired within the bounded wait.
	// Callers may retry with backoff.
	ErrLocked = errors.New("resource locked")
	// ErrInsufficientStock indicates an outbound move would drive quantity below zero.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// ValidationError reports malformed or inconsistent input. Never retried automatically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Validationf builds a ValidationError for a field.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// GuardViolation reports a state-machine precondition that did not hold.
// Cause, when set, names the violated guard for errors.Is checks.
type GuardViolation struct {
	From   string
	To     string
	Reason string
	Cause  error
}

func (e *GuardViolation) Error() string {
	if e.From == "" && e.To == "" {
		return fmt.Sprintf("guard violation: %s", e.Reason)
	}
	return fmt.Sprintf("guard violation: %s -> %s: %s", e.From, e.To, e.Reason)
}

func (e *GuardViolation) Unwrap() error {
	return e.Cause
}

// InvariantBreach reports internal corruption, e.g. a sequence gap observed on read.
// It is fatal and must never be swallowed.
type InvariantBreach struct {
	Reason string
}

func (e *InvariantBreach) Error() string {
	return fmt.Sprintf("invariant breach: %s", e.Reason)
}

// IsRetryable reports whether the caller may safely retry the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLocked)
}
