package errors

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the key spaces, the decay engine and its callers.

var (
	// ErrNotFound indicates that a key does not exist in the key space.
	ErrNotFound = errors.New("key not found")

	// ErrMalformed indicates that a stored counter value is not an integer.
	ErrMalformed = errors.New("malformed counter value")

	// ErrClock indicates that the system clock reports a time before the Unix epoch.
	ErrClock = errors.New("system time before unix epoch")

	// ErrWrongType indicates an operation against a key holding another kind of value.
	ErrWrongType = errors.New("wrong kind of value for key")

	// ErrClosed indicates that an operation was attempted on a closed resource.
	ErrClosed = errors.New("resource is closed")

	// ErrInvalidConfiguration indicates invalid configuration parameters.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// ValidationError describes a rejected configuration field or command argument.
type ValidationError struct {
	Module string
	Field  string
	Value  interface{}
	Reason string
	Hint   string
}

// NewValidationError creates a ValidationError without a hint.
func NewValidationError(module, field string, value interface{}, reason string) *ValidationError {
	return &ValidationError{
		Module: module,
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// WithHint sets a remediation hint and returns the same error for chaining.
func (e *ValidationError) WithHint(hint string) *ValidationError {
	e.Hint = hint
	return e
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s: invalid %s=%v (%s)", e.Module, e.Field, e.Value, e.Reason)
	if e.Hint != "" {
		msg += " - " + e.Hint
	}
	return msg
}

// Unwrap returns ErrInvalidConfiguration so callers can match with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfiguration
}

// BackendError wraps a failure reported by a key-space backend. The underlying
// error is propagated unchanged through Unwrap.
type BackendError struct {
	Op  string
	Key string
	Err error
}

// NewBackendError wraps err, returning nil when err is nil.
func NewBackendError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Op: op, Key: key, Err: err}
}

func (e *BackendError) Error() string {
	if e.Key == "" {
		return "backend error in " + e.Op + ": " + e.Err.Error()
	}
	return "backend error in " + e.Op + " " + e.Key + ": " + e.Err.Error()
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// IsBackendError reports whether err is or wraps a BackendError.
func IsBackendError(err error) bool {
	var berr *BackendError
	return errors.As(err, &berr)
}

// IsClientError reports whether err was caused by the caller's input rather
// than by the engine or its backend.
func IsClientError(err error) bool {
	return IsValidationError(err) || errors.Is(err, ErrWrongType)
}
