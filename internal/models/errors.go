package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
)

// ValidationError means the request itself was malformed: missing required
// fields or references to users that do not exist. Surfaced to the caller.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// AuthorizationError means the requester is not allowed to perform the
// mutation (e.g. editing a message they did not send). Surfaced to the caller.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return "not allowed: " + e.Reason
}

// TransientError wraps failures of non-critical background operations
// (heartbeats, push delivery). Callers log and swallow it; it must never
// interrupt the primary request.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsUserError reports whether err should be shown to the end user verbatim
// (validation and authorization failures) rather than masked as internal.
func IsUserError(err error) bool {
	var ve *ValidationError
	var ae *AuthorizationError
	return errors.As(err, &ve) || errors.As(err, &ae)
}
