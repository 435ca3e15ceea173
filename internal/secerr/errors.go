// Package secerr defines the error kinds surfaced by the execution gateway.
// Callers match kinds with errors.Is against the sentinel values and read
// the reason with errors.As.
package secerr

import (
	"errors"
	"fmt"
)

var (
	ErrPermission       = errors.New("permission denied")
	ErrValidation       = errors.New("validation failed")
	ErrResourceExceeded = errors.New("resource limit exceeded")
	ErrTimeout          = errors.New("execution timed out")
	ErrIntegrity        = errors.New("integrity check failed")
	ErrUnsupported      = errors.New("unsupported")
)

// Error carries a kind sentinel plus a human-readable reason.
type Error struct {
	Kind   error
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Reason
}

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Permission reports missing, invalid, or expired authorization.
func Permission(format string, args ...any) error {
	return newError(ErrPermission, format, args...)
}

// Validation reports a command or edit rejected by the blocklist or a validator.
func Validation(format string, args ...any) error {
	return newError(ErrValidation, format, args...)
}

// ResourceExceeded reports a sandbox or rate quota breach.
func ResourceExceeded(format string, args ...any) error {
	return newError(ErrResourceExceeded, format, args...)
}

// Timeout reports an operation that ran past its deadline.
func Timeout(format string, args ...any) error {
	return newError(ErrTimeout, format, args...)
}

// Integrity reports tampered or undecryptable data.
func Integrity(format string, args ...any) error {
	return newError(ErrIntegrity, format, args...)
}

// Unsupported reports an isolation level or backend that cannot be provided.
func Unsupported(format string, args ...any) error {
	return newError(ErrUnsupported, format, args...)
}

// Reason returns the reason text of a gateway error, or err.Error() for
// anything else.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return err.Error()
}

// KindOf returns a short label for metrics and audit details.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermission):
		return "permission"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrResourceExceeded):
		return "resource_exceeded"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	default:
		return "internal"
	}
}
