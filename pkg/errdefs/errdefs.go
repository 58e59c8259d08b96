package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Wrap these with %w so callers can classify failures
// with errors.Is without depending on message text.
var (
	ErrValidation          = errors.New("validation failed")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrUpstreamTransient   = errors.New("upstream transient failure")
	ErrUpstreamPermanent   = errors.New("upstream permanent failure")
	ErrQuotaExhausted      = errors.New("quota exhausted")
	ErrCapacityUnavailable = errors.New("capacity unavailable")
	ErrInternal            = errors.New("internal error")
)

// Validationf returns a validation error with a formatted message.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, args...)...)
}

// Forbiddenf returns a forbidden error with a formatted message.
func Forbiddenf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrForbidden}, args...)...)
}

// NotFoundf returns a not-found error with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrNotFound}, args...)...)
}

// Conflictf returns a conflict error with a formatted message.
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrConflict}, args...)...)
}

func IsValidation(err error) bool          { return errors.Is(err, ErrValidation) }
func IsUnauthenticated(err error) bool     { return errors.Is(err, ErrUnauthenticated) }
func IsForbidden(err error) bool           { return errors.Is(err, ErrForbidden) }
func IsNotFound(err error) bool            { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool            { return errors.Is(err, ErrConflict) }
func IsUpstreamTransient(err error) bool   { return errors.Is(err, ErrUpstreamTransient) }
func IsUpstreamPermanent(err error) bool   { return errors.Is(err, ErrUpstreamPermanent) }
func IsQuotaExhausted(err error) bool      { return errors.Is(err, ErrQuotaExhausted) }
func IsCapacityUnavailable(err error) bool { return errors.Is(err, ErrCapacityUnavailable) }
