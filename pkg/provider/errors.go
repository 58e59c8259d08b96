package provider

import (
	"fmt"
	"strings"

	"github.com/cuemby/paddock/pkg/errdefs"
)

// Error is a structured upstream failure. Kind is one of the errdefs
// sentinels so callers classify with errors.Is; Code and Message carry the
// upstream detail for logs only and must never reach API clients.
type Error struct {
	Kind    error
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream error (status %d, code %q): %s", e.Status, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// classify maps an upstream HTTP status and machine code onto an error kind.
// Transient kinds are retried by the scheduler; permanent kinds fail the
// operation.
func classify(status int, code string) error {
	switch {
	case strings.Contains(code, "insufficient-capacity"):
		return errdefs.ErrCapacityUnavailable
	case status == 404 || strings.Contains(code, "does-not-exist") || strings.Contains(code, "not-found"):
		return errdefs.ErrNotFound
	case strings.Contains(code, "duplicate") || strings.Contains(code, "already"):
		return errdefs.ErrConflict
	case status == 429 || status >= 500:
		return errdefs.ErrUpstreamTransient
	case status >= 400:
		return errdefs.ErrUpstreamPermanent
	default:
		return errdefs.ErrUpstreamTransient
	}
}

// isAlreadyExists reports whether err is the upstream's duplicate-object
// rejection. Creations of deterministically named resources treat it as
// success.
func isAlreadyExists(err error) bool {
	return errdefs.IsConflict(err)
}
