package steps

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound: the step does not exist at all. Distinct from
	// ErrPermissionDenied on an existing step; callers rely on the 404/403
	// split and it must not be collapsed.
	ErrNotFound = errors.New("case step not found")

	// ErrPermissionDenied: wrong role kind, or right kind but the acting
	// contact is not the one tied to this step. Safe to surface; it reveals
	// nothing beyond existence.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTransitionUnavailable: right actor, wrong source state or unmet
	// guard. Carries a reason for UI messaging via UnavailableError.
	ErrTransitionUnavailable = errors.New("transition not available")
)

// UnavailableError wraps ErrTransitionUnavailable with the failing reason.
type UnavailableError struct {
	Reason string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("transition not available: %s", e.Reason)
}

func (e *UnavailableError) Unwrap() error { return ErrTransitionUnavailable }

func unavailable(format string, args ...any) error {
	return &UnavailableError{Reason: fmt.Sprintf(format, args...)}
}
