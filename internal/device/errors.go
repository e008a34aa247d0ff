package device

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable means the substrate cannot be reached at all (server down,
	// binary missing, session closed).
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrElementNotFound means a selector could not be resolved on the current screen.
	ErrElementNotFound = errors.New("element not found")
	// ErrTapFailed means the tap call itself errored.
	ErrTapFailed = errors.New("tap failed")
	// ErrUnsupported means the adapter does not implement the requested capability.
	ErrUnsupported = errors.New("operation not supported by backend")
)

// BackendError is an adapter-level failure of a single call.
type BackendError struct {
	Backend string
	Op      Capability
	Timeout bool
	Err     error
}

func (e *BackendError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: %s timed out: %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s failed: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// NewBackendError wraps err for the given backend and operation. Deadline errors are
// flagged as timeouts.
func NewBackendError(backend string, op Capability, err error) *BackendError {
	return &BackendError{
		Backend: backend,
		Op:      op,
		Timeout: errors.Is(err, context.DeadlineExceeded),
		Err:     err,
	}
}

// IsBackendError reports whether err carries a BackendError.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}
