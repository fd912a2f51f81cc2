package build

import "errors"

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrAccessDenied        = errors.New("access denied")
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrStatusConflict      = errors.New("status conflict")
	ErrDispatchRejected    = errors.New("dispatch rejected")
	ErrDispatchUnreachable = errors.New("dispatch unreachable")
	ErrStoreUnavailable    = errors.New("store unavailable")
)

// DispatchRejectedError is returned by a Dispatcher when the external builder
// answered with a non-success acknowledgement.
// It matches ErrDispatchRejected with errors.Is.
type DispatchRejectedError struct {
	StatusCode int    // zero when the transport has no status codes
	Diagnostic string // upstream text, may be empty
}

func (e *DispatchRejectedError) Error() string {
	if e.Diagnostic == "" {
		return ErrDispatchRejected.Error()
	}
	return ErrDispatchRejected.Error() + ": " + e.Diagnostic
}

func (e *DispatchRejectedError) Is(target error) bool {
	return target == ErrDispatchRejected
}
