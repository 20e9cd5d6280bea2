package types

import (
	"errors"
	"fmt"
)

// Error kinds surfaced on a session. Callers distinguish them with
// errors.Is against a SessionError or any error wrapping one.
var (
	ErrPreparationTimeout = errors.New("pip: preparation timed out")
	ErrSurfaceUnavailable = errors.New("pip: surface unavailable")
	ErrBufferAllocation   = errors.New("pip: buffer allocation failed")
	ErrDecodeFailure      = errors.New("pip: decode failure")
	ErrHostRejected       = errors.New("pip: host rejected session")
)

var (
	ErrInvalidState       = errors.New("pip: invalid session state")
	ErrUnknownContent     = errors.New("pip: unknown content kind")
	ErrSurfaceNotAttached = errors.New("pip: host surface not attached")
	ErrEndOfStream        = errors.New("pip: end of stream")
)

// SessionError records the operation that failed, its kind and the
// underlying cause, if any.
type SessionError struct {
	Op   string
	Kind error
	Err  error
}

func NewError(op string, kind, err error) *SessionError {
	return &SessionError{Op: op, Kind: kind, Err: err}
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

func (e *SessionError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}
