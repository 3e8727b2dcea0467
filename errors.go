package socialflow

import (
	"errors"
	"fmt"
)

// ============================================================================
// Error taxonomy
// ============================================================================

// Error kinds. Match with errors.Is.
var (
	// ErrTransport means the backend could not be reached or answered with a
	// server-side failure. Background paths degrade and keep cached state.
	ErrTransport = errors.New("transport error")
	// ErrNotFound means a referenced peer or record vanished remotely.
	ErrNotFound = errors.New("not found")
	// ErrValidation means the input was rejected before or by the backend.
	ErrValidation = errors.New("validation error")
	// ErrPermission means the backend refused a write. Never retried.
	ErrPermission = errors.New("permission denied")
	// ErrUnauthenticated means there is no current identity.
	ErrUnauthenticated = errors.New("not authenticated")
)

// Error is a classified failure of one operation.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Error()
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError classifies err under kind for op.
func NewError(op string, kind error, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func validationError(op, format string, args ...any) error {
	return &Error{Op: op, Kind: ErrValidation, Err: fmt.Errorf(format, args...)}
}

// classify wraps err as a transport failure unless it already carries a kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Op: op, Kind: ErrTransport, Err: err}
}
