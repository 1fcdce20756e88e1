package chat

import (
	"errors"
	"fmt"
)

// Error kinds. Callers match with errors.Is (or the helpers below);
// the concrete cause stays reachable through the wrap chain.
var (
	// ErrStorage marks durable-store failures (unreachable, rejected query).
	ErrStorage = errors.New("storage unavailable")

	// ErrTransport marks push-transport failures that could not be absorbed
	// by the polling fallback.
	ErrTransport = errors.New("push transport failed")

	// ErrValidation marks inputs rejected before any I/O.
	ErrValidation = errors.New("invalid input")

	// ErrClosed is returned by operations on a disposed service.
	ErrClosed = errors.New("chat service closed")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Kind is one of the sentinels above; Err is the underlying cause and
// may be nil for validation failures.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func storageErr(op string, err error) error {
	return &OpError{Op: op, Kind: ErrStorage, Err: err}
}

func transportErr(op string, err error) error {
	return &OpError{Op: op, Kind: ErrTransport, Err: err}
}

func validationErr(op, msg string) error {
	return &OpError{Op: op, Kind: ErrValidation, Err: errors.New(msg)}
}

// IsStorage reports whether err represents a durable-store failure.
func IsStorage(err error) bool { return errors.Is(err, ErrStorage) }

// IsTransport reports whether err represents a push-transport failure.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }

// IsValidation reports whether err represents rejected input.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsClosed reports whether err came from a disposed service.
func IsClosed(err error) bool { return errors.Is(err, ErrClosed) }
