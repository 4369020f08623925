package store

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned when a required input is missing or malformed.
	// It is always raised before the store is contacted.
	ErrInvalidArgument = errors.New("shelter: invalid argument")

	// ErrStoreOperationFailed is returned when the store rejected or could not complete an operation.
	ErrStoreOperationFailed = errors.New("shelter: store operation failed")

	// ErrStoreUnavailable is returned when the store cannot be reached or the Store is closed.
	ErrStoreUnavailable = errors.New("shelter: store unavailable")

	// ErrNotFound is returned by Collection implementations when no document has the requested ID.
	// Store translates it into a not-found outcome rather than an error.
	ErrNotFound = errors.New("shelter: document not found")
)

// OpError records the operation that failed, its error kind, and the underlying cause.
type OpError struct {
	// Op is the operation name (e.g. "create", "update").
	Op string

	// Kind is one of the package sentinels.
	Kind error

	// Err is the underlying cause.
	Err error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is / errors.As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func invalidArgument(op, format string, args ...any) error {
	return &OpError{Op: op, Kind: ErrInvalidArgument, Err: fmt.Errorf(format, args...)}
}

func operationFailed(op string, err error) error {
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrInvalidArgument) {
		return &OpError{Op: op, Kind: kindOf(err), Err: err}
	}
	return &OpError{Op: op, Kind: ErrStoreOperationFailed, Err: err}
}

func unavailable(op string, err error) error {
	return &OpError{Op: op, Kind: ErrStoreUnavailable, Err: err}
}

// kindOf returns the package sentinel carried by err, defaulting to ErrStoreOperationFailed.
func kindOf(err error) error {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return ErrInvalidArgument
	case errors.Is(err, ErrStoreUnavailable):
		return ErrStoreUnavailable
	default:
		return ErrStoreOperationFailed
	}
}
