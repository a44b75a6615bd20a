package insar

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across subsystems.
var (
	// ErrNotFound indicates a missing ledger record.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition indicates a state change the machine forbids.
	ErrInvalidTransition = errors.New("invalid job transition")
	// ErrAlreadyTerminal indicates a conflicting terminal transition.
	ErrAlreadyTerminal = errors.New("job already terminal")
	// ErrGeometryMismatch indicates bands that do not share a grid.
	ErrGeometryMismatch = errors.New("raster geometry mismatch")
	// ErrUnparsableFilename indicates a filename with no acquisition date.
	ErrUnparsableFilename = errors.New("unparsable raster filename")
	// ErrPersistence indicates a rolled-back result commit.
	ErrPersistence = errors.New("persistence failure")
)

// RemoteError wraps a failure from the external processing service,
// classified as retryable (transient) or terminal (permanent).
type RemoteError struct {
	Op        string
	Permanent bool
	Err       error
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s: %s remote error: %v", e.Op, kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Transient builds a retryable remote error.
func Transient(op string, err error) error {
	return &RemoteError{Op: op, Err: err}
}

// Permanent builds a non-retryable remote error.
func Permanent(op string, err error) error {
	return &RemoteError{Op: op, Permanent: true, Err: err}
}

// IsTransient reports whether err is a retryable remote failure.
func IsTransient(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && !re.Permanent
}

// IsPermanent reports whether err is a terminal remote failure.
func IsPermanent(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Permanent
}
