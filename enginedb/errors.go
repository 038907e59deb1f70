package enginedb

import (
	"errors"
)

// ErrorKind identifies a kind of error. It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific ErrorKind.
const (
	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = ErrorKind("ErrNotFound")

	// ErrAlreadyExists indicates an attempt to create a record that
	// already exists.
	ErrAlreadyExists = ErrorKind("ErrAlreadyExists")

	// ErrRecentlyDeleted indicates an attempt to insert a received message
	// that was deleted within the denylist retention window.
	ErrRecentlyDeleted = ErrorKind("ErrRecentlyDeleted")

	// ErrBackendOpen indicates the storage backend could not be opened.
	ErrBackendOpen = ErrorKind("ErrBackendOpen")

	// ErrBackendGet indicates a failure reading from the backend.
	ErrBackendGet = ErrorKind("ErrBackendGet")

	// ErrBackendCommit indicates a failure committing a transaction to the
	// backend.
	ErrBackendCommit = ErrorKind("ErrBackendCommit")

	// ErrEncode indicates a record could not be encoded.
	ErrEncode = ErrorKind("ErrEncode")

	// ErrDecode indicates a stored record could not be decoded.
	ErrDecode = ErrorKind("ErrDecode")

	// ErrNotRunning indicates the DB was closed or is not running.
	ErrNotRunning = ErrorKind("ErrNotRunning")

	// ErrInvalidRecord indicates an attempt to store an inconsistent
	// record.
	ErrInvalidRecord = ErrorKind("ErrInvalidRecord")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// ContextError wraps an error with additional context. It has full support for
// errors.Is and errors.As, so the caller can ascertain the specific wrapped
// error.
//
// RawErr contains the original error in the case where an error has been
// converted.
type ContextError struct {
	Err         error
	Description string
	RawErr      error
}

// Error satisfies the error interface and prints human-readable errors.
func (e ContextError) Error() string {
	return e.Description
}

// Is calls errors.Is on both the Err and RawErr fields, in that order.
func (e ContextError) Is(err error) bool {
	if errors.Is(e.Err, err) {
		return true
	}
	return errors.Is(e.RawErr, err)
}

// As calls errors.As on both the Err and RawErr fields, in that order.
func (e ContextError) As(target interface{}) bool {
	if errors.As(e.Err, target) {
		return true
	}
	return errors.As(e.RawErr, target)
}

// contextError creates a ContextError given a set of arguments.
func contextError(kind ErrorKind, desc string, rawErr error) ContextError {
	return ContextError{Err: kind, Description: desc, RawErr: rawErr}
}
