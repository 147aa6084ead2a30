// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
	"time"
)

// TransientFetchError is returned when a remote call failed in a way that may succeed on retry
// (rate limiting, 5xx responses, network timeouts).
type TransientFetchError struct {
	Op string
	// RetryAfter is the server-provided wait hint, zero when none was given.
	RetryAfter time.Duration
	Err        error
}

func (e *TransientFetchError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("transient fetch error in %s (retry after %s): %v", e.Op, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("transient fetch error in %s: %v", e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// ConflictError is returned when a write would violate a store invariant. It is never retried.
type ConflictError struct {
	Entity string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Entity, e.Reason)
}

// NotFoundError is returned when a user, repository or commit is unknown to the store.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %q", e.Entity, e.Key)
}

// ValidationError is returned for malformed input, before any storage access.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid input: %s", e.Reason)
	}
	return fmt.Sprintf("invalid input: field %q %s", e.Field, e.Reason)
}

// StorageError wraps a backend failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error in %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// UnknownOperationError is returned when a query names an operation outside the catalog.
type UnknownOperationError struct {
	Name string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown operation: %q", e.Name)
}

// Storage wraps err as a StorageError unless it is nil or already carries a taxonomy type.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) || IsConflict(err) || IsValidation(err) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func IsTransient(err error) bool {
	var e *TransientFetchError
	return errors.As(err, &e)
}

func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsStorage(err error) bool {
	var e *StorageError
	return errors.As(err, &e)
}

func IsUnknownOperation(err error) bool {
	var e *UnknownOperationError
	return errors.As(err, &e)
}

// RetryAfter returns the retry hint carried by a TransientFetchError anywhere in err's chain.
func RetryAfter(err error) time.Duration {
	var e *TransientFetchError
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
