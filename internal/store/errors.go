package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAggregateBlocked   = errors.New("aggregate blocked by an unresolved conflict or exhausted failure")
	ErrInvalidTransition  = errors.New("invalid outbox status transition")
	ErrOutOfOrder         = errors.New("earlier event for aggregate still unsettled")
	ErrConflictOpen       = errors.New("event already has an open conflict")
	ErrConflictResolved   = errors.New("conflict already resolved")
	ErrMigrationImmutable = errors.New("migration record already stored with different content")
	ErrUnknownTable       = errors.New("no local table for aggregate type")
)

// StorageError wraps a failure of the local database itself. It is fatal to
// the current sync cycle; the next trigger retries.
type StorageError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying driver error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// storageErr wraps err as a StorageError. Sentinel errors of this package pass
// through untouched so callers can keep matching them with errors.Is.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		ErrNotFound, ErrAggregateBlocked, ErrInvalidTransition, ErrOutOfOrder,
		ErrConflictOpen, ErrConflictResolved, ErrMigrationImmutable, ErrUnknownTable,
	} {
		if errors.Is(err, sentinel) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
