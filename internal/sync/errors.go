package sync

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrTransient marks failures that are retried with backoff: connection
// errors, timeouts and 5xx responses. A timed-out call is never treated as
// acknowledged.
var ErrTransient = errors.New("transient network error")

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// VersionConflictError is returned when the server's stored version differs
// from the version the mutation was based on, or the aggregate was deleted
// remotely.
type VersionConflictError struct {
	EventID       string
	ServerVersion int64
	Deleted       bool
	Current       json.RawMessage
}

// Error implements the error interface.
func (e *VersionConflictError) Error() string {
	if e.Deleted {
		return fmt.Sprintf("version conflict on event %s: aggregate deleted remotely at version %d", e.EventID, e.ServerVersion)
	}
	return fmt.Sprintf("version conflict on event %s: server at version %d", e.EventID, e.ServerVersion)
}

// SchemaMismatchError is returned when the server's schema fingerprint is
// incompatible with the one the client stamped on the event.
type SchemaMismatchError struct {
	ClientFingerprint string
	ServerFingerprint string
}

// Error implements the error interface.
func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch: client %q, server %q", e.ClientFingerprint, e.ServerFingerprint)
}

// InvalidError is a non-retryable rejection of the payload by server
// validation.
type InvalidError struct {
	EventID string
	Reason  string
}

// Error implements the error interface.
func (e *InvalidError) Error() string {
	return fmt.Sprintf("event %s rejected: %s", e.EventID, e.Reason)
}
