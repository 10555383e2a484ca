package engine

import (
	"errors"

	"github.com/hyperengineering/tether/internal/store"
)

var (
	// ErrBlocked is returned for sync requests while the engine is blocked
	// by an unbridgeable schema. Only Resync or ClearBlocked lift it.
	ErrBlocked = errors.New("sync blocked")

	// ErrClosed is returned for requests made after the engine stopped.
	ErrClosed = errors.New("engine closed")

	// ErrRunning is returned by Run when the loop is already running.
	ErrRunning = errors.New("engine already running")

	// ErrNotFound is returned by Read when neither the cache nor the local
	// store holds the key.
	ErrNotFound = store.ErrNotFound

	// errSchemaDrift ends a drain when the server rejected an event's schema
	// fingerprint; the next cycle reconciles first.
	errSchemaDrift = errors.New("server schema changed during drain")
)
