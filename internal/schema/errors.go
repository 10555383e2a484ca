package schema

import "errors"

var (
	// ErrUnbridgeable means no migration path from the local schema to the
	// target exists. Sync stays blocked until an explicit full resync.
	ErrUnbridgeable = errors.New("schema unbridgeable")
	// ErrUninitialized means the local store has no schema version yet and
	// must be bootstrapped before mutations are accepted.
	ErrUninitialized = errors.New("local schema not initialized")
)
