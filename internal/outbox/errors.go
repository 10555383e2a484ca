package outbox

import (
	"errors"

	"github.com/hyperengineering/tether/internal/store"
)

var (
	// ErrAggregateBlocked is returned by Append while an earlier event of the
	// aggregate has an open conflict or has exhausted its retries.
	ErrAggregateBlocked = store.ErrAggregateBlocked

	// ErrInvalidMutation is returned by Append for a mutation that fails
	// validation. Nothing is queued.
	ErrInvalidMutation = errors.New("invalid mutation")
)
