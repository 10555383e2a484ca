// Package conflict classifies server rejections into conflict records and
// applies the decisions the domain layer makes about them.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hyperengineering/tether/internal/clock"
	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/types"
	"github.com/hyperengineering/tether/internal/validation"
	"github.com/oklog/ulid/v2"
)

var (
	// ErrNotConflict is returned by Classify for an error that is not a
	// version conflict or schema mismatch.
	ErrNotConflict = errors.New("error is not a conflict")

	// ErrInvalidDecision is returned by Resolve for an unknown resolution or a
	// merge without a usable payload.
	ErrInvalidDecision = errors.New("invalid conflict decision")

	// ErrSchemaConflict is returned by Resolve for a schema conflict. Those
	// close when the schema is reconciled and the event is delivered.
	ErrSchemaConflict = errors.New("schema conflicts are resolved by schema reconcile")
)

// Store defines the conflict persistence operations the resolver needs.
type Store interface {
	GetConflict(ctx context.Context, id string) (*types.ConflictView, error)
	ListConflicts(ctx context.Context, openOnly bool) ([]types.ConflictView, error)
	ResolveKeepLocal(ctx context.Context, conflictID string) (*types.ConflictView, error)
	ResolveKeepRemote(ctx context.Context, conflictID string) (*types.ConflictView, error)
	ResolveMerge(ctx context.Context, conflictID string, merged *types.OutboxEvent) (*types.ConflictView, error)
	MarkManualPending(ctx context.Context, conflictID string) (*types.ConflictView, error)
}

// Decision is the domain layer's answer to a conflict.
type Decision struct {
	Resolution types.Resolution
	// MergedPayload is required for ResolutionMerge.
	MergedPayload []byte
}

// ActionKind says what happens to the conflicting event after a decision.
type ActionKind string

// ActionKind constants
const (
	// ActionResubmit re-queues the original event based on the server's
	// version.
	ActionResubmit ActionKind = "resubmit"
	// ActionDiscard settles the original event without delivery.
	ActionDiscard ActionKind = "discard"
	// ActionAppendMerged queues a new event carrying the merged payload.
	ActionAppendMerged ActionKind = "append_merged"
	// ActionAwaitDecision leaves the conflict open.
	ActionAwaitDecision ActionKind = "await_decision"
)

// ResolvedAction describes the outcome of Resolve.
type ResolvedAction struct {
	Kind     ActionKind
	Conflict types.ConflictView
	// EventID is the event that will be delivered next: the original for
	// ActionResubmit, the merged event for ActionAppendMerged.
	EventID string
}

// Resolver turns rejections into conflicts and conflicts into actions.
type Resolver struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock sets the clock used for detection and merge timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Resolver) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a Resolver.
func NewResolver(s Store, opts ...Option) *Resolver {
	r := &Resolver{store: s, clock: clock.Real{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "conflict")
	return r
}

// Classify builds the conflict record for ev from the server's rejection.
// A remote deletion wins over a version difference and is recorded as
// ManualPending; every other conflict has no resolution until one is
// supplied.
func (r *Resolver) Classify(ev types.OutboxEvent, serverErr error) (types.ConflictRecord, error) {
	rec := types.ConflictRecord{
		ID:            ulid.Make().String(),
		OutboxEventID: ev.ID,
		DetectedAt:    r.clock.Now(),
	}
	if ev.BaseVersion != nil {
		v := *ev.BaseVersion
		rec.LocalVersion = &v
	}

	var vc *tethersync.VersionConflictError
	var sm *tethersync.SchemaMismatchError
	switch {
	case errors.As(serverErr, &vc):
		rec.ServerVersion = vc.ServerVersion
		rec.RemotePayload = vc.Current
		if vc.Deleted {
			rec.Kind = types.ConflictDeleted
			pending := types.ResolutionManualPending
			rec.Resolution = &pending
		} else {
			rec.Kind = types.ConflictVersionMismatch
		}
	case errors.As(serverErr, &sm):
		rec.Kind = types.ConflictSchemaIncompatible
		if ev.BaseVersion != nil {
			rec.ServerVersion = *ev.BaseVersion
		}
	default:
		return types.ConflictRecord{}, fmt.Errorf("classify event %s: %w", ev.ID, ErrNotConflict)
	}
	return rec, nil
}

// Resolve applies decision to an open conflict.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, d Decision) (*ResolvedAction, error) {
	if !d.Resolution.Valid() {
		return nil, fmt.Errorf("%w: unknown resolution %q", ErrInvalidDecision, d.Resolution)
	}

	current, err := r.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict: %w", err)
	}
	if current.Kind == types.ConflictSchemaIncompatible {
		return nil, fmt.Errorf("resolve conflict %s: %w", conflictID, ErrSchemaConflict)
	}

	action := &ResolvedAction{}
	var view *types.ConflictView
	switch d.Resolution {
	case types.ResolutionKeepLocal:
		if current.Kind == types.ConflictDeleted && current.Event.Operation == tethersync.OperationDelete {
			return nil, fmt.Errorf("%w: aggregate is already deleted on the server, use keep_remote", ErrInvalidDecision)
		}
		view, err = r.store.ResolveKeepLocal(ctx, conflictID)
		action.Kind = ActionResubmit
		action.EventID = current.OutboxEventID
	case types.ResolutionKeepRemote:
		view, err = r.store.ResolveKeepRemote(ctx, conflictID)
		action.Kind = ActionDiscard
	case types.ResolutionMerge:
		if verr := validation.ValidateJSONObject("merged_payload", d.MergedPayload, validation.MaxPayloadBytes); verr != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidDecision, verr.Error())
		}
		merged := &types.OutboxEvent{
			ID:        uuid.NewString(),
			Operation: mergedOperation(current),
			Payload:   d.MergedPayload,
			CreatedAt: r.clock.Now(),
		}
		view, err = r.store.ResolveMerge(ctx, conflictID, merged)
		action.Kind = ActionAppendMerged
		action.EventID = merged.ID
	case types.ResolutionManualPending:
		view, err = r.store.MarkManualPending(ctx, conflictID)
		action.Kind = ActionAwaitDecision
	}
	if err != nil {
		return nil, fmt.Errorf("resolve conflict: %w", err)
	}
	action.Conflict = *view

	r.logger.Info("conflict resolved",
		"action", "conflict_resolved",
		"conflict_id", conflictID,
		"event_id", current.OutboxEventID,
		"aggregate_type", current.Event.AggregateType,
		"aggregate_id", current.Event.AggregateID,
		"resolution", d.Resolution,
		"next", action.Kind,
	)
	return action, nil
}

// mergedOperation recreates a remotely deleted aggregate and updates any
// other.
func mergedOperation(v *types.ConflictView) tethersync.Operation {
	if v.Kind == types.ConflictDeleted {
		return tethersync.OperationCreate
	}
	return tethersync.OperationUpdate
}

// Get returns one conflict with its event.
func (r *Resolver) Get(ctx context.Context, conflictID string) (*types.ConflictView, error) {
	return r.store.GetConflict(ctx, conflictID)
}

// List returns conflicts, newest last. With openOnly it returns only those
// still awaiting a decision.
func (r *Resolver) List(ctx context.Context, openOnly bool) ([]types.ConflictView, error) {
	return r.store.ListConflicts(ctx, openOnly)
}
