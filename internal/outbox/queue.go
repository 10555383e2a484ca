// Package outbox is the durable, ordered log of local mutations that the
// server has not yet confirmed.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hyperengineering/tether/internal/clock"
	"github.com/hyperengineering/tether/internal/store"
	"github.com/hyperengineering/tether/internal/types"
	"github.com/hyperengineering/tether/internal/validation"
)

// Store defines the persistence operations the queue needs.
type Store interface {
	TenantID() string
	AppendEvent(ctx context.Context, ev *types.OutboxEvent, applyLocal bool) (bool, error)
	GetEvent(ctx context.Context, id string) (*types.OutboxEvent, error)
	ListEvents(ctx context.Context, filter store.EventFilter) ([]types.OutboxEvent, error)
	QueuedEvents(ctx context.Context) ([]store.QueuedEvent, error)
	ClaimEvent(ctx context.Context, id string) (*types.OutboxEvent, error)
	AcknowledgeEvent(ctx context.Context, id string, serverVersion int64) error
	FailEvent(ctx context.Context, id string, f store.Failure) error
	ConflictEvent(ctx context.Context, id string, rec types.ConflictRecord) error
	DeferEvent(ctx context.Context, id string, rec types.ConflictRecord) error
	ResetInFlight(ctx context.Context) (int64, error)
	RetryEvent(ctx context.Context, id string) error
	DiscardEvent(ctx context.Context, id string) error
	PruneAcknowledged(ctx context.Context, before time.Time) (int64, error)
	ReclaimAcknowledged(ctx context.Context, n int) (int64, error)
	OutboxCounts(ctx context.Context) (types.OutboxCounts, error)
}

// BlockReason says why an aggregate is held back from delivery.
type BlockReason string

// BlockReason constants
const (
	BlockedByConflict  BlockReason = "conflict"
	BlockedByExhausted BlockReason = "retries_exhausted"
)

// BlockedAggregate is an aggregate whose earliest unsettled event stops every
// later event of the same aggregate from being sent.
type BlockedAggregate struct {
	AggregateType string      `json:"aggregate_type"`
	AggregateID   string      `json:"aggregate_id"`
	EventID       string      `json:"event_id"`
	Reason        BlockReason `json:"reason"`
	LastError     string      `json:"last_error,omitempty"`
}

// Batch is the result of NextBatch.
type Batch struct {
	// Events are ready to send, ordered by (aggregate type, aggregate id,
	// sequence number).
	Events []types.OutboxEvent
	// Blocked lists aggregates excluded because of a blocking head event.
	Blocked []BlockedAggregate
}

// Queue is the outbox for one local store.
type Queue struct {
	store      Store
	policy     RetryPolicy
	clock      clock.Clock
	logger     *slog.Logger
	applyLocal bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for timestamps and backoff scheduling.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithLocalApply controls whether appended mutations are also materialized
// into the local tables. Enabled by default.
func WithLocalApply(enabled bool) Option {
	return func(q *Queue) { q.applyLocal = enabled }
}

// New creates a Queue over s.
func New(s Store, policy RetryPolicy, opts ...Option) *Queue {
	q := &Queue{
		store:      s,
		policy:     policy,
		clock:      clock.Real{},
		logger:     slog.Default(),
		applyLocal: true,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "outbox")
	return q
}

// Policy returns the queue's retry policy.
func (q *Queue) Policy() RetryPolicy {
	return q.policy
}

// Append durably queues m and returns the new event. It succeeds without a
// network connection.
func (q *Queue) Append(ctx context.Context, m types.Mutation) (*types.OutboxEvent, error) {
	if errs := validation.ValidateMutation(m); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMutation, errs[0].Error())
	}

	ev := &types.OutboxEvent{
		ID:            uuid.NewString(),
		TenantID:      q.store.TenantID(),
		AggregateType: m.AggregateType,
		AggregateID:   m.AggregateID,
		Operation:     m.Operation,
		Payload:       m.Payload,
		CreatedAt:     q.clock.Now(),
	}
	applied, err := q.store.AppendEvent(ctx, ev, q.applyLocal)
	if err != nil {
		return nil, fmt.Errorf("append mutation: %w", err)
	}

	q.logger.Debug("event appended",
		"action", "event_appended",
		"event_id", ev.ID,
		"aggregate_type", ev.AggregateType,
		"aggregate_id", ev.AggregateID,
		"sequence_no", ev.SequenceNo,
		"applied_locally", applied,
	)
	return ev, nil
}

// NextBatch returns up to maxN events that are ready to send. Only aggregates
// whose earliest unsettled event is Pending, or Failed with its backoff
// elapsed, contribute; their later events follow in sequence order. An
// aggregate whose earliest event is InFlight is skipped. One whose earliest
// event is Conflicted or out of retries is skipped entirely and reported in
// Blocked.
func (q *Queue) NextBatch(ctx context.Context, maxN int) (*Batch, error) {
	queued, err := q.store.QueuedEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("next batch: %w", err)
	}

	now := q.clock.Now()
	batch := &Batch{}
	for i := 0; i < len(queued); {
		j := i
		for j < len(queued) && sameAggregate(queued[i], queued[j]) {
			j++
		}
		group := queued[i:j]
		i = j

		head := group[0]
		switch {
		case head.Status == types.StatusConflicted:
			batch.Blocked = append(batch.Blocked, blockedBy(head, BlockedByConflict))
			continue
		case head.Status == types.StatusFailed && head.Exhausted:
			batch.Blocked = append(batch.Blocked, blockedBy(head, BlockedByExhausted))
			continue
		case head.Status == types.StatusInFlight:
			continue
		case head.Status == types.StatusFailed && head.NextAttemptAt != nil && now.Before(*head.NextAttemptAt):
			continue
		}

		for _, ev := range group {
			if maxN > 0 && len(batch.Events) >= maxN {
				break
			}
			batch.Events = append(batch.Events, ev.OutboxEvent)
		}
	}
	return batch, nil
}

func sameAggregate(a, b store.QueuedEvent) bool {
	return a.AggregateType == b.AggregateType && a.AggregateID == b.AggregateID
}

func blockedBy(ev store.QueuedEvent, reason BlockReason) BlockedAggregate {
	return BlockedAggregate{
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID,
		EventID:       ev.ID,
		Reason:        reason,
		LastError:     ev.LastError,
	}
}

// Claim moves a ready event to InFlight immediately before it is sent and
// returns it with its current base version.
func (q *Queue) Claim(ctx context.Context, id string) (*types.OutboxEvent, error) {
	ev, err := q.store.ClaimEvent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("claim event: %w", err)
	}
	return ev, nil
}

// MarkAcknowledged settles an event the server applied at serverVersion.
func (q *Queue) MarkAcknowledged(ctx context.Context, id string, serverVersion int64) error {
	if err := q.store.AcknowledgeEvent(ctx, id, serverVersion); err != nil {
		return fmt.Errorf("mark acknowledged: %w", err)
	}
	q.logger.Debug("event acknowledged",
		"action", "event_acknowledged",
		"event_id", id,
		"server_version", serverVersion,
	)
	return nil
}

// MarkFailed records a transient delivery failure of an InFlight event and
// schedules the next attempt. It reports whether the retry budget is now
// exhausted, which leaves the event as a surfaced error blocking its
// aggregate.
func (q *Queue) MarkFailed(ctx context.Context, ev *types.OutboxEvent, cause error) (bool, error) {
	attempts := ev.Attempts + 1
	f := store.Failure{LastError: cause.Error()}
	if q.policy.Exhausted(attempts) {
		f.Exhausted = true
	} else {
		next := q.clock.Now().Add(q.policy.Backoff(attempts))
		f.NextAttemptAt = &next
	}

	if err := q.store.FailEvent(ctx, ev.ID, f); err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}

	if f.Exhausted {
		q.logger.Error("event retries exhausted",
			"action", "event_exhausted",
			"event_id", ev.ID,
			"aggregate_type", ev.AggregateType,
			"aggregate_id", ev.AggregateID,
			"attempts", attempts,
			"error", cause,
		)
	} else {
		q.logger.Warn("event delivery failed, will retry",
			"action", "event_failed",
			"event_id", ev.ID,
			"aggregate_id", ev.AggregateID,
			"attempts", attempts,
			"next_attempt_at", f.NextAttemptAt,
			"error", cause,
		)
	}
	return f.Exhausted, nil
}

// MarkInvalid records a non-retryable rejection. The event goes straight to
// the exhausted state and needs an explicit Retry or Discard.
func (q *Queue) MarkInvalid(ctx context.Context, id string, reason string) error {
	if err := q.store.FailEvent(ctx, id, store.Failure{LastError: reason, Exhausted: true}); err != nil {
		return fmt.Errorf("mark invalid: %w", err)
	}
	q.logger.Error("event rejected by server",
		"action", "event_invalid",
		"event_id", id,
		"reason", reason,
	)
	return nil
}

// MarkConflicted records a version conflict for an InFlight event.
func (q *Queue) MarkConflicted(ctx context.Context, id string, rec types.ConflictRecord) error {
	if err := q.store.ConflictEvent(ctx, id, rec); err != nil {
		return fmt.Errorf("mark conflicted: %w", err)
	}
	q.logger.Info("event conflicted",
		"action", "event_conflicted",
		"event_id", id,
		"conflict_id", rec.ID,
		"kind", rec.Kind,
		"server_version", rec.ServerVersion,
	)
	return nil
}

// Defer returns an InFlight event to Pending after a schema mismatch,
// recording rec as its open schema conflict.
func (q *Queue) Defer(ctx context.Context, id string, rec types.ConflictRecord) error {
	if err := q.store.DeferEvent(ctx, id, rec); err != nil {
		return fmt.Errorf("defer event: %w", err)
	}
	q.logger.Info("event deferred for schema reconcile",
		"action", "event_deferred",
		"event_id", id,
	)
	return nil
}

// RecoverInFlight returns events left InFlight by an interrupted process to
// Pending.
func (q *Queue) RecoverInFlight(ctx context.Context) (int64, error) {
	n, err := q.store.ResetInFlight(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover in-flight events: %w", err)
	}
	if n > 0 {
		q.logger.Info("recovered in-flight events",
			"action", "inflight_recovered",
			"count", n,
		)
	}
	return n, nil
}

// Retry re-arms an exhausted event with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	if err := q.store.RetryEvent(ctx, id); err != nil {
		return fmt.Errorf("retry event: %w", err)
	}
	q.logger.Info("event re-armed", "action", "event_retry", "event_id", id)
	return nil
}

// Discard gives up on an exhausted event without delivering it.
func (q *Queue) Discard(ctx context.Context, id string) error {
	if err := q.store.DiscardEvent(ctx, id); err != nil {
		return fmt.Errorf("discard event: %w", err)
	}
	q.logger.Warn("event discarded", "action", "event_discarded", "event_id", id)
	return nil
}

// Prune deletes Acknowledged events older than retention.
func (q *Queue) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := q.store.PruneAcknowledged(ctx, q.clock.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("prune outbox: %w", err)
	}
	return n, nil
}

// Reclaim deletes up to n of the oldest Acknowledged events regardless of
// the retention window.
func (q *Queue) Reclaim(ctx context.Context, n int) (int64, error) {
	deleted, err := q.store.ReclaimAcknowledged(ctx, n)
	if err != nil {
		return 0, fmt.Errorf("reclaim outbox: %w", err)
	}
	return deleted, nil
}

// EnforceLimit reclaims the oldest Acknowledged events beyond limit. A
// limit of zero or less keeps everything.
func (q *Queue) EnforceLimit(ctx context.Context, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	c, err := q.Counts(ctx)
	if err != nil {
		return 0, err
	}
	excess := c.Acknowledged - limit
	if excess <= 0 {
		return 0, nil
	}
	n, err := q.Reclaim(ctx, excess)
	if err != nil {
		return 0, err
	}
	q.logger.Warn("acknowledged events over limit reclaimed",
		"action", "outbox_reclaimed",
		"limit", limit,
		"count", n,
	)
	return n, nil
}

// Counts summarizes unsettled events and open conflicts.
func (q *Queue) Counts(ctx context.Context) (types.OutboxCounts, error) {
	c, err := q.store.OutboxCounts(ctx)
	if err != nil {
		return c, fmt.Errorf("count outbox: %w", err)
	}
	return c, nil
}

// Get returns one event.
func (q *Queue) Get(ctx context.Context, id string) (*types.OutboxEvent, error) {
	return q.store.GetEvent(ctx, id)
}

// List returns events matching filter.
func (q *Queue) List(ctx context.Context, filter store.EventFilter) ([]types.OutboxEvent, error) {
	return q.store.ListEvents(ctx, filter)
}
