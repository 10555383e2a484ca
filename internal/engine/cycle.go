package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperengineering/tether/internal/outbox"
	"github.com/hyperengineering/tether/internal/remote"
	"github.com/hyperengineering/tether/internal/schema"
	"github.com/hyperengineering/tether/internal/store"
	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/types"
)

// Cycle results reported to the metrics recorder.
const (
	resultOK          = "ok"
	resultOffline     = "offline"
	resultBlocked     = "blocked"
	resultInterrupted = "interrupted"
	resultError       = "error"
)

// Delivery outcomes reported to the metrics recorder.
const (
	outcomeAcknowledged = "acknowledged"
	outcomeConflicted   = "conflicted"
	outcomeDeferred     = "deferred"
	outcomeFailed       = "failed"
	outcomeExhausted    = "exhausted"
	outcomeInvalid      = "invalid"
)

// CycleResult summarizes one sync cycle.
type CycleResult struct {
	Online          bool                      `json:"online"`
	SchemaMigrated  bool                      `json:"schema_migrated"`
	Acknowledged    int                       `json:"acknowledged"`
	Conflicted      int                       `json:"conflicted"`
	Failed          int                       `json:"failed"`
	Invalid         int                       `json:"invalid"`
	Pulled          int                       `json:"pulled"`
	CacheRefreshed  int                       `json:"cache_refreshed"`
	Blocked         []outbox.BlockedAggregate `json:"blocked,omitempty"`
	ResumeNextCycle bool                      `json:"resume_next_cycle,omitempty"`

	drained bool
}

// cycle runs Idle -> CheckingConnectivity -> ReconcilingSchema ->
// DrainingOutbox -> IngestingRemoteChanges -> Idle. Every state change is
// persisted per event, so a cycle that ends early resumes cleanly.
func (e *Engine) cycle(ctx context.Context) (*CycleResult, error) {
	res := &CycleResult{}
	if e.blocked != "" {
		e.finish(ctx, res, resultBlocked, PhaseBlocked)
		return res, fmt.Errorf("%w: %s", ErrBlocked, e.blocked)
	}

	e.logger.Debug("sync cycle started", "action", "cycle_start")

	e.setPhase(ctx, PhaseCheckingConnectivity)
	if err := e.c.Remote.Ping(ctx); err != nil {
		if ctx.Err() != nil {
			e.finish(ctx, res, resultInterrupted, PhaseIdle)
			return res, ctx.Err()
		}
		e.logger.Info("server unreachable", "action", "offline", "error", err)
		e.finish(ctx, res, resultOffline, PhaseIdle)
		return res, nil
	}
	res.Online = true
	e.publish(ctx, func(s *Status) { s.IsOnline = true })
	e.serveWrites()

	e.setPhase(ctx, PhaseReconcilingSchema)
	fingerprint, migrated, err := e.reconcile(ctx)
	if err != nil {
		if errors.Is(err, schema.ErrUnbridgeable) {
			e.block(ctx, err.Error())
			e.finish(ctx, res, resultBlocked, PhaseBlocked)
			return res, fmt.Errorf("%w: %w", ErrBlocked, err)
		}
		return res, e.fail(ctx, res, err)
	}
	res.SchemaMigrated = migrated

	e.setPhase(ctx, PhaseDrainingOutbox)
	if err := e.drain(ctx, res, fingerprint); err != nil {
		if errors.Is(err, errSchemaDrift) {
			e.logger.Info("server schema changed, reconciling next cycle", "action", "schema_drift")
			res.ResumeNextCycle = true
			e.finish(ctx, res, resultInterrupted, PhaseIdle)
			e.Trigger()
			return res, nil
		}
		return res, e.fail(ctx, res, err)
	}

	e.setPhase(ctx, PhaseIngestingRemoteChanges)
	if err := e.ingest(ctx, res); err != nil {
		return res, e.fail(ctx, res, err)
	}

	if err := e.c.Store.SetLastSyncAt(ctx, e.clock.Now()); err != nil {
		return res, e.fail(ctx, res, err)
	}
	e.finish(ctx, res, resultOK, PhaseIdle)
	e.logger.Info("sync cycle completed",
		"action", "cycle_complete",
		"acknowledged", res.Acknowledged,
		"conflicted", res.Conflicted,
		"failed", res.Failed,
		"invalid", res.Invalid,
		"pulled", res.Pulled,
		"blocked_aggregates", len(res.Blocked),
		"schema_migrated", res.SchemaMigrated,
	)
	return res, nil
}

// fail ends a cycle early. Network drops and cancellation are expected and
// resume on the next trigger; anything else is logged as an error.
func (e *Engine) fail(ctx context.Context, res *CycleResult, err error) error {
	res.ResumeNextCycle = true
	if tethersync.IsTransient(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.logger.Warn("sync cycle interrupted", "action", "cycle_interrupted", "error", err)
		if tethersync.IsTransient(err) {
			res.Online = false
		}
		e.finish(context.WithoutCancel(ctx), res, resultInterrupted, PhaseIdle)
		return err
	}
	e.logger.Error("sync cycle failed", "action", "cycle_failed", "error", err)
	e.finish(context.WithoutCancel(ctx), res, resultError, PhaseIdle)
	return err
}

func (e *Engine) finish(ctx context.Context, res *CycleResult, result string, phase Phase) {
	if e.recorder != nil {
		e.recorder.CycleCompleted(result)
	}
	e.publish(ctx, func(s *Status) {
		s.Phase = phase
		s.IsSyncing = false
		s.IsOnline = res.Online
		if res.drained {
			s.BlockedAggregates = res.Blocked
		}
	})
}

func (e *Engine) block(ctx context.Context, reason string) {
	if err := e.c.Store.SetBlockedReason(ctx, reason); err != nil {
		e.logger.Error("persist blocked state failed", "action", "blocked", "error", err)
	}
	e.blocked = reason
	e.logger.Error("sync blocked until explicit resync",
		"action", "blocked",
		"reason", reason,
	)
}

// reconcile brings the local schema to the server's and returns the
// fingerprint events are stamped with. An uninitialized store is
// bootstrapped.
func (e *Engine) reconcile(ctx context.Context) (string, bool, error) {
	resp, err := e.c.Remote.FetchSchema(ctx)
	if err != nil {
		return "", false, fmt.Errorf("fetch schema: %w", err)
	}
	target := schema.TargetFromResponse(resp)

	initialized, err := e.c.Registry.Initialized(ctx)
	if err != nil {
		return "", false, err
	}
	if !initialized {
		if err := e.c.Applier.Bootstrap(ctx, target); err != nil {
			return "", false, err
		}
		return target.Fingerprint, true, nil
	}

	result, err := e.c.Applier.Reconcile(ctx, target)
	if err != nil {
		return "", false, err
	}
	return target.Fingerprint, result.Applied, nil
}

// drain delivers ready events batch by batch until nothing is ready. A
// transport failure ends the drain; the failed event is rescheduled and the
// rest stay Pending.
func (e *Engine) drain(ctx context.Context, res *CycleResult, fingerprint string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := e.c.Queue.NextBatch(ctx, e.cfg.BatchSize)
		if err != nil {
			return err
		}
		res.Blocked = batch.Blocked
		res.drained = true
		if len(batch.Events) == 0 {
			return nil
		}

		progressed := false
		for _, ev := range batch.Events {
			if err := ctx.Err(); err != nil {
				return err
			}
			settled, err := e.deliver(ctx, res, ev, fingerprint)
			e.serveWrites()
			if err != nil {
				return err
			}
			progressed = progressed || settled
		}
		if !progressed {
			return nil
		}
	}
}

// deliver claims and pushes one event and records the server's answer. It
// reports whether the event left the ready set.
func (e *Engine) deliver(ctx context.Context, res *CycleResult, ev types.OutboxEvent, fingerprint string) (bool, error) {
	claimed, err := e.c.Queue.Claim(ctx, ev.ID)
	if errors.Is(err, store.ErrOutOfOrder) || errors.Is(err, store.ErrInvalidTransition) {
		// An earlier event of the aggregate did not settle in this batch.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	ack, pushErr := e.c.Remote.Push(ctx, e.tenantID, pushRequest(claimed, e.sourceID, fingerprint))

	// The answer is recorded even if ctx ended while waiting for it.
	bg := context.WithoutCancel(ctx)

	var vc *tethersync.VersionConflictError
	var sm *tethersync.SchemaMismatchError
	var inv *tethersync.InvalidError
	switch {
	case pushErr == nil:
		if err := e.c.Queue.MarkAcknowledged(bg, claimed.ID, ack.ServerVersion); err != nil {
			return false, err
		}
		res.Acknowledged++
		e.delivered(outcomeAcknowledged)
		return true, nil

	case errors.As(pushErr, &vc):
		rec, err := e.c.Resolver.Classify(*claimed, pushErr)
		if err != nil {
			return false, err
		}
		if err := e.c.Queue.MarkConflicted(bg, claimed.ID, rec); err != nil {
			return false, err
		}
		res.Conflicted++
		e.delivered(outcomeConflicted)
		if view, err := e.c.Resolver.Get(bg, rec.ID); err == nil {
			e.notifyConflict(*view)
		}
		return true, nil

	case errors.As(pushErr, &sm):
		rec, err := e.c.Resolver.Classify(*claimed, pushErr)
		if err != nil {
			return false, err
		}
		if err := e.c.Queue.Defer(bg, claimed.ID, rec); err != nil {
			return false, err
		}
		e.delivered(outcomeDeferred)
		return false, fmt.Errorf("%w: %w", errSchemaDrift, pushErr)

	case errors.As(pushErr, &inv):
		if err := e.c.Queue.MarkInvalid(bg, claimed.ID, inv.Reason); err != nil {
			return false, err
		}
		res.Invalid++
		e.delivered(outcomeInvalid)
		return true, nil

	case tethersync.IsTransient(pushErr):
		exhausted, err := e.c.Queue.MarkFailed(bg, claimed, pushErr)
		if err != nil {
			return false, err
		}
		res.Failed++
		if exhausted {
			e.delivered(outcomeExhausted)
		} else {
			e.delivered(outcomeFailed)
		}
		return false, pushErr

	case ctx.Err() != nil, errors.Is(pushErr, context.Canceled), errors.Is(pushErr, remote.ErrUnauthorized):
		// The event was not judged, so it goes back to Pending without
		// using an attempt.
		if _, err := e.c.Queue.RecoverInFlight(bg); err != nil {
			return false, err
		}
		return false, fmt.Errorf("push event %s: %w", claimed.ID, pushErr)

	default:
		exhausted, err := e.c.Queue.MarkFailed(bg, claimed, pushErr)
		if err != nil {
			return false, err
		}
		res.Failed++
		if exhausted {
			e.delivered(outcomeExhausted)
		} else {
			e.delivered(outcomeFailed)
		}
		return false, fmt.Errorf("push event %s: %w", claimed.ID, pushErr)
	}
}

// serveWrites runs the Enqueue requests waiting behind the current cycle.
func (e *Engine) serveWrites() {
	for {
		select {
		case req := <-e.writes:
			req.serve()
		default:
			return
		}
	}
}

func (e *Engine) delivered(outcome string) {
	if e.recorder != nil {
		e.recorder.EventDelivered(outcome)
	}
}

// ingest pages through the server change feed from the persisted cursor.
// Each page commits with its cursor; touched cache entries are dropped in
// the same transaction and repopulated from the local rows afterwards.
func (e *Engine) ingest(ctx context.Context, res *CycleResult) error {
	cursor, err := e.c.Store.PullCursor(ctx)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := e.c.Remote.Pull(ctx, e.tenantID, cursor, e.cfg.PullPageSize)
		if err != nil {
			return fmt.Errorf("pull changes: %w", err)
		}

		keys, err := e.c.Store.ApplyRemoteChanges(ctx, store.RemoteBatch{
			Entries:  page.Entries,
			Cursor:   page.LastSequence,
			SourceID: e.sourceID,
		})
		if err != nil {
			return err
		}
		res.Pulled += len(page.Entries)
		res.CacheRefreshed += e.repopulate(ctx, keys)
		cursor = page.LastSequence

		if !page.HasMore || len(page.Entries) == 0 {
			break
		}
	}

	if res.Pulled > 0 {
		e.logger.Info("remote changes ingested",
			"action", "ingest",
			"entries", res.Pulled,
			"cursor", cursor,
		)
	}
	return nil
}

// repopulate caches the fresh local rows for keys. Rows that no longer exist
// locally stay uncached.
func (e *Engine) repopulate(ctx context.Context, keys []string) int {
	n := 0
	for _, key := range keys {
		aggregateType, aggregateID, ok := types.ParseRecordKey(key)
		if !ok {
			continue
		}
		record, err := e.c.Store.LocalRecord(ctx, aggregateType, aggregateID)
		if err != nil {
			continue
		}
		if err := e.c.Cache.Set(ctx, key, record, e.cfg.CacheTTL); err != nil {
			e.logger.Debug("cache repopulate skipped", "action", "cache_refresh", "key", key, "error", err)
			continue
		}
		n++
	}
	return n
}

func pushRequest(ev *types.OutboxEvent, sourceID, fingerprint string) tethersync.PushRequest {
	return tethersync.PushRequest{
		EventID:           ev.ID,
		SourceID:          sourceID,
		AggregateType:     ev.AggregateType,
		AggregateID:       ev.AggregateID,
		Operation:         ev.Operation,
		Payload:           ev.Payload,
		SequenceNo:        ev.SequenceNo,
		BaseVersion:       ev.BaseVersion,
		SchemaFingerprint: fingerprint,
		CreatedAt:         ev.CreatedAt,
	}
}
