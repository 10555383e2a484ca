package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/types"
)

const eventColumns = `e.id, e.tenant_id, e.aggregate_type, e.aggregate_id, e.operation, e.payload,
	e.sequence_no, e.base_version, e.created_at, e.status, e.attempts, e.last_error,
	e.next_attempt_at, e.exhausted, e.discarded, e.acknowledged_at`

const openConflictExists = `EXISTS (SELECT 1 FROM conflict_records c WHERE c.outbox_event_id = e.id AND c.resolved_at IS NULL)`

// unsettledClause matches events still awaiting delivery or a decision. A
// conflicted event whose conflict was resolved by merge is settled.
const unsettledClause = `e.discarded = 0 AND (e.status IN ('pending', 'in_flight', 'failed') OR (e.status = 'conflicted' AND ` + openConflictExists + `))`

// blockingClause matches events that stop their aggregate from accepting or
// delivering later writes.
const blockingClause = `e.discarded = 0 AND ((e.status = 'failed' AND e.exhausted = 1) OR (e.status = 'conflicted' AND ` + openConflictExists + `))`

// QueuedEvent is an unsettled outbox event as seen by batch selection.
type QueuedEvent struct {
	types.OutboxEvent
	OpenConflict bool
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	Status        types.EventStatus
	AggregateType string
	AggregateID   string
	Limit         int
}

// Failure describes a failed delivery attempt.
type Failure struct {
	LastError     string
	NextAttemptAt *time.Time
	Exhausted     bool
}

// AppendEvent appends ev to the outbox, assigning the next sequence number
// for its aggregate and its base version. When applyLocal is set the mutation
// is also materialized into the local table named after the aggregate type;
// that step is best effort and reported by the returned bool. The aggregate's
// cache entry is dropped in the same transaction.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *types.OutboxEvent, applyLocal bool) (bool, error) {
	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		applied, err = s.appendEventTx(ctx, tx, ev, nil, applyLocal)
		return err
	})
	if err != nil {
		return false, storageErr("append outbox event", err)
	}
	return applied, nil
}

func (s *SQLiteStore) appendEventTx(ctx context.Context, tx *sql.Tx, ev *types.OutboxEvent, baseOverride *int64, applyLocal bool) (bool, error) {
	blocked, err := existsTx(ctx, tx, `SELECT EXISTS (SELECT 1 FROM outbox_events e
		WHERE e.aggregate_type = ? AND e.aggregate_id = ? AND `+blockingClause+`)`, ev.AggregateType, ev.AggregateID)
	if err != nil {
		return false, fmt.Errorf("check aggregate blocked: %w", err)
	}
	if blocked {
		return false, fmt.Errorf("%s/%s: %w", ev.AggregateType, ev.AggregateID, ErrAggregateBlocked)
	}

	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence_no), 0) + 1 FROM outbox_events
		WHERE aggregate_type = ? AND aggregate_id = ?
	`, ev.AggregateType, ev.AggregateID).Scan(&ev.SequenceNo); err != nil {
		return false, fmt.Errorf("next sequence: %w", err)
	}

	chained, err := hasUnsettledEvents(ctx, tx, ev.AggregateType, ev.AggregateID)
	if err != nil {
		return false, err
	}

	// A chained event gets its base version when its predecessor settles.
	ev.BaseVersion = nil
	if !chained {
		if baseOverride != nil {
			v := *baseOverride
			ev.BaseVersion = &v
		} else {
			ev.BaseVersion, err = rowVersionTx(ctx, tx, ev.AggregateType, ev.AggregateID)
			if err != nil {
				return false, err
			}
		}
	}

	ev.Status = types.StatusPending
	ev.Attempts = 0
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox_events (
			id, tenant_id, aggregate_type, aggregate_id, operation, payload,
			sequence_no, base_version, created_at, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending')
	`, ev.ID, ev.TenantID, ev.AggregateType, ev.AggregateID, string(ev.Operation),
		nullablePayload(ev.Payload), ev.SequenceNo, nullableInt(ev.BaseVersion), formatTime(ev.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert outbox event: %w", err)
	}

	applied := false
	if applyLocal {
		applied, err = applyBestEffortTx(ctx, tx, ev.AggregateType, ev.AggregateID, ev.Operation, ev.Payload, s.tenantID, ev.CreatedAt)
		if err != nil {
			return false, err
		}
	}

	if err := deleteCacheKeyTx(ctx, tx, types.RecordKey(ev.AggregateType, ev.AggregateID)); err != nil {
		return false, err
	}
	return applied, nil
}

// applyBestEffortTx materializes a mutation inside a savepoint so that a
// payload the local table cannot hold never fails the enclosing write.
func applyBestEffortTx(ctx context.Context, tx *sql.Tx, table, id string, op tethersync.Operation, payload []byte, tenantID string, now time.Time) (bool, error) {
	if _, err := tx.ExecContext(ctx, `SAVEPOINT local_apply`); err != nil {
		return false, fmt.Errorf("savepoint: %w", err)
	}
	if err := applyRecordTx(ctx, tx, table, id, op, payload, tenantID, now); err != nil {
		if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO local_apply`); rbErr != nil {
			return false, fmt.Errorf("rollback savepoint: %w", rbErr)
		}
		if _, relErr := tx.ExecContext(ctx, `RELEASE local_apply`); relErr != nil {
			return false, fmt.Errorf("release savepoint: %w", relErr)
		}
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `RELEASE local_apply`); err != nil {
		return false, fmt.Errorf("release savepoint: %w", err)
	}
	return true, nil
}

// GetEvent returns an outbox event by id.
func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*types.OutboxEvent, error) {
	ev, err := getEventTx(ctx, s.db, id)
	if err != nil {
		return nil, storageErr("get outbox event", err)
	}
	return ev, nil
}

func getEventTx(ctx context.Context, q queryContext, id string) (*types.OutboxEvent, error) {
	row := q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM outbox_events e WHERE e.id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan outbox event: %w", err)
	}
	return ev, nil
}

// ListEvents returns outbox events matching filter ordered by aggregate and
// sequence.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]types.OutboxEvent, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "e.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.AggregateType != "" {
		where = append(where, "e.aggregate_type = ?")
		args = append(args, filter.AggregateType)
	}
	if filter.AggregateID != "" {
		where = append(where, "e.aggregate_id = ?")
		args = append(args, filter.AggregateID)
	}
	query := `SELECT ` + eventColumns + ` FROM outbox_events e`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY e.aggregate_type, e.aggregate_id, e.sequence_no"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list outbox events", err)
	}
	defer rows.Close()

	var events []types.OutboxEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, storageErr("scan outbox event", err)
		}
		events = append(events, *ev)
	}
	return events, storageErr("iterate outbox events", rows.Err())
}

// QueuedEvents returns every unsettled event ordered by
// (aggregate_type, aggregate_id, sequence_no).
func (s *SQLiteStore) QueuedEvents(ctx context.Context) ([]QueuedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`, `+openConflictExists+`
		FROM outbox_events e
		WHERE `+unsettledClause+`
		ORDER BY e.aggregate_type, e.aggregate_id, e.sequence_no
	`)
	if err != nil {
		return nil, storageErr("query queued events", err)
	}
	defer rows.Close()

	var queued []QueuedEvent
	for rows.Next() {
		var open int
		ev, err := scanEvent(rows, &open)
		if err != nil {
			return nil, storageErr("scan queued event", err)
		}
		queued = append(queued, QueuedEvent{OutboxEvent: *ev, OpenConflict: open == 1})
	}
	return queued, storageErr("iterate queued events", rows.Err())
}

// ClaimEvent moves a ready event to InFlight and returns it with its current
// base version. It fails with ErrOutOfOrder while an earlier event of the same
// aggregate is unsettled.
func (s *SQLiteStore) ClaimEvent(ctx context.Context, id string) (*types.OutboxEvent, error) {
	var claimed *types.OutboxEvent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ev, err := getEventTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if ev.Discarded || ev.Exhausted || (ev.Status != types.StatusPending && ev.Status != types.StatusFailed) {
			return fmt.Errorf("claim %s from %s: %w", id, ev.Status, ErrInvalidTransition)
		}
		earlier, err := existsTx(ctx, tx, `SELECT EXISTS (SELECT 1 FROM outbox_events e
			WHERE e.aggregate_type = ? AND e.aggregate_id = ? AND e.sequence_no < ? AND `+unsettledClause+`)`,
			ev.AggregateType, ev.AggregateID, ev.SequenceNo)
		if err != nil {
			return fmt.Errorf("check predecessors: %w", err)
		}
		if earlier {
			return fmt.Errorf("claim %s: %w", id, ErrOutOfOrder)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE outbox_events SET status = 'in_flight' WHERE id = ?`, id); err != nil {
			return fmt.Errorf("mark in flight: %w", err)
		}
		ev.Status = types.StatusInFlight
		claimed = ev
		return nil
	})
	if err != nil {
		return nil, storageErr("claim outbox event", err)
	}
	return claimed, nil
}

// AcknowledgeEvent settles an InFlight event the server applied at
// serverVersion. The aggregate's known version advances, the next chained
// event inherits it as its base, and an open schema conflict on the event is
// closed as kept.
func (s *SQLiteStore) AcknowledgeEvent(ctx context.Context, id string, serverVersion int64) error {
	now := s.clock.Now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ev, err := getEventTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if ev.Status != types.StatusInFlight {
			return fmt.Errorf("acknowledge %s from %s: %w", id, ev.Status, ErrInvalidTransition)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox_events
			SET status = 'acknowledged', acknowledged_at = ?, last_error = NULL, next_attempt_at = NULL
			WHERE id = ?
		`, formatTime(now), id); err != nil {
			return fmt.Errorf("mark acknowledged: %w", err)
		}
		deleted := ev.Operation == tethersync.OperationDelete
		if err := upsertRowVersionTx(ctx, tx, ev.AggregateType, ev.AggregateID, serverVersion, deleted, now); err != nil {
			return err
		}
		if err := stampSuccessorTx(ctx, tx, ev, &serverVersion); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE conflict_records SET resolution = 'keep_local', resolved_at = ?
			WHERE outbox_event_id = ? AND kind = 'schema_incompatible' AND resolved_at IS NULL
		`, formatTime(now), id); err != nil {
			return fmt.Errorf("close schema conflict: %w", err)
		}
		return nil
	})
	return storageErr("acknowledge outbox event", err)
}

// FailEvent records a failed delivery of an InFlight event.
func (s *SQLiteStore) FailEvent(ctx context.Context, id string, f Failure) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'failed', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, exhausted = ?
		WHERE id = ? AND status = 'in_flight'
	`, f.LastError, formatNullableTime(f.NextAttemptAt), boolToInt(f.Exhausted), id)
	if err != nil {
		return storageErr("fail outbox event", err)
	}
	return storageErr("fail outbox event", requireOneRow(result, id))
}

// ConflictEvent marks an InFlight event Conflicted and stores rec as its open
// conflict.
func (s *SQLiteStore) ConflictEvent(ctx context.Context, id string, rec types.ConflictRecord) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE outbox_events SET status = 'conflicted', attempts = attempts + 1
			WHERE id = ? AND status = 'in_flight'
		`, id)
		if err != nil {
			return fmt.Errorf("mark conflicted: %w", err)
		}
		if err := requireOneRow(result, id); err != nil {
			return err
		}
		return insertConflictTx(ctx, tx, rec)
	})
	return storageErr("conflict outbox event", err)
}

// DeferEvent returns an InFlight event to Pending after a schema mismatch and
// records rec unless the event already has an open conflict.
func (s *SQLiteStore) DeferEvent(ctx context.Context, id string, rec types.ConflictRecord) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE outbox_events SET status = 'pending', attempts = attempts + 1, last_error = ?
			WHERE id = ? AND status = 'in_flight'
		`, "schema mismatch", id)
		if err != nil {
			return fmt.Errorf("return to pending: %w", err)
		}
		if err := requireOneRow(result, id); err != nil {
			return err
		}
		open, err := existsTx(ctx, tx, `SELECT EXISTS (SELECT 1 FROM conflict_records
			WHERE outbox_event_id = ? AND resolved_at IS NULL)`, id)
		if err != nil {
			return fmt.Errorf("check open conflict: %w", err)
		}
		if open {
			return nil
		}
		return insertConflictTx(ctx, tx, rec)
	})
	return storageErr("defer outbox event", err)
}

// ResetInFlight returns every InFlight event to Pending. Run on startup: an
// event left InFlight by a crash may or may not have reached the server, and
// the server deduplicates by event id.
func (s *SQLiteStore) ResetInFlight(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE outbox_events SET status = 'pending' WHERE status = 'in_flight'`)
	if err != nil {
		return 0, storageErr("reset in-flight events", err)
	}
	n, err := result.RowsAffected()
	return n, storageErr("reset in-flight events", err)
}

// RetryEvent re-arms an exhausted failure for delivery with a fresh attempt
// budget.
func (s *SQLiteStore) RetryEvent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'pending', attempts = 0, exhausted = 0, next_attempt_at = NULL, last_error = NULL
		WHERE id = ? AND status = 'failed' AND exhausted = 1 AND discarded = 0
	`, id)
	if err != nil {
		return storageErr("retry outbox event", err)
	}
	return storageErr("retry outbox event", requireOneRow(result, id))
}

// DiscardEvent gives up on an exhausted failure without delivering it. The
// next chained event of the aggregate is rebased on the last known version.
func (s *SQLiteStore) DiscardEvent(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ev, err := getEventTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if ev.Discarded || ev.Status != types.StatusFailed || !ev.Exhausted {
			return fmt.Errorf("discard %s: %w", id, ErrInvalidTransition)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE outbox_events SET discarded = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("mark discarded: %w", err)
		}
		version, err := rowVersionTx(ctx, tx, ev.AggregateType, ev.AggregateID)
		if err != nil {
			return err
		}
		return stampSuccessorTx(ctx, tx, ev, version)
	})
	return storageErr("discard outbox event", err)
}

// PruneAcknowledged deletes Acknowledged events acknowledged before cutoff.
func (s *SQLiteStore) PruneAcknowledged(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox_events
		WHERE status = 'acknowledged' AND acknowledged_at IS NOT NULL AND acknowledged_at < ?
	`, formatTime(before))
	if err != nil {
		return 0, storageErr("prune acknowledged events", err)
	}
	n, err := result.RowsAffected()
	return n, storageErr("prune acknowledged events", err)
}

// ReclaimAcknowledged deletes up to n of the oldest Acknowledged events
// regardless of the retention window.
func (s *SQLiteStore) ReclaimAcknowledged(ctx context.Context, n int) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox_events WHERE id IN (
			SELECT id FROM outbox_events WHERE status = 'acknowledged'
			ORDER BY acknowledged_at ASC LIMIT ?
		)
	`, n)
	if err != nil {
		return 0, storageErr("reclaim acknowledged events", err)
	}
	deleted, err := result.RowsAffected()
	return deleted, storageErr("reclaim acknowledged events", err)
}

// OutboxCounts summarizes unsettled events and open conflicts.
func (s *SQLiteStore) OutboxCounts(ctx context.Context) (types.OutboxCounts, error) {
	var c types.OutboxCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN e.status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN e.status = 'in_flight' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN e.status = 'failed' AND e.exhausted = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN e.status = 'failed' AND e.exhausted = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN e.status = 'acknowledged' THEN 1 ELSE 0 END), 0)
		FROM outbox_events e WHERE e.discarded = 0
	`).Scan(&c.Pending, &c.InFlight, &c.Failed, &c.Exhausted, &c.Acknowledged)
	if err != nil {
		return c, storageErr("count outbox events", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflict_records WHERE resolved_at IS NULL`).Scan(&c.Conflicted)
	return c, storageErr("count open conflicts", err)
}

// RowVersion returns the last server version known for an aggregate.
func (s *SQLiteStore) RowVersion(ctx context.Context, aggregateType, aggregateID string) (*types.RowVersion, error) {
	var rv types.RowVersion
	var deleted int
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT aggregate_type, aggregate_id, version, deleted, updated_at
		FROM row_versions WHERE aggregate_type = ? AND aggregate_id = ?
	`, aggregateType, aggregateID).Scan(&rv.AggregateType, &rv.AggregateID, &rv.Version, &deleted, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get row version", err)
	}
	rv.Deleted = deleted == 1
	rv.UpdatedAt = parseTime(updatedAt)
	return &rv, nil
}

func rowVersionTx(ctx context.Context, q queryContext, aggregateType, aggregateID string) (*int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `
		SELECT version FROM row_versions WHERE aggregate_type = ? AND aggregate_id = ?
	`, aggregateType, aggregateID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup row version: %w", err)
	}
	return &v, nil
}

// stampSuccessorTx gives the next unsettled event after ev, if it is still
// waiting for one, the base version its predecessor settled at.
func stampSuccessorTx(ctx context.Context, execer execContext, ev *types.OutboxEvent, version *int64) error {
	if version == nil {
		return nil
	}
	_, err := execer.ExecContext(ctx, `
		UPDATE outbox_events SET base_version = ?
		WHERE base_version IS NULL AND id = (
			SELECT e.id FROM outbox_events e
			WHERE e.aggregate_type = ? AND e.aggregate_id = ? AND e.sequence_no > ? AND `+unsettledClause+`
			ORDER BY e.sequence_no ASC LIMIT 1
		)
	`, *version, ev.AggregateType, ev.AggregateID, ev.SequenceNo)
	if err != nil {
		return fmt.Errorf("stamp successor base version: %w", err)
	}
	return nil
}

func hasUnsettledEvents(ctx context.Context, q queryContext, aggregateType, aggregateID string) (bool, error) {
	found, err := existsTx(ctx, q, `SELECT EXISTS (SELECT 1 FROM outbox_events e
		WHERE e.aggregate_type = ? AND e.aggregate_id = ? AND `+unsettledClause+`)`, aggregateType, aggregateID)
	if err != nil {
		return false, fmt.Errorf("check unsettled events: %w", err)
	}
	return found, nil
}

func existsTx(ctx context.Context, q queryContext, query string, args ...any) (bool, error) {
	var found int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&found); err != nil {
		return false, err
	}
	return found == 1, nil
}

func requireOneRow(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("event %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

// scanEvent scans eventColumns followed by any extra destinations.
func scanEvent(scanner interface{ Scan(...any) error }, extra ...any) (*types.OutboxEvent, error) {
	var ev types.OutboxEvent
	var (
		operation, status, createdAt string
		payload, lastError           sql.NullString
		nextAttemptAt, ackedAt       sql.NullString
		baseVersion                  sql.NullInt64
		exhausted, discarded         int
	)
	dest := []any{
		&ev.ID, &ev.TenantID, &ev.AggregateType, &ev.AggregateID, &operation, &payload,
		&ev.SequenceNo, &baseVersion, &createdAt, &status, &ev.Attempts, &lastError,
		&nextAttemptAt, &exhausted, &discarded, &ackedAt,
	}
	if err := scanner.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	ev.Operation = tethersync.Operation(operation)
	ev.Status = types.EventStatus(status)
	if payload.Valid {
		ev.Payload = []byte(payload.String)
	}
	ev.BaseVersion = parseNullableInt(baseVersion)
	ev.CreatedAt = parseTime(createdAt)
	ev.LastError = lastError.String
	ev.NextAttemptAt = parseNullableTime(nextAttemptAt)
	ev.Exhausted = exhausted == 1
	ev.Discarded = discarded == 1
	ev.AcknowledgedAt = parseNullableTime(ackedAt)
	return &ev, nil
}
