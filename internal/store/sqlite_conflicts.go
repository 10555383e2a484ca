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

const conflictColumns = `c.id, c.outbox_event_id, c.kind, c.server_version, c.local_version,
	c.remote_payload, c.detected_at, c.resolution, c.resolved_at`

func insertConflictTx(ctx context.Context, execer execContext, rec types.ConflictRecord) error {
	_, err := execer.ExecContext(ctx, `
		INSERT INTO conflict_records (id, outbox_event_id, kind, server_version, local_version, remote_payload, detected_at, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.OutboxEventID, string(rec.Kind), rec.ServerVersion, nullableInt(rec.LocalVersion),
		nullablePayload(rec.RemotePayload), formatTime(rec.DetectedAt), nullableResolution(rec.Resolution))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("event %s: %w", rec.OutboxEventID, ErrConflictOpen)
		}
		return fmt.Errorf("insert conflict record: %w", err)
	}
	return nil
}

func nullableResolution(r *types.Resolution) any {
	if r == nil {
		return nil
	}
	return string(*r)
}

// GetConflict returns a conflict joined with its originating event.
func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*types.ConflictView, error) {
	view, err := getConflictTx(ctx, s.db, id)
	if err != nil {
		return nil, storageErr("get conflict", err)
	}
	return view, nil
}

func getConflictTx(ctx context.Context, q queryContext, id string) (*types.ConflictView, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+conflictColumns+`, `+eventColumns+`
		FROM conflict_records c JOIN outbox_events e ON e.id = c.outbox_event_id
		WHERE c.id = ?
	`, id)
	view, err := scanConflictView(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan conflict: %w", err)
	}
	return view, nil
}

// ListConflicts returns conflicts, oldest first. With openOnly set only
// conflicts still awaiting a decision are returned.
func (s *SQLiteStore) ListConflicts(ctx context.Context, openOnly bool) ([]types.ConflictView, error) {
	query := `
		SELECT ` + conflictColumns + `, ` + eventColumns + `
		FROM conflict_records c JOIN outbox_events e ON e.id = c.outbox_event_id`
	if openOnly {
		query += ` WHERE c.resolved_at IS NULL`
	}
	query += ` ORDER BY c.detected_at ASC, c.id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("list conflicts", err)
	}
	defer rows.Close()

	var views []types.ConflictView
	for rows.Next() {
		view, err := scanConflictView(rows)
		if err != nil {
			return nil, storageErr("scan conflict", err)
		}
		views = append(views, *view)
	}
	return views, storageErr("iterate conflicts", rows.Err())
}

// ResolveKeepLocal closes the conflict and re-queues its event based on the
// server's version, forcing a fresh compare on the next delivery. A remotely
// deleted aggregate only accepts a create, so the event is re-queued as a
// create carrying the local row, or its own payload when no row is left.
func (s *SQLiteStore) ResolveKeepLocal(ctx context.Context, conflictID string) (*types.ConflictView, error) {
	var resolved *types.ConflictView
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		view, err := openConflictTx(ctx, tx, conflictID)
		if err != nil {
			return err
		}
		ev := &view.Event
		if view.Kind == types.ConflictDeleted && ev.Operation == tethersync.OperationDelete {
			return fmt.Errorf("%w: delete of a remotely deleted aggregate cannot be kept", ErrInvalidTransition)
		}
		if err := closeConflictTx(ctx, tx, view, types.ResolutionKeepLocal, s.clock.Now()); err != nil {
			return err
		}

		op, payload := ev.Operation, ev.Payload
		if view.Kind == types.ConflictDeleted {
			op = tethersync.OperationCreate
			local, err := localRecordTx(ctx, tx, ev.AggregateType, ev.AggregateID)
			switch {
			case err == nil:
				payload = local
			case !errors.Is(err, ErrNotFound):
				return fmt.Errorf("read local record: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox_events
			SET status = 'pending', operation = ?, payload = ?, base_version = ?,
			    attempts = 0, exhausted = 0, next_attempt_at = NULL, last_error = NULL
			WHERE id = ?
		`, string(op), nullablePayload(payload), view.ServerVersion, view.OutboxEventID); err != nil {
			return fmt.Errorf("requeue event: %w", err)
		}
		ev.Operation = op
		ev.Payload = payload
		resolved = view
		return nil
	})
	if err != nil {
		return nil, storageErr("resolve keep local", err)
	}
	return resolved, nil
}

// ResolveKeepRemote closes the conflict and settles its event as
// Acknowledged without delivery. The server's record replaces the local row.
func (s *SQLiteStore) ResolveKeepRemote(ctx context.Context, conflictID string) (*types.ConflictView, error) {
	var resolved *types.ConflictView
	now := s.clock.Now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		view, err := openConflictTx(ctx, tx, conflictID)
		if err != nil {
			return err
		}
		if err := closeConflictTx(ctx, tx, view, types.ResolutionKeepRemote, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox_events SET status = 'acknowledged', acknowledged_at = ?, last_error = NULL
			WHERE id = ?
		`, formatTime(now), view.OutboxEventID); err != nil {
			return fmt.Errorf("settle event: %w", err)
		}

		ev := &view.Event
		deleted := view.Kind == types.ConflictDeleted
		if err := upsertRowVersionTx(ctx, tx, ev.AggregateType, ev.AggregateID, view.ServerVersion, deleted, now); err != nil {
			return err
		}
		version := view.ServerVersion
		if err := stampSuccessorTx(ctx, tx, ev, &version); err != nil {
			return err
		}

		op, payload := tethersync.OperationUpdate, []byte(view.RemotePayload)
		if deleted {
			op, payload = tethersync.OperationDelete, nil
		}
		if deleted || len(payload) > 0 {
			if _, err := applyBestEffortTx(ctx, tx, ev.AggregateType, ev.AggregateID, op, payload, s.tenantID, now); err != nil {
				return err
			}
		}
		if err := deleteCacheKeyTx(ctx, tx, types.RecordKey(ev.AggregateType, ev.AggregateID)); err != nil {
			return err
		}
		resolved = view
		return nil
	})
	if err != nil {
		return nil, storageErr("resolve keep remote", err)
	}
	return resolved, nil
}

// ResolveMerge closes the conflict and appends merged as a new event after
// the conflicting one, based on the server's version.
func (s *SQLiteStore) ResolveMerge(ctx context.Context, conflictID string, merged *types.OutboxEvent) (*types.ConflictView, error) {
	var resolved *types.ConflictView
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		view, err := openConflictTx(ctx, tx, conflictID)
		if err != nil {
			return err
		}
		if err := closeConflictTx(ctx, tx, view, types.ResolutionMerge, s.clock.Now()); err != nil {
			return err
		}
		version := view.ServerVersion
		if err := stampSuccessorTx(ctx, tx, &view.Event, &version); err != nil {
			return err
		}
		merged.TenantID = view.Event.TenantID
		merged.AggregateType = view.Event.AggregateType
		merged.AggregateID = view.Event.AggregateID
		if _, err := s.appendEventTx(ctx, tx, merged, &version, true); err != nil {
			return err
		}
		resolved = view
		return nil
	})
	if err != nil {
		return nil, storageErr("resolve merge", err)
	}
	return resolved, nil
}

// MarkManualPending records that a decision was deferred. The conflict stays
// open and keeps blocking its aggregate.
func (s *SQLiteStore) MarkManualPending(ctx context.Context, conflictID string) (*types.ConflictView, error) {
	var view *types.ConflictView
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		view, err = openConflictTx(ctx, tx, conflictID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE conflict_records SET resolution = 'manual_pending' WHERE id = ?`, conflictID); err != nil {
			return fmt.Errorf("mark manual pending: %w", err)
		}
		r := types.ResolutionManualPending
		view.Resolution = &r
		return nil
	})
	if err != nil {
		return nil, storageErr("mark manual pending", err)
	}
	return view, nil
}

func openConflictTx(ctx context.Context, q queryContext, id string) (*types.ConflictView, error) {
	view, err := getConflictTx(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if !view.Open() {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrConflictResolved)
	}
	return view, nil
}

func closeConflictTx(ctx context.Context, execer execContext, view *types.ConflictView, r types.Resolution, now time.Time) error {
	if _, err := execer.ExecContext(ctx, `
		UPDATE conflict_records SET resolution = ?, resolved_at = ? WHERE id = ? AND resolved_at IS NULL
	`, string(r), formatTime(now), view.ID); err != nil {
		return fmt.Errorf("close conflict: %w", err)
	}
	view.Resolution = &r
	view.ResolvedAt = &now
	return nil
}

func scanConflictView(scanner interface{ Scan(...any) error }) (*types.ConflictView, error) {
	var view types.ConflictView
	var (
		kind, detectedAt          string
		localVersion              sql.NullInt64
		remotePayload, resolution sql.NullString
		resolvedAt                sql.NullString
	)
	// conflictColumns precede eventColumns in the row.
	ev, err := scanEvent(&rowPrefix{
		prefix: []any{
			&view.ID, &view.OutboxEventID, &kind, &view.ServerVersion, &localVersion,
			&remotePayload, &detectedAt, &resolution, &resolvedAt,
		},
		inner: scanner,
	})
	if err != nil {
		return nil, err
	}
	view.Event = *ev
	view.Kind = types.ConflictKind(kind)
	view.LocalVersion = parseNullableInt(localVersion)
	if remotePayload.Valid {
		view.RemotePayload = []byte(remotePayload.String)
	}
	view.DetectedAt = parseTime(detectedAt)
	if resolution.Valid {
		r := types.Resolution(resolution.String)
		view.Resolution = &r
	}
	view.ResolvedAt = parseNullableTime(resolvedAt)
	return &view, nil
}

// rowPrefix prepends destinations to a Scan call.
type rowPrefix struct {
	prefix []any
	inner  interface{ Scan(...any) error }
}

func (r *rowPrefix) Scan(dest ...any) error {
	return r.inner.Scan(append(r.prefix, dest...)...)
}
