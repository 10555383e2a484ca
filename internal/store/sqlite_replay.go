package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/types"
)

// RemoteBatch is one page of the server change feed to ingest.
type RemoteBatch struct {
	Entries []tethersync.ChangeLogEntry
	// Cursor is persisted as the new pull cursor when the batch commits.
	Cursor int64
	// SourceID identifies this client; entries it originated are not
	// re-applied to local tables.
	SourceID string
}

// ApplyRemoteChanges materializes remote changes into the local domain
// tables, records the server versions, drops the affected cache entries and
// advances the pull cursor in a single transaction. It returns the cache keys
// that were invalidated so the caller can repopulate them after commit.
//
// Aggregates with unsettled local events keep their optimistic local row; the
// outbox event will either overwrite the remote change or surface a conflict.
func (s *SQLiteStore) ApplyRemoteChanges(ctx context.Context, batch RemoteBatch) ([]string, error) {
	touched := make(map[string]struct{})
	now := s.clock.Now()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, entry := range batch.Entries {
			key := types.RecordKey(entry.AggregateType, entry.AggregateID)

			if entry.SourceID != batch.SourceID || batch.SourceID == "" {
				pending, err := hasUnsettledEvents(ctx, tx, entry.AggregateType, entry.AggregateID)
				if err != nil {
					return err
				}
				if !pending {
					err := applyRecordTx(ctx, tx, entry.AggregateType, entry.AggregateID, entry.Operation, entry.Payload, s.tenantID, now)
					if err != nil && !errors.Is(err, ErrUnknownTable) {
						return fmt.Errorf("apply remote change %d: %w", entry.Sequence, err)
					}
				}
			}

			deleted := entry.Operation == tethersync.OperationDelete
			if err := upsertRowVersionTx(ctx, tx, entry.AggregateType, entry.AggregateID, entry.Version, deleted, now); err != nil {
				return err
			}
			if err := deleteCacheKeyTx(ctx, tx, key); err != nil {
				return err
			}
			touched[key] = struct{}{}
		}
		return setMetaTx(ctx, tx, tethersync.SyncMetaPullCursor, fmt.Sprintf("%d", batch.Cursor))
	})
	if err != nil {
		return nil, storageErr("apply remote changes", err)
	}

	keys := make([]string, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// LocalRecord returns the materialized row of an aggregate as a JSON object.
func (s *SQLiteStore) LocalRecord(ctx context.Context, aggregateType, aggregateID string) (json.RawMessage, error) {
	out, err := localRecordTx(ctx, s.db, aggregateType, aggregateID)
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, storageErr("read local record", err)
	}
	return out, nil
}

func localRecordTx(ctx context.Context, q queryContext, aggregateType, aggregateID string) (json.RawMessage, error) {
	cols, err := tableColumns(ctx, q, aggregateType)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(cols))
	hasDeletedAt := false
	for i, c := range cols {
		names[i] = quoteIdent(c.Name)
		if c.Name == "deleted_at" {
			hasDeletedAt = true
		}
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(names, ", "), quoteIdent(aggregateType))
	if hasDeletedAt {
		query += " AND deleted_at IS NULL"
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	err = q.QueryRowContext(ctx, query, aggregateID).Scan(ptrs...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	record := make(map[string]any, len(cols))
	for i, c := range cols {
		if b, ok := values[i].([]byte); ok {
			record[c.Name] = string(b)
			continue
		}
		record[c.Name] = values[i]
	}
	out, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal local record: %w", err)
	}
	return out, nil
}

// applyRecordTx materializes one mutation into the local table named after
// the aggregate type. Create and Update upsert the payload's columns; columns
// the table does not have are ignored. Delete soft-deletes when the table has
// a deleted_at column and hard-deletes otherwise.
func applyRecordTx(ctx context.Context, q queryContext, table, id string, op tethersync.Operation, payload []byte, tenantID string, now time.Time) error {
	cols, err := tableColumns(ctx, q, table)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(cols))
	for _, c := range cols {
		known[c.Name] = true
	}

	if op == tethersync.OperationDelete {
		if known["deleted_at"] {
			stmt := fmt.Sprintf("UPDATE %s SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL", quoteIdent(table))
			if _, err := q.ExecContext(ctx, stmt, formatTime(now), id); err != nil {
				return fmt.Errorf("soft delete %s row %s: %w", table, id, err)
			}
			return nil
		}
		if _, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", quoteIdent(table)), id); err != nil {
			return fmt.Errorf("delete %s row %s: %w", table, id, err)
		}
		return nil
	}

	data := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if payloadID, ok := data["id"].(string); ok && payloadID != id {
		return fmt.Errorf("payload ID %q does not match aggregate ID %q", payloadID, id)
	}
	data["id"] = id
	if known["tenant_id"] && tenantID != "" {
		if _, ok := data["tenant_id"]; !ok {
			data["tenant_id"] = tenantID
		}
	}
	if known["deleted_at"] {
		if _, ok := data["deleted_at"]; !ok {
			data["deleted_at"] = nil
		}
	}

	var names []string
	for name := range data {
		if known[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	placeholders := make([]string, len(names))
	updates := make([]string, 0, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		placeholders[i] = "?"
		args[i] = mapValueToSQL(data[name])
		if name != "id" {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", quoteIdent(name), quoteIdent(name)))
		}
	}
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = quoteIdent(name)
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	if len(updates) > 0 {
		stmt += " ON CONFLICT(id) DO UPDATE SET " + strings.Join(updates, ", ")
	} else {
		stmt += " ON CONFLICT(id) DO NOTHING"
	}
	if _, err := q.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("upsert %s row %s: %w", table, id, err)
	}
	return nil
}

// mapValueToSQL converts decoded JSON values to SQL-safe parameters.
func mapValueToSQL(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any, []any:
		// JSON objects/arrays -> store as TEXT (JSON string)
		b, _ := json.Marshal(val)
		return string(b)
	case bool:
		return boolToInt(val)
	default:
		return v
	}
}

func upsertRowVersionTx(ctx context.Context, execer execContext, aggregateType, aggregateID string, version int64, deleted bool, now time.Time) error {
	_, err := execer.ExecContext(ctx, `
		INSERT INTO row_versions (aggregate_type, aggregate_id, version, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(aggregate_type, aggregate_id) DO UPDATE SET
			version = excluded.version,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
		WHERE excluded.version >= row_versions.version
	`, aggregateType, aggregateID, version, boolToInt(deleted), formatTime(now))
	if err != nil {
		return fmt.Errorf("upsert row version: %w", err)
	}
	return nil
}
