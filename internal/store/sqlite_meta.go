package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/oklog/ulid/v2"
)

// GetMeta returns a sync_meta value, or ErrNotFound.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", storageErr("get meta", err)
	}
	return value, nil
}

// SetMeta upserts a sync_meta value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	return storageErr("set meta", setMetaTx(ctx, s.db, key, value))
}

// DeleteMeta removes a sync_meta value. Missing keys are not an error.
func (s *SQLiteStore) DeleteMeta(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_meta WHERE key = ?`, key)
	return storageErr("delete meta", err)
}

func setMetaTx(ctx context.Context, execer execContext, key, value string) error {
	_, err := execer.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("upsert meta %s: %w", key, err)
	}
	return nil
}

// PullCursor returns the sequence of the last ingested remote change.
func (s *SQLiteStore) PullCursor(ctx context.Context) (int64, error) {
	v, err := s.GetMeta(ctx, tethersync.SyncMetaPullCursor)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	cursor, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse pull cursor %q: %w", v, err)
	}
	return cursor, nil
}

// SourceID returns the identifier this store stamps on pushed events,
// generating and persisting one on first use.
func (s *SQLiteStore) SourceID(ctx context.Context) (string, error) {
	v, err := s.GetMeta(ctx, tethersync.SyncMetaSourceID)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	id := ulid.Make().String()
	if err := s.SetMeta(ctx, tethersync.SyncMetaSourceID, id); err != nil {
		return "", err
	}
	return id, nil
}

// LastSyncAt returns the time of the last completed cycle, or nil.
func (s *SQLiteStore) LastSyncAt(ctx context.Context) (*time.Time, error) {
	v, err := s.GetMeta(ctx, tethersync.SyncMetaLastSyncAt)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := parseTime(v)
	return &t, nil
}

// SetLastSyncAt records the completion time of a sync cycle.
func (s *SQLiteStore) SetLastSyncAt(ctx context.Context, t time.Time) error {
	return s.SetMeta(ctx, tethersync.SyncMetaLastSyncAt, formatTime(t))
}

// BlockedReason returns the persisted reason sync is blocked, or "".
func (s *SQLiteStore) BlockedReason(ctx context.Context) (string, error) {
	v, err := s.GetMeta(ctx, tethersync.SyncMetaBlockedReason)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

// SetBlockedReason persists the blocked state. An empty reason clears it.
func (s *SQLiteStore) SetBlockedReason(ctx context.Context, reason string) error {
	if reason == "" {
		return s.DeleteMeta(ctx, tethersync.SyncMetaBlockedReason)
	}
	return s.SetMeta(ctx, tethersync.SyncMetaBlockedReason, reason)
}
