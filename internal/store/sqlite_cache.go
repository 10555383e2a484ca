package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/tether/internal/types"
)

// CacheGet returns the stored entry for key regardless of expiry, or
// ErrNotFound. Expiry is judged by the caller.
func (s *SQLiteStore) CacheGet(ctx context.Context, key string) (*types.CacheEntry, error) {
	var e types.CacheEntry
	var createdAt, expiresAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT key, value, size_bytes, created_at, expires_at
		FROM cache_entries WHERE key = ?
	`, key).Scan(&e.Key, &e.Value, &e.SizeBytes, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get cache entry", err)
	}
	e.CreatedAt = parseTime(createdAt)
	e.ExpiresAt = parseTime(expiresAt)
	return &e, nil
}

// CachePut stores entry, first evicting entries ordered by soonest expiry
// (ties broken by key) until the total size fits within budget. An existing
// entry under the same key is replaced and its size does not count against
// the budget. Returns the evicted keys.
func (s *SQLiteStore) CachePut(ctx context.Context, entry types.CacheEntry, budget int64) ([]string, error) {
	var evicted []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := deleteCacheKeyTx(ctx, tx, entry.Key); err != nil {
			return err
		}

		var total int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM cache_entries`).Scan(&total); err != nil {
			return fmt.Errorf("sum cache size: %w", err)
		}

		for total+entry.SizeBytes > budget {
			var key string
			var size int64
			err := tx.QueryRowContext(ctx, `
				SELECT key, size_bytes FROM cache_entries
				ORDER BY expires_at ASC, key ASC LIMIT 1
			`).Scan(&key, &size)
			if errors.Is(err, sql.ErrNoRows) {
				break
			}
			if err != nil {
				return fmt.Errorf("select eviction candidate: %w", err)
			}
			if err := deleteCacheKeyTx(ctx, tx, key); err != nil {
				return err
			}
			evicted = append(evicted, key)
			total -= size
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO cache_entries (key, value, size_bytes, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?)
		`, entry.Key, entry.Value, entry.SizeBytes, formatTime(entry.CreatedAt), formatTime(entry.ExpiresAt))
		if err != nil {
			return fmt.Errorf("insert cache entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("put cache entry", err)
	}
	return evicted, nil
}

// CacheDelete removes key. Missing keys are not an error.
func (s *SQLiteStore) CacheDelete(ctx context.Context, key string) error {
	return storageErr("delete cache entry", deleteCacheKeyTx(ctx, s.db, key))
}

func deleteCacheKeyTx(ctx context.Context, execer execContext, key string) error {
	if _, err := execer.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete cache key %s: %w", key, err)
	}
	return nil
}

// CacheDeleteExpired removes every entry whose expiry is at or before now.
func (s *SQLiteStore) CacheDeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, storageErr("delete expired cache entries", err)
	}
	n, err := result.RowsAffected()
	return n, storageErr("delete expired cache entries", err)
}

// CachePurge removes every cache entry.
func (s *SQLiteStore) CachePurge(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, storageErr("purge cache", err)
	}
	n, err := result.RowsAffected()
	return n, storageErr("purge cache", err)
}

// CacheUsage returns the total stored bytes and entry count.
func (s *SQLiteStore) CacheUsage(ctx context.Context) (sizeBytes int64, count int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(size_bytes), 0), COUNT(*) FROM cache_entries
	`).Scan(&sizeBytes, &count)
	return sizeBytes, count, storageErr("cache usage", err)
}
