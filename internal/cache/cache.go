// Package cache is the expiring key/value cache that serves reads while
// offline. Entries live in the local store so they survive restarts.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/tether/internal/clock"
	"github.com/hyperengineering/tether/internal/store"
	"github.com/hyperengineering/tether/internal/types"
	"golang.org/x/sync/singleflight"
)

var (
	ErrMiss          = errors.New("cache miss")
	ErrEntryTooLarge = errors.New("cache entry exceeds maximum entry size")
	ErrInvalidTTL    = errors.New("cache ttl must be positive")
)

// Store is the persistence the cache needs.
type Store interface {
	CacheGet(ctx context.Context, key string) (*types.CacheEntry, error)
	CachePut(ctx context.Context, entry types.CacheEntry, budget int64) ([]string, error)
	CacheDelete(ctx context.Context, key string) error
	CacheDeleteExpired(ctx context.Context, now time.Time) (int64, error)
	CachePurge(ctx context.Context) (int64, error)
	CacheUsage(ctx context.Context) (int64, int64, error)
}

// Recorder receives cache request outcomes ("hit", "miss", "expired").
type Recorder interface {
	CacheRequest(result string)
}

// Config bounds the cache.
type Config struct {
	BudgetBytes   int64
	MaxEntryBytes int64
	DefaultTTL    time.Duration
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	SizeBytes int64   `json:"size_bytes"`
	ItemCount int64   `json:"item_count"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
}

// Cache is an expiring cache with a total size budget. Writes that would
// exceed the budget evict the entries expiring soonest.
type Cache struct {
	store    Store
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	recorder Recorder

	// mu serializes read-check-delete in Get against Set and sweeps.
	mu     sync.Mutex
	hits   atomic.Int64
	misses atomic.Int64
	fill   singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the clock used for expiry.
func WithClock(c clock.Clock) Option { return func(ca *Cache) { ca.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(ca *Cache) { ca.logger = l } }

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option { return func(ca *Cache) { ca.recorder = r } }

// New creates a cache over s.
func New(s Store, cfg Config, opts ...Option) *Cache {
	c := &Cache{
		store:  s,
		cfg:    cfg,
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value stored under key. An entry at or past its expiry is
// a miss even if no sweep has removed it yet; it is deleted on the way out.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.store.CacheGet(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		c.record(false, "miss")
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}

	if !c.clock.Now().Before(entry.ExpiresAt) {
		if err := c.store.CacheDelete(ctx, key); err != nil {
			c.logger.Warn("expired cache entry not removed",
				"component", "cache",
				"action", "lazy_evict_failed",
				"key", key,
				"error", err,
			)
		}
		c.record(false, "expired")
		return nil, ErrMiss
	}

	c.record(true, "hit")
	return entry.Value, nil
}

// Set stores value under key for ttl. A non-positive ttl uses the default
// TTL. Values larger than the per-entry cap are rejected.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	size := int64(len(value))
	if c.cfg.MaxEntryBytes > 0 && size > c.cfg.MaxEntryBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrEntryTooLarge, size, c.cfg.MaxEntryBytes)
	}
	if c.cfg.BudgetBytes > 0 && size > c.cfg.BudgetBytes {
		return fmt.Errorf("%w: %d bytes exceeds budget %d", ErrEntryTooLarge, size, c.cfg.BudgetBytes)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	evicted, err := c.store.CachePut(ctx, types.CacheEntry{
		Key:       key,
		Value:     value,
		SizeBytes: size,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, c.budget())
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	if len(evicted) > 0 {
		c.logger.Debug("cache entries evicted",
			"component", "cache",
			"action", "budget_evict",
			"key", key,
			"evicted", len(evicted),
		)
	}
	return nil
}

// Invalidate drops key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.CacheDelete(ctx, key); err != nil {
		return fmt.Errorf("invalidate cache entry: %w", err)
	}
	return nil
}

// EvictExpired removes every expired entry. Idempotent.
func (c *Cache) EvictExpired(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.store.CacheDeleteExpired(ctx, c.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("evict expired: %w", err)
	}
	return n, nil
}

// Purge removes every entry.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.store.CachePurge(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	return n, nil
}

// Stats reports size, item count and hit rate since the cache was created.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	size, count, err := c.store.CacheUsage(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("cache usage: %w", err)
	}
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{SizeBytes: size, ItemCount: count, Hits: hits, Misses: misses, HitRate: rate}, nil
}

// ReadThrough returns the cached value for key, or calls load on a miss and
// caches its result for ttl. Concurrent misses for one key share a single
// load. Load errors are returned as is and nothing is cached.
func (c *Cache) ReadThrough(ctx context.Context, key string, ttl time.Duration, load func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	value, err := c.Get(ctx, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, ErrMiss) {
		return nil, err
	}

	v, err, _ := c.fill.Do(key, func() (any, error) {
		loaded, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(ctx, key, loaded, ttl); err != nil {
			// The loaded value is returned even when caching it fails.
			c.logger.Warn("read-through value not cached",
				"component", "cache",
				"action", "fill_failed",
				"key", key,
				"error", err,
			)
		}
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Cache) budget() int64 {
	if c.cfg.BudgetBytes <= 0 {
		return 1<<63 - 1
	}
	return c.cfg.BudgetBytes
}

func (c *Cache) record(hit bool, result string) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	if c.recorder != nil {
		c.recorder.CacheRequest(result)
	}
}
