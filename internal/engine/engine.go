// Package engine is the sync engine: the single owner of one tenant's local
// store. It accepts mutations and decisions over a bounded request queue,
// runs sync cycles on a timer or on demand, and publishes status to
// observers.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/tether/internal/cache"
	"github.com/hyperengineering/tether/internal/clock"
	"github.com/hyperengineering/tether/internal/conflict"
	"github.com/hyperengineering/tether/internal/outbox"
	"github.com/hyperengineering/tether/internal/schema"
	"github.com/hyperengineering/tether/internal/store"
	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/types"
)

// Default engine settings.
const (
	DefaultInterval         = 30 * time.Second
	DefaultProbeBase        = time.Second
	DefaultBatchSize        = 50
	DefaultPullPageSize     = tethersync.DefaultDeltaLimit
	DefaultRequestQueueSize = 64
	DefaultCacheTTL         = 10 * time.Minute
)

// Remote is the canonical server as seen by the engine.
type Remote interface {
	Ping(ctx context.Context) error
	FetchSchema(ctx context.Context) (*tethersync.SchemaResponse, error)
	Push(ctx context.Context, tenantID string, req tethersync.PushRequest) (*tethersync.PushResponse, error)
	Pull(ctx context.Context, tenantID string, after int64, limit int) (*tethersync.DeltaResponse, error)
}

// Store is the sync bookkeeping the engine reads and writes directly.
type Store interface {
	TenantID() string
	SourceID(ctx context.Context) (string, error)
	PullCursor(ctx context.Context) (int64, error)
	ApplyRemoteChanges(ctx context.Context, batch store.RemoteBatch) ([]string, error)
	LastSyncAt(ctx context.Context) (*time.Time, error)
	SetLastSyncAt(ctx context.Context, t time.Time) error
	BlockedReason(ctx context.Context) (string, error)
	SetBlockedReason(ctx context.Context, reason string) error
	LocalRecord(ctx context.Context, aggregateType, aggregateID string) (json.RawMessage, error)
}

// Recorder receives engine metrics.
type Recorder interface {
	CycleCompleted(result string)
	EventDelivered(outcome string)
	OutboxDepth(pending, conflicts int)
}

// Config tunes the engine.
type Config struct {
	// Interval between periodic cycles. Zero disables the timer; cycles then
	// run only on Trigger or SyncNow.
	Interval time.Duration
	// ProbeBase is the first delay of the capped exponential reprobe used
	// while offline.
	ProbeBase        time.Duration
	BatchSize        int
	PullPageSize     int
	RequestQueueSize int
	// CacheTTL applies to records cached by Read and by ingest.
	CacheTTL time.Duration
	// MaxAcknowledged caps the acknowledged events Maintain keeps. Zero
	// keeps everything inside the retention window.
	MaxAcknowledged int

	// Retry and Cache configure the components built by NewForStore.
	Retry outbox.RetryPolicy
	Cache cache.Config
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		Interval:         DefaultInterval,
		ProbeBase:        DefaultProbeBase,
		BatchSize:        DefaultBatchSize,
		PullPageSize:     DefaultPullPageSize,
		RequestQueueSize: DefaultRequestQueueSize,
		CacheTTL:         DefaultCacheTTL,
		Retry:            outbox.DefaultRetryPolicy(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ProbeBase <= 0 {
		c.ProbeBase = d.ProbeBase
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PullPageSize <= 0 {
		c.PullPageSize = d.PullPageSize
	}
	if c.RequestQueueSize <= 0 {
		c.RequestQueueSize = d.RequestQueueSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
}

// Components are the collaborators the engine orchestrates.
type Components struct {
	Store    Store
	Queue    *outbox.Queue
	Resolver *conflict.Resolver
	Registry *schema.Registry
	Applier  *schema.Applier
	Cache    *cache.Cache
	Remote   Remote
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	clock    clock.Clock
	logger   *slog.Logger
	recorder Recorder
}

// WithClock sets the clock used for status timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRecorder sets the metrics recorder. A recorder that also implements
// cache.Recorder is handed to the cache by NewForStore.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.Real{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// request is a unit of work executed on the engine goroutine.
type request struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

func (r request) serve() {
	if err := r.ctx.Err(); err != nil {
		r.done <- err
		return
	}
	r.done <- r.fn(r.ctx)
}

// Engine owns one tenant's local store.
type Engine struct {
	c        Components
	cfg      Config
	tenantID string
	clock    clock.Clock
	logger   *slog.Logger
	recorder Recorder

	requests chan request
	// writes carries Enqueue requests, which a running cycle also serves
	// between deliveries.
	writes   chan request
	trigger  chan struct{}
	running  atomic.Bool
	stopped  chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	cancel   context.CancelFunc

	// Owned by the engine goroutine.
	sourceID string
	blocked  string

	statusMu sync.RWMutex
	status   Status
	obs      *observers
}

// New creates an Engine over c.
func New(c Components, cfg Config, opts ...Option) *Engine {
	o := buildOptions(opts)
	cfg.applyDefaults()
	tenantID := c.Store.TenantID()
	return &Engine{
		c:        c,
		cfg:      cfg,
		tenantID: tenantID,
		clock:    o.clock,
		logger:   o.logger.With("component", "engine", "tenant_id", tenantID),
		recorder: o.recorder,
		requests: make(chan request, cfg.RequestQueueSize),
		writes:   make(chan request, cfg.RequestQueueSize),
		trigger:  make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		status:   Status{TenantID: tenantID, Phase: PhaseIdle},
		obs:      newObservers(),
	}
}

// Init prepares the engine after a (re)start: events left InFlight by a crash
// return to Pending, a persisted Blocked state is reloaded and the initial
// status is published. It must be called before Run.
func (e *Engine) Init(ctx context.Context) error {
	sourceID, err := e.c.Store.SourceID(ctx)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	e.sourceID = sourceID

	if _, err := e.c.Queue.RecoverInFlight(ctx); err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	reason, err := e.c.Store.BlockedReason(ctx)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	e.blocked = reason

	initialized, err := e.c.Registry.Initialized(ctx)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	phase := PhaseIdle
	if reason != "" {
		phase = PhaseBlocked
	}
	e.publish(ctx, func(s *Status) { s.Phase = phase })

	e.logger.Info("engine initialized",
		"action", "init",
		"source_id", sourceID,
		"schema_initialized", initialized,
		"blocked", reason != "",
	)
	return nil
}

// Run serves requests and runs cycles until ctx is cancelled or Shutdown is
// called. It returns nil on a clean stop.
func (e *Engine) Run(ctx context.Context) error {
	if e.sourceID == "" {
		return fmt.Errorf("run engine: Init not called")
	}
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer e.stopOnce.Do(func() { close(e.stopped) })
	defer cancel()

	e.logger.Info("engine started",
		"action", "start",
		"interval", e.cfg.Interval.String(),
		"batch_size", e.cfg.BatchSize,
	)

	probe := newProbe(e.cfg)
	var timer *time.Timer
	var timerC <-chan time.Time
	schedule := func(d time.Duration) {
		if d <= 0 {
			timerC = nil
			return
		}
		if timer == nil {
			timer = time.NewTimer(d)
		} else {
			timer.Reset(d)
		}
		timerC = timer.C
	}
	afterCycle := func(res *CycleResult) {
		if e.cfg.Interval <= 0 {
			return
		}
		if res != nil && !res.Online {
			schedule(probe.Next())
			return
		}
		probe = newProbe(e.cfg)
		schedule(e.cfg.Interval)
	}
	schedule(e.cfg.Interval)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopped",
				"action", "stop",
				"reason", "context_cancelled",
			)
			return nil

		case req := <-e.writes:
			req.serve()

		case req := <-e.requests:
			req.serve()

		case <-e.trigger:
			res, _ := e.cycle(ctx)
			afterCycle(res)

		case <-timerC:
			res, _ := e.cycle(ctx)
			afterCycle(res)
		}
	}
}

// Shutdown stops Run and waits for it to return.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.running.Load() {
		return nil
	}
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
	select {
	case <-e.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit queues fn for the engine goroutine and waits for its result. The
// queue is bounded: a full queue blocks the caller until there is room or ctx
// ends.
func (e *Engine) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.submitTo(ctx, e.requests, fn)
}

func (e *Engine) submitTo(ctx context.Context, ch chan<- request, fn func(ctx context.Context) error) error {
	req := request{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case ch <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrClosed
	}
}

// Trigger asks for a sync cycle without waiting for it. Triggers coalesce.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Enqueue durably queues a mutation and returns the new event's id. It works
// offline and while sync is blocked; only an aggregate held back by an
// unresolved conflict or exhausted event refuses new writes.
//
// A running cycle serves Enqueue after connectivity is checked and after
// every delivery, so the wait is bounded by one push round trip (at most
// the client's request timeout) rather than the whole cycle.
func (e *Engine) Enqueue(ctx context.Context, m types.Mutation) (string, error) {
	var id string
	err := e.submitTo(ctx, e.writes, func(ctx context.Context) error {
		if _, err := e.c.Registry.CurrentVersion(ctx); err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		ev, err := e.c.Queue.Append(ctx, m)
		if err != nil {
			return err
		}
		id = ev.ID
		if err := e.c.Cache.Invalidate(ctx, types.RecordKey(m.AggregateType, m.AggregateID)); err != nil {
			e.logger.Warn("cache invalidation failed", "action", "enqueue", "event_id", ev.ID, "error", err)
		}
		e.logger.Info("mutation enqueued",
			"action", "enqueue",
			"event_id", ev.ID,
			"aggregate_type", ev.AggregateType,
			"aggregate_id", ev.AggregateID,
			"operation", ev.Operation,
			"sequence_no", ev.SequenceNo,
		)
		e.publish(ctx, nil)
		return nil
	})
	return id, err
}

// Read returns the value for key, cache first. Keys of the form "type/id"
// fall back to the materialized local row, which is then cached.
func (e *Engine) Read(ctx context.Context, key string) ([]byte, error) {
	aggregateType, aggregateID, ok := types.ParseRecordKey(key)
	if !ok {
		v, err := e.c.Cache.Get(ctx, key)
		if errors.Is(err, cache.ErrMiss) {
			return nil, fmt.Errorf("read %s: %w", key, ErrNotFound)
		}
		return v, err
	}
	v, err := e.c.Cache.ReadThrough(ctx, key, e.cfg.CacheTTL, func(ctx context.Context) ([]byte, error) {
		return e.c.Store.LocalRecord(ctx, aggregateType, aggregateID)
	})
	if errors.Is(err, store.ErrUnknownTable) {
		return nil, fmt.Errorf("read %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return v, nil
}

// SyncNow runs one cycle on the engine goroutine and returns its result.
func (e *Engine) SyncNow(ctx context.Context) (*CycleResult, error) {
	var res *CycleResult
	err := e.submit(ctx, func(ctx context.Context) error {
		var err error
		res, err = e.cycle(ctx)
		return err
	})
	return res, err
}

// Resolve applies a decision to an open conflict and, when the decision
// frees the aggregate, triggers a cycle to deliver the outcome.
func (e *Engine) Resolve(ctx context.Context, conflictID string, d conflict.Decision) (*conflict.ResolvedAction, error) {
	var action *conflict.ResolvedAction
	err := e.submit(ctx, func(ctx context.Context) error {
		var err error
		action, err = e.c.Resolver.Resolve(ctx, conflictID, d)
		if err != nil {
			return err
		}
		ev := action.Conflict.Event
		if err := e.c.Cache.Invalidate(ctx, types.RecordKey(ev.AggregateType, ev.AggregateID)); err != nil {
			return err
		}
		e.publish(ctx, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if action.Kind != conflict.ActionAwaitDecision {
		e.Trigger()
	}
	return action, nil
}

// Retry re-arms an exhausted event for delivery.
func (e *Engine) Retry(ctx context.Context, eventID string) error {
	err := e.submit(ctx, func(ctx context.Context) error {
		if err := e.c.Queue.Retry(ctx, eventID); err != nil {
			return err
		}
		e.publish(ctx, nil)
		return nil
	})
	if err == nil {
		e.Trigger()
	}
	return err
}

// Discard gives up on an exhausted event without delivering it.
func (e *Engine) Discard(ctx context.Context, eventID string) error {
	return e.submit(ctx, func(ctx context.Context) error {
		if err := e.c.Queue.Discard(ctx, eventID); err != nil {
			return err
		}
		e.publish(ctx, nil)
		return nil
	})
}

// Maintain prunes acknowledged events older than retention, reclaims the
// oldest ones beyond Config.MaxAcknowledged and evicts expired cache
// entries. It runs on the engine goroutine so it never interleaves with a
// cycle. pruned counts both kinds of deleted events.
func (e *Engine) Maintain(ctx context.Context, retention time.Duration) (pruned, evicted int64, err error) {
	err = e.submit(ctx, func(ctx context.Context) error {
		var err error
		if pruned, err = e.c.Queue.Prune(ctx, retention); err != nil {
			return err
		}
		reclaimed, err := e.c.Queue.EnforceLimit(ctx, e.cfg.MaxAcknowledged)
		if err != nil {
			return err
		}
		pruned += reclaimed
		evicted, err = e.c.Cache.EvictExpired(ctx)
		return err
	})
	return pruned, evicted, err
}

// CacheStats reports cache usage.
func (e *Engine) CacheStats(ctx context.Context) (cache.Stats, error) {
	return e.c.Cache.Stats(ctx)
}

// Events lists outbox events matching filter.
func (e *Engine) Events(ctx context.Context, filter store.EventFilter) ([]types.OutboxEvent, error) {
	return e.c.Queue.List(ctx, filter)
}

// Conflicts lists conflict records with both versions and the originating
// event.
func (e *Engine) Conflicts(ctx context.Context, openOnly bool) ([]types.ConflictView, error) {
	return e.c.Resolver.List(ctx, openOnly)
}

// Status returns the last published status.
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	s := e.status
	s.BlockedAggregates = append([]outbox.BlockedAggregate(nil), e.status.BlockedAggregates...)
	return s
}

// OnStatusChange registers fn for every published status and returns a
// function that removes it. Callbacks run on the engine goroutine and must
// not block.
func (e *Engine) OnStatusChange(fn func(Status)) (unsubscribe func()) {
	return e.obs.addStatus(fn)
}

// OnConflict registers fn for every conflict left awaiting a decision and
// returns a function that removes it.
func (e *Engine) OnConflict(fn func(types.ConflictView)) (unsubscribe func()) {
	return e.obs.addConflict(fn)
}

// ClearBlocked lifts a Blocked state without rebuilding local tables, for
// when the server has since published a bridging migration. The next cycle
// reconciles again and re-blocks if still unbridgeable.
func (e *Engine) ClearBlocked(ctx context.Context) error {
	err := e.submit(ctx, func(ctx context.Context) error {
		return e.unblock(ctx, "clear_blocked")
	})
	if err == nil {
		e.Trigger()
	}
	return err
}

// Resync is the explicit last-resort recovery from Blocked: local domain
// tables are rebuilt from the canonical schema, the pull cursor and cache are
// reset and a cycle repopulates everything. Queued outbox events are kept.
func (e *Engine) Resync(ctx context.Context) (*CycleResult, error) {
	var res *CycleResult
	err := e.submit(ctx, func(ctx context.Context) error {
		resp, err := e.c.Remote.FetchSchema(ctx)
		if err != nil {
			return fmt.Errorf("resync: %w", err)
		}
		if err := e.c.Applier.Rebuild(ctx, schema.TargetFromResponse(resp)); err != nil {
			return fmt.Errorf("resync: %w", err)
		}
		if _, err := e.c.Cache.Purge(ctx); err != nil {
			return fmt.Errorf("resync: %w", err)
		}
		if err := e.unblock(ctx, "resync"); err != nil {
			return err
		}
		res, err = e.cycle(ctx)
		return err
	})
	return res, err
}

func (e *Engine) unblock(ctx context.Context, action string) error {
	if err := e.c.Store.SetBlockedReason(ctx, ""); err != nil {
		return fmt.Errorf("clear blocked: %w", err)
	}
	was := e.blocked
	e.blocked = ""
	e.publish(ctx, func(s *Status) { s.Phase = PhaseIdle })
	e.logger.Warn("sync unblocked",
		"action", action,
		"previous_reason", was,
	)
	return nil
}

// publish refreshes counts, applies mutate and notifies status observers.
func (e *Engine) publish(ctx context.Context, mutate func(*Status)) {
	e.statusMu.Lock()
	if counts, err := e.c.Queue.Counts(ctx); err == nil {
		e.status.PendingCount = counts.Undelivered()
		e.status.ConflictCount = counts.Conflicted
		e.status.FailedCount = counts.Exhausted
	} else {
		e.logger.Warn("outbox counts unavailable", "action", "status", "error", err)
	}
	if last, err := e.c.Store.LastSyncAt(ctx); err == nil {
		e.status.LastSyncAt = last
	}
	e.status.BlockedReason = e.blocked
	if mutate != nil {
		mutate(&e.status)
	}
	snapshot := e.status
	snapshot.BlockedAggregates = append([]outbox.BlockedAggregate(nil), e.status.BlockedAggregates...)
	e.statusMu.Unlock()

	if e.recorder != nil {
		e.recorder.OutboxDepth(snapshot.PendingCount, snapshot.ConflictCount)
	}
	for _, fn := range e.obs.statusFuncs() {
		fn(snapshot)
	}
}

func (e *Engine) setPhase(ctx context.Context, p Phase) {
	e.publish(ctx, func(s *Status) {
		s.Phase = p
		s.IsSyncing = p != PhaseIdle && p != PhaseBlocked
	})
}

func (e *Engine) notifyConflict(v types.ConflictView) {
	for _, fn := range e.obs.conflictFuncs() {
		fn(v)
	}
}
