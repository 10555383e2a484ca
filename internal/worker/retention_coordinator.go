// Package worker runs background maintenance across every running tenant.
package worker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hyperengineering/tether/internal/engine"
)

// Maintainer prunes delivered history and expired cache entries for one
// tenant. Implemented by engine.Engine.
type Maintainer interface {
	Maintain(ctx context.Context, retention time.Duration) (pruned, evicted int64, err error)
}

// TenantSource enumerates the tenants to maintain.
type TenantSource interface {
	TenantIDs() []string
	// Maintainer returns false when the tenant is no longer running.
	Maintainer(tenantID string) (Maintainer, bool)
}

// EngineRegistry tracks the running engine of each tenant. It is the
// TenantSource used in production.
type EngineRegistry struct {
	mu      sync.RWMutex
	engines map[string]*engine.Engine
}

// NewEngineRegistry creates an empty registry.
func NewEngineRegistry() *EngineRegistry {
	return &EngineRegistry{engines: make(map[string]*engine.Engine)}
}

// Register records the engine serving tenantID, replacing any previous one.
func (r *EngineRegistry) Register(tenantID string, e *engine.Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[tenantID] = e
}

// Unregister forgets tenantID.
func (r *EngineRegistry) Unregister(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, tenantID)
}

// Engine returns the engine serving tenantID.
func (r *EngineRegistry) Engine(tenantID string) (*engine.Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[tenantID]
	return e, ok
}

// TenantIDs returns the registered tenants, sorted.
func (r *EngineRegistry) TenantIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Maintainer implements TenantSource.
func (r *EngineRegistry) Maintainer(tenantID string) (Maintainer, bool) {
	e, ok := r.Engine(tenantID)
	if !ok {
		return nil, false
	}
	return e, true
}

// RetentionCoordinator periodically prunes acknowledged outbox events older
// than the retention window and evicts expired cache entries, tenant by
// tenant.
type RetentionCoordinator struct {
	source    TenantSource
	interval  time.Duration
	retention time.Duration
}

// NewRetentionCoordinator creates a retention coordinator.
func NewRetentionCoordinator(source TenantSource, interval, retention time.Duration) *RetentionCoordinator {
	return &RetentionCoordinator{
		source:    source,
		interval:  interval,
		retention: retention,
	}
}

// Run starts the coordinator loop. Blocks until ctx is cancelled.
//
// The first sweep happens after one interval, not at startup.
func (c *RetentionCoordinator) Run(ctx context.Context) {
	slog.Info("retention coordinator started",
		"component", "worker",
		"worker", "retention-coordinator",
		"interval", c.interval.String(),
		"retention", c.retention.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention coordinator stopped",
				"component", "worker",
				"worker", "retention-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.sweepAll(ctx)
		}
	}
}

// sweepAll maintains each tenant, continuing on individual failures.
func (c *RetentionCoordinator) sweepAll(ctx context.Context) {
	tenants := c.source.TenantIDs()

	var succeeded, failed, skipped int
	var totalPruned, totalEvicted int64

	for _, id := range tenants {
		if ctx.Err() != nil {
			return // Graceful shutdown
		}

		pruned, evicted, ok := c.sweepTenant(ctx, id)
		switch {
		case !ok:
			failed++
		case pruned == 0 && evicted == 0:
			skipped++
		default:
			succeeded++
			totalPruned += pruned
			totalEvicted += evicted
		}
	}

	if succeeded > 0 || failed > 0 {
		slog.Info("retention sweep completed",
			"component", "worker",
			"worker", "retention-coordinator",
			"tenants_total", len(tenants),
			"tenants_succeeded", succeeded,
			"tenants_failed", failed,
			"tenants_skipped", skipped,
			"events_pruned", totalPruned,
			"cache_evicted", totalEvicted,
		)
	}
}

// sweepTenant maintains one tenant.
// Returns: pruned, evicted, success.
func (c *RetentionCoordinator) sweepTenant(ctx context.Context, tenantID string) (int64, int64, bool) {
	start := time.Now()

	m, ok := c.source.Maintainer(tenantID)
	if !ok {
		slog.Debug("tenant no longer running",
			"component", "worker",
			"worker", "retention-coordinator",
			"tenant_id", tenantID,
		)
		return 0, 0, true
	}

	pruned, evicted, err := m.Maintain(ctx, c.retention)
	if err != nil {
		if ctx.Err() != nil {
			return 0, 0, false // Graceful shutdown
		}
		slog.Error("retention sweep failed for tenant",
			"component", "worker",
			"worker", "retention-coordinator",
			"tenant_id", tenantID,
			"error", err,
		)
		return 0, 0, false
	}

	if pruned > 0 || evicted > 0 {
		slog.Info("retention sweep completed for tenant",
			"component", "worker",
			"worker", "retention-coordinator",
			"tenant_id", tenantID,
			"events_pruned", pruned,
			"cache_evicted", evicted,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return pruned, evicted, true
}
