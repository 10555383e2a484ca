package engine

import (
	"sync"
	"time"

	"github.com/hyperengineering/tether/internal/outbox"
	"github.com/hyperengineering/tether/internal/types"
)

// Phase is the engine's position in the sync cycle.
type Phase string

// Phase constants
const (
	PhaseIdle                   Phase = "idle"
	PhaseCheckingConnectivity   Phase = "checking_connectivity"
	PhaseReconcilingSchema      Phase = "reconciling_schema"
	PhaseDrainingOutbox         Phase = "draining_outbox"
	PhaseIngestingRemoteChanges Phase = "ingesting_remote_changes"
	PhaseBlocked                Phase = "blocked"
)

// Status is the snapshot published to collaborators on every transition.
type Status struct {
	TenantID      string     `json:"tenant_id"`
	Phase         Phase      `json:"phase"`
	IsOnline      bool       `json:"is_online"`
	IsSyncing     bool       `json:"is_syncing"`
	PendingCount  int        `json:"pending_count"`
	ConflictCount int        `json:"conflict_count"`
	FailedCount   int        `json:"failed_count"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	BlockedReason string     `json:"blocked_reason,omitempty"`
	// BlockedAggregates lists aggregates held back by a conflict or an
	// exhausted event as of the last drain.
	BlockedAggregates []outbox.BlockedAggregate `json:"blocked_aggregates,omitempty"`
}

// Blocked reports whether sync is halted until an explicit resync.
func (s Status) Blocked() bool {
	return s.BlockedReason != ""
}

// observers holds status and conflict subscriptions.
type observers struct {
	mu       sync.Mutex
	next     int
	status   map[int]func(Status)
	conflict map[int]func(types.ConflictView)
}

func newObservers() *observers {
	return &observers{
		status:   make(map[int]func(Status)),
		conflict: make(map[int]func(types.ConflictView)),
	}
}

func (o *observers) addStatus(fn func(Status)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.next
	o.next++
	o.status[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.status, id)
		o.mu.Unlock()
	}
}

func (o *observers) addConflict(fn func(types.ConflictView)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.next
	o.next++
	o.conflict[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.conflict, id)
		o.mu.Unlock()
	}
}

func (o *observers) statusFuncs() []func(Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fns := make([]func(Status), 0, len(o.status))
	for _, fn := range o.status {
		fns = append(fns, fn)
	}
	return fns
}

func (o *observers) conflictFuncs() []func(types.ConflictView) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fns := make([]func(types.ConflictView), 0, len(o.conflict))
	for _, fn := range o.conflict {
		fns = append(fns, fn)
	}
	return fns
}
