package types

import (
	"encoding/json"
	"strings"
	"time"

	tethersync "github.com/hyperengineering/tether/internal/sync"
)

// EventStatus is the delivery state of an outbox event.
type EventStatus string

const (
	StatusPending      EventStatus = "pending"
	StatusInFlight     EventStatus = "in_flight"
	StatusAcknowledged EventStatus = "acknowledged"
	StatusConflicted   EventStatus = "conflicted"
	StatusFailed       EventStatus = "failed"
)

// Mutation is what a domain collaborator hands to enqueue.
type Mutation struct {
	AggregateType string               `json:"aggregate_type"`
	AggregateID   string               `json:"aggregate_id"`
	Operation     tethersync.Operation `json:"operation"`
	Payload       json.RawMessage      `json:"payload,omitempty"`
}

// OutboxEvent is a local mutation not yet confirmed by the server.
// ID is client-generated and doubles as the server-side idempotency key.
type OutboxEvent struct {
	ID            string               `json:"id"`
	TenantID      string               `json:"tenant_id"`
	AggregateType string               `json:"aggregate_type"`
	AggregateID   string               `json:"aggregate_id"`
	Operation     tethersync.Operation `json:"operation"`
	Payload       json.RawMessage      `json:"payload,omitempty"`
	SequenceNo    int64                `json:"sequence_no"`
	BaseVersion   *int64               `json:"base_version,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	Status        EventStatus          `json:"status"`
	Attempts      int                  `json:"attempts"`
	LastError     string               `json:"last_error,omitempty"`
	NextAttemptAt *time.Time           `json:"next_attempt_at,omitempty"`
	// Exhausted marks a failure that is no longer retried automatically:
	// the retry budget ran out or the server rejected the payload.
	Exhausted      bool       `json:"exhausted"`
	Discarded      bool       `json:"discarded"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// ConflictKind classifies a conflict.
type ConflictKind string

const (
	ConflictVersionMismatch    ConflictKind = "version_mismatch"
	ConflictDeleted            ConflictKind = "deleted"
	ConflictSchemaIncompatible ConflictKind = "schema_incompatible"
)

// Resolution is the decision supplied for a conflict.
type Resolution string

const (
	ResolutionKeepLocal     Resolution = "keep_local"
	ResolutionKeepRemote    Resolution = "keep_remote"
	ResolutionMerge         Resolution = "merge"
	ResolutionManualPending Resolution = "manual_pending"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionKeepLocal, ResolutionKeepRemote, ResolutionMerge, ResolutionManualPending:
		return true
	}
	return false
}

// ConflictRecord describes a disagreement between a queued mutation and the
// server's state. Resolution stays nil until a decision is supplied, except
// for remote deletions, which start as ManualPending.
type ConflictRecord struct {
	ID            string       `json:"id"`
	OutboxEventID string       `json:"outbox_event_id"`
	Kind          ConflictKind `json:"kind"`
	ServerVersion int64        `json:"server_version"`
	LocalVersion  *int64       `json:"local_version,omitempty"`
	// RemotePayload is the server's record at detection time, nil when the
	// aggregate was deleted remotely.
	RemotePayload json.RawMessage `json:"remote_payload,omitempty"`
	DetectedAt    time.Time       `json:"detected_at"`
	Resolution    *Resolution     `json:"resolution,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

// Open reports whether the conflict still blocks its aggregate.
func (c ConflictRecord) Open() bool {
	return c.ResolvedAt == nil
}

// ConflictView joins a conflict with the event that raised it, giving a
// resolution UI both versions and the aggregate identity.
type ConflictView struct {
	ConflictRecord
	Event OutboxEvent `json:"event"`
}

// SchemaVersion is a canonical schema the local store conformed to.
type SchemaVersion struct {
	Version              string    `json:"version"`
	CanonicalFingerprint string    `json:"canonical_fingerprint"`
	AppliedAt            time.Time `json:"applied_at"`
	Current              bool      `json:"current"`
}

// MigrationRecord is a forward-only structural change bridging two
// fingerprints. Immutable once stored.
type MigrationRecord struct {
	Version         string     `json:"version"`
	FromFingerprint string     `json:"from_fingerprint"`
	ToFingerprint   string     `json:"to_fingerprint"`
	ForwardScript   string     `json:"forward_script"`
	RollbackScript  string     `json:"rollback_script"`
	CreatedAt       time.Time  `json:"created_at"`
	AppliedAt       *time.Time `json:"applied_at,omitempty"`
}

// CacheEntry is one row of the expiring cache.
type CacheEntry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"-"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RowVersion is the last server version the client knows for an aggregate.
type RowVersion struct {
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	Version       int64     `json:"version"`
	Deleted       bool      `json:"deleted"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OutboxCounts summarizes undelivered outbox events by state. Conflicted is
// the number of open conflict records.
type OutboxCounts struct {
	Pending    int `json:"pending"`
	InFlight   int `json:"in_flight"`
	Failed     int `json:"failed"`
	Exhausted  int `json:"exhausted"`
	Conflicted int `json:"conflicted"`
	// Acknowledged counts delivered events still kept for retention.
	Acknowledged int `json:"acknowledged"`
}

// Undelivered returns the number of events still awaiting delivery,
// including exhausted failures that need an explicit retry or discard.
func (c OutboxCounts) Undelivered() int {
	return c.Pending + c.InFlight + c.Failed + c.Exhausted
}

// RecordKey is the cache key under which an aggregate's materialized record
// is stored.
func RecordKey(aggregateType, aggregateID string) string {
	return aggregateType + "/" + aggregateID
}

// ParseRecordKey splits a key built by RecordKey.
func ParseRecordKey(key string) (aggregateType, aggregateID string, ok bool) {
	aggregateType, aggregateID, ok = strings.Cut(key, "/")
	if !ok || aggregateType == "" || aggregateID == "" {
		return "", "", false
	}
	return aggregateType, aggregateID, true
}

// ColumnInfo describes a column present in the local store.
type ColumnInfo struct {
	Name       string
	Type       string
	NotNull    bool
	PrimaryKey bool
}
