package sync

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation an outbox event carries.
type Operation string

// Operation constants
const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// PushRequest delivers a single outbox event to the canonical server.
// EventID is the idempotency key: the server applies a given event at most once.
type PushRequest struct {
	EventID           string          `json:"event_id"`
	SourceID          string          `json:"source_id"`
	AggregateType     string          `json:"aggregate_type"`
	AggregateID       string          `json:"aggregate_id"`
	Operation         Operation       `json:"operation"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	SequenceNo        int64           `json:"sequence_no"`
	BaseVersion       *int64          `json:"base_version,omitempty"` // nil when the client has never seen the aggregate
	SchemaFingerprint string          `json:"schema_fingerprint"`
	CreatedAt         time.Time       `json:"created_at"`
}

// PushResponse acknowledges an applied event.
type PushResponse struct {
	EventID        string `json:"event_id"`
	ServerVersion  int64  `json:"server_version"`
	RemoteSequence int64  `json:"remote_sequence"`
}

// ChangeLogEntry is one entry of the server's change feed.
type ChangeLogEntry struct {
	Sequence      int64           `json:"sequence"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Operation     Operation       `json:"operation"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Version       int64           `json:"version"`
	EventID       string          `json:"event_id"`
	SourceID      string          `json:"source_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Delta pagination limits.
const (
	DefaultDeltaLimit = 500
	MaxDeltaLimit     = 1000
)

// DeltaRequest holds parsed query parameters for the delta endpoint.
type DeltaRequest struct {
	After int64
	Limit int
}

// DeltaResponse is one page of the change feed.
type DeltaResponse struct {
	Entries        []ChangeLogEntry `json:"entries"`
	LastSequence   int64            `json:"last_sequence"`
	LatestSequence int64            `json:"latest_sequence"`
	HasMore        bool             `json:"has_more"`
}

// ColumnDef describes one column of a canonical table.
type ColumnDef struct {
	Name       string `json:"name" yaml:"name"`
	Type       string `json:"type" yaml:"type"`
	NotNull    bool   `json:"not_null,omitempty" yaml:"not_null,omitempty"`
	PrimaryKey bool   `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
}

// TableDef describes one canonical table.
type TableDef struct {
	Name    string      `json:"name" yaml:"name"`
	Columns []ColumnDef `json:"columns" yaml:"columns"`
}

// MigrationScript is a server-published forward/rollback pair bridging two
// schema fingerprints.
type MigrationScript struct {
	Version         string `json:"version" yaml:"version"`
	FromFingerprint string `json:"from_fingerprint" yaml:"from_fingerprint"`
	ToFingerprint   string `json:"to_fingerprint" yaml:"to_fingerprint"`
	Forward         string `json:"forward" yaml:"forward"`
	Rollback        string `json:"rollback" yaml:"rollback"`
}

// SchemaResponse describes the canonical schema the server currently serves.
type SchemaResponse struct {
	Version     string            `json:"version"`
	Fingerprint string            `json:"fingerprint"`
	Tables      []TableDef        `json:"tables"`
	Migrations  []MigrationScript `json:"migrations"`
}

// Problem type URIs used by the push endpoint.
const (
	ProblemVersionConflict = "https://tether.dev/errors/version-conflict"
	ProblemSchemaMismatch  = "https://tether.dev/errors/schema-mismatch"
	ProblemValidation      = "https://tether.dev/errors/validation-error"
)

// PushProblem is the problem+json body returned when a push is rejected.
// Only the fields relevant to Type are populated.
type PushProblem struct {
	Type              string `json:"type"`
	Title             string `json:"title"`
	Status            int    `json:"status"`
	Detail            string `json:"detail"`
	Instance          string `json:"instance,omitempty"`
	EventID           string `json:"event_id,omitempty"`
	ServerVersion     int64  `json:"server_version,omitempty"`
	Deleted           bool   `json:"deleted,omitempty"`
	ClientFingerprint string `json:"client_fingerprint,omitempty"`
	ServerFingerprint string `json:"server_fingerprint,omitempty"`
	// Current is the server's stored record on a version conflict, absent
	// when the aggregate was deleted.
	Current json.RawMessage `json:"current,omitempty"`
}

// SyncMeta keys
const (
	SyncMetaPullCursor    = "pull_cursor"
	SyncMetaSourceID      = "source_id"
	SyncMetaLastSyncAt    = "last_sync_at"
	SyncMetaBlockedReason = "blocked_reason"
)
