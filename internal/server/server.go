// Package server is a reference canonical server for the sync protocol. It
// keeps per-tenant state in memory: versioned records, an append-only change
// log, the set of applied event ids, and the published schema.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hyperengineering/tether/internal/clock"
	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/types"
)

// record is the server's copy of one aggregate.
type record struct {
	version int64
	deleted bool
	payload map[string]any
}

func (r *record) payloadJSON() json.RawMessage {
	if r.payload == nil {
		return nil
	}
	data, err := json.Marshal(r.payload)
	if err != nil {
		return nil
	}
	return data
}

// tenantState holds one tenant's data. Guarded by Server.mu.
type tenantState struct {
	records map[string]*record
	log     []tethersync.ChangeLogEntry
	applied map[string]tethersync.PushResponse
}

func newTenantState() *tenantState {
	return &tenantState{
		records: make(map[string]*record),
		applied: make(map[string]tethersync.PushResponse),
	}
}

// RecordState is a read-only view of a stored record.
type RecordState struct {
	Version int64           `json:"version"`
	Deleted bool            `json:"deleted"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Server is the reference canonical server.
type Server struct {
	mu      sync.Mutex
	tenants map[string]*tenantState
	catalog tethersync.SchemaResponse

	apiKey  string
	version string
	clock   clock.Clock
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the clock used to stamp change log entries.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithVersion sets the build version reported by the health endpoint.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New creates a Server serving catalog. An empty apiKey disables
// authentication.
func New(catalog tethersync.SchemaResponse, apiKey string, opts ...Option) (*Server, error) {
	s := &Server{
		tenants: make(map[string]*tenantState),
		apiKey:  apiKey,
		version: "dev",
		clock:   clock.Real{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")
	if err := s.Publish(catalog); err != nil {
		return nil, err
	}
	return s, nil
}

// Publish replaces the canonical schema. A blank fingerprint is computed from
// the tables. Migrations already published are kept unless the new catalog
// redefines the same version.
func (s *Server) Publish(next tethersync.SchemaResponse) error {
	if next.Version == "" {
		return fmt.Errorf("publish schema: version is required")
	}
	if next.Fingerprint == "" {
		next.Fingerprint = tethersync.Fingerprint(next.Tables)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byVersion := make(map[string]tethersync.MigrationScript)
	for _, m := range s.catalog.Migrations {
		byVersion[m.Version] = m
	}
	for _, m := range next.Migrations {
		byVersion[m.Version] = m
	}
	next.Migrations = make([]tethersync.MigrationScript, 0, len(byVersion))
	for _, m := range byVersion {
		next.Migrations = append(next.Migrations, m)
	}
	sort.Slice(next.Migrations, func(i, j int) bool {
		return next.Migrations[i].Version < next.Migrations[j].Version
	})

	s.catalog = next
	s.logger.Info("schema published",
		"action", "schema_published",
		"version", next.Version,
		"fingerprint", next.Fingerprint,
		"tables", len(next.Tables),
		"migrations", len(next.Migrations),
	)
	return nil
}

// Catalog returns the current canonical schema.
func (s *Server) Catalog() tethersync.SchemaResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalog
}

// Records returns a copy of a tenant's records keyed by "type/id".
func (s *Server) Records(tenantID string) map[string]RecordState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]RecordState)
	t, ok := s.tenants[tenantID]
	if !ok {
		return out
	}
	for k, r := range t.records {
		out[k] = RecordState{Version: r.version, Deleted: r.deleted, Payload: r.payloadJSON()}
	}
	return out
}

// ChangeLog returns a copy of a tenant's change log.
func (s *Server) ChangeLog(tenantID string) []tethersync.ChangeLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return nil
	}
	return append([]tethersync.ChangeLogEntry(nil), t.log...)
}

func (s *Server) tenantLocked(id string) *tenantState {
	t, ok := s.tenants[id]
	if !ok {
		t = newTenantState()
		s.tenants[id] = t
	}
	return t
}

func (s *Server) knownTableLocked(name string) bool {
	if len(s.catalog.Tables) == 0 {
		return true
	}
	for _, t := range s.catalog.Tables {
		if t.Name == name {
			return true
		}
	}
	return false
}

// conflicts reports whether req cannot be applied on top of rec. The event's
// base version must equal the stored version; a missing base means the
// client has never seen the record. A deleted record only accepts a create
// based on its deletion version.
func conflicts(rec *record, req tethersync.PushRequest) bool {
	var base int64
	if req.BaseVersion != nil {
		base = *req.BaseVersion
	}
	if rec == nil {
		return false
	}
	if rec.deleted {
		return req.Operation != tethersync.OperationCreate || base != rec.version
	}
	return base != rec.version
}

// apply writes req to the tenant's state and appends it to the change log.
func (t *tenantState) apply(req tethersync.PushRequest, key string, s *Server) tethersync.PushResponse {
	rec, ok := t.records[key]
	if !ok {
		rec = &record{}
		t.records[key] = rec
	}

	var incoming map[string]any
	if len(req.Payload) > 0 {
		_ = json.Unmarshal(req.Payload, &incoming)
	}

	switch req.Operation {
	case tethersync.OperationCreate:
		rec.payload = incoming
		rec.deleted = false
	case tethersync.OperationUpdate:
		if rec.payload == nil {
			rec.payload = make(map[string]any)
		}
		for k, v := range incoming {
			rec.payload[k] = v
		}
		rec.deleted = false
	case tethersync.OperationDelete:
		rec.deleted = true
	}
	rec.version++

	entry := tethersync.ChangeLogEntry{
		Sequence:      int64(len(t.log)) + 1,
		AggregateType: req.AggregateType,
		AggregateID:   req.AggregateID,
		Operation:     req.Operation,
		Version:       rec.version,
		EventID:       req.EventID,
		SourceID:      req.SourceID,
		CreatedAt:     s.clock.Now(),
	}
	if !rec.deleted {
		entry.Payload = rec.payloadJSON()
	}
	t.log = append(t.log, entry)

	resp := tethersync.PushResponse{
		EventID:        req.EventID,
		ServerVersion:  rec.version,
		RemoteSequence: entry.Sequence,
	}
	t.applied[req.EventID] = resp
	return resp
}

func recordKey(req tethersync.PushRequest) string {
	return types.RecordKey(req.AggregateType, req.AggregateID)
}
