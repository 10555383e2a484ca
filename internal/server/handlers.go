package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/validation"
)

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	SchemaVersion     string `json:"schema_version"`
	SchemaFingerprint string `json:"schema_fingerprint"`
}

// Health handles GET /api/v1/health
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	catalog := s.Catalog()
	writeJSON(w, HealthResponse{
		Status:            "healthy",
		Version:           s.version,
		SchemaVersion:     catalog.Version,
		SchemaFingerprint: catalog.Fingerprint,
	})
}

// Schema handles GET /api/v1/schema
func (s *Server) Schema(w http.ResponseWriter, r *http.Request) {
	catalog := s.Catalog()
	if catalog.Migrations == nil {
		catalog.Migrations = []tethersync.MigrationScript{}
	}
	writeJSON(w, catalog)
}

// PublishSchema handles PUT /api/v1/schema
func (s *Server) PublishSchema(w http.ResponseWriter, r *http.Request) {
	var next tethersync.SchemaResponse
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if err := s.Publish(next); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	s.Schema(w, r)
}

// Push handles POST /api/v1/tenants/{tenant_id}/events
func (s *Server) Push(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID := TenantIDFromContext(r.Context())

	// 1. Parse and validate
	var req tethersync.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if errs := validation.ValidatePushRequest(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, req.EventID, errs)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenantLocked(tenantID)

	// 2. Idempotency: an applied event returns its original ack
	if resp, ok := t.applied[req.EventID]; ok {
		w.Header().Set("X-Idempotent-Replay", "true")
		writeJSON(w, resp)
		s.logger.Info("push idempotent replay",
			"action", "push_replay",
			"tenant_id", tenantID,
			"event_id", req.EventID,
		)
		return
	}

	// 3. Schema gate
	if req.SchemaFingerprint != s.catalog.Fingerprint {
		writeSchemaMismatch(w, r, req.EventID, req.SchemaFingerprint, s.catalog.Fingerprint)
		return
	}
	if !s.knownTableLocked(req.AggregateType) {
		WriteProblemWithErrors(w, r, req.EventID, []validation.ValidationError{{
			Field:   "aggregate_type",
			Message: "is not a canonical table",
		}})
		return
	}

	// 4. Version check
	key := recordKey(req)
	if rec := t.records[key]; conflicts(rec, req) {
		writeVersionConflict(w, r, req.EventID, rec)
		s.logger.Info("push version conflict",
			"action", "push_conflict",
			"tenant_id", tenantID,
			"event_id", req.EventID,
			"aggregate_id", req.AggregateID,
			"server_version", rec.version,
			"deleted", rec.deleted,
		)
		return
	}

	// 5. Apply
	resp := t.apply(req, key, s)
	writeJSON(w, resp)

	s.logger.Info("push applied",
		"action", "push_applied",
		"tenant_id", tenantID,
		"event_id", req.EventID,
		"source_id", req.SourceID,
		"aggregate_type", req.AggregateType,
		"aggregate_id", req.AggregateID,
		"sequence_no", req.SequenceNo,
		"server_version", resp.ServerVersion,
		"remote_sequence", resp.RemoteSequence,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Delta handles GET /api/v1/tenants/{tenant_id}/delta
func (s *Server) Delta(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantIDFromContext(r.Context())

	req, err := parseDeltaRequest(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	t := s.tenantLocked(tenantID)
	latest := int64(len(t.log))
	var entries []tethersync.ChangeLogEntry
	if req.After < latest {
		end := req.After + int64(req.Limit)
		if end > latest {
			end = latest
		}
		entries = append(entries, t.log[req.After:end]...)
	}
	s.mu.Unlock()

	lastSeq := req.After
	if len(entries) > 0 {
		lastSeq = entries[len(entries)-1].Sequence
	}
	if entries == nil {
		entries = []tethersync.ChangeLogEntry{}
	}

	writeJSON(w, tethersync.DeltaResponse{
		Entries:        entries,
		LastSequence:   lastSeq,
		LatestSequence: latest,
		HasMore:        lastSeq < latest,
	})

	s.logger.Debug("delta served",
		"action", "delta",
		"tenant_id", tenantID,
		"after", req.After,
		"entries_returned", len(entries),
		"latest_sequence", latest,
	)
}

// parseDeltaRequest extracts and validates query parameters for GET /delta.
func parseDeltaRequest(r *http.Request) (tethersync.DeltaRequest, error) {
	var req tethersync.DeltaRequest

	afterStr := r.URL.Query().Get("after")
	if afterStr == "" {
		return req, fmt.Errorf("missing required query parameter: after")
	}
	after, err := strconv.ParseInt(afterStr, 10, 64)
	if err != nil {
		return req, fmt.Errorf("invalid after parameter: must be an integer")
	}
	if after < 0 {
		return req, fmt.Errorf("invalid after parameter: must be >= 0")
	}
	req.After = after

	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		req.Limit = tethersync.DefaultDeltaLimit
		return req, nil
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return req, fmt.Errorf("invalid limit parameter: must be an integer")
	}
	if limit < 1 {
		return req, fmt.Errorf("invalid limit parameter: must be >= 1")
	}
	if limit > tethersync.MaxDeltaLimit {
		limit = tethersync.MaxDeltaLimit
	}
	req.Limit = limit
	return req, nil
}
