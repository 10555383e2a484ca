package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/validation"
)

func TestWriteProblem_BodyFormat(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/tenants/school-1/delta", nil)

	WriteProblem(w, r, http.StatusBadRequest, "missing required query parameter: after")

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal problem: %v", err)
	}
	if p.Type != "https://tether.dev/errors/bad-request" || p.Title != "Bad Request" {
		t.Errorf("type/title = %q/%q", p.Type, p.Title)
	}
	if p.Instance != "/api/v1/tenants/school-1/delta" {
		t.Errorf("instance = %q", p.Instance)
	}
}

func TestWriteProblem_UnknownStatus(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	WriteProblem(w, r, http.StatusTeapot, "short and stout")

	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal problem: %v", err)
	}
	if p.Type != "https://tether.dev/errors/unknown" {
		t.Errorf("type = %q", p.Type)
	}
	if p.Title != http.StatusText(http.StatusTeapot) {
		t.Errorf("title = %q", p.Title)
	}
}

func TestWriteProblemWithErrors_422(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/tenants/school-1/events", nil)
	errs := []validation.ValidationError{
		{Field: "payload", Message: "must be a JSON object"},
		{Field: "sequence_no", Message: "must be positive"},
	}

	WriteProblemWithErrors(w, r, "e1", errs)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
	var p tethersync.PushProblem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal problem: %v", err)
	}
	if p.Type != tethersync.ProblemValidation {
		t.Errorf("type = %q, want %q", p.Type, tethersync.ProblemValidation)
	}
	if p.Detail != "payload must be a JSON object" {
		t.Errorf("detail = %q", p.Detail)
	}
	if p.EventID != "e1" {
		t.Errorf("event_id = %q", p.EventID)
	}
}
