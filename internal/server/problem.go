package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusUnauthorized: {
		typeURI: "https://tether.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://tether.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://tether.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusInternalServerError: {
		typeURI: "https://tether.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
	http.StatusUnprocessableEntity: {
		typeURI: tethersync.ProblemValidation,
		title:   "Validation Error",
	},
	http.StatusConflict: {
		typeURI: "https://tether.dev/errors/conflict",
		title:   "Conflict",
	},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = struct {
			typeURI string
			title   string
		}{
			typeURI: "https://tether.dev/errors/unknown",
			title:   http.StatusText(status),
		}
	}

	writeProblemJSON(w, status, Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	EventID string                       `json:"event_id,omitempty"`
	Errors  []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field
// errors. The detail summarizes the first error.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, eventID string, errs []validation.ValidationError) {
	pt := problemTypes[http.StatusUnprocessableEntity]
	detail := "Request contains invalid fields"
	if len(errs) > 0 {
		detail = errs[0].Error()
	}

	writeProblemJSON(w, http.StatusUnprocessableEntity, ProblemWithErrors{
		Problem: Problem{
			Type:     pt.typeURI,
			Title:    pt.title,
			Status:   http.StatusUnprocessableEntity,
			Detail:   detail,
			Instance: r.URL.Path,
		},
		EventID: eventID,
		Errors:  errs,
	})
}

// writeVersionConflict writes the 409 returned when the event's base version
// no longer matches the stored record.
func writeVersionConflict(w http.ResponseWriter, r *http.Request, eventID string, rec *record) {
	p := tethersync.PushProblem{
		Type:          tethersync.ProblemVersionConflict,
		Title:         "Version Conflict",
		Status:        http.StatusConflict,
		Instance:      r.URL.Path,
		EventID:       eventID,
		ServerVersion: rec.version,
		Deleted:       rec.deleted,
	}
	if rec.deleted {
		p.Detail = fmt.Sprintf("Record was deleted at version %d", rec.version)
	} else {
		p.Detail = fmt.Sprintf("Record is at version %d", rec.version)
		p.Current = rec.payloadJSON()
	}
	writeProblemJSON(w, http.StatusConflict, p)
}

// writeSchemaMismatch writes the 409 returned when the client's schema
// fingerprint differs from the canonical one.
func writeSchemaMismatch(w http.ResponseWriter, r *http.Request, eventID, clientFP, serverFP string) {
	writeProblemJSON(w, http.StatusConflict, tethersync.PushProblem{
		Type:              tethersync.ProblemSchemaMismatch,
		Title:             "Schema Mismatch",
		Status:            http.StatusConflict,
		Detail:            fmt.Sprintf("Client schema %q does not match server schema %q", clientFP, serverFP),
		Instance:          r.URL.Path,
		EventID:           eventID,
		ClientFingerprint: clientFP,
		ServerFingerprint: serverFP,
	})
}

func writeProblemJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "component", "server", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "component", "server", "error", err)
	}
}
