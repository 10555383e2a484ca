package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperengineering/tether/internal/engine"
	"github.com/hyperengineering/tether/internal/metrics"
	"github.com/hyperengineering/tether/internal/server"
	"github.com/hyperengineering/tether/internal/worker"
)

// newAgentRouter serves the local agent's metrics and per-tenant status.
func newAgentRouter(registry *worker.EngineRegistry, m *metrics.Metrics) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(server.RecoveryMiddleware)

	r.Handle("/metrics", m.Handler())
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		statuses := []engine.Status{}
		for _, id := range registry.TenantIDs() {
			if e, ok := registry.Engine(id); ok {
				statuses = append(statuses, e.Status())
			}
		}
		writeAgentJSON(w, http.StatusOK, map[string]any{"tenants": statuses})
	})
	r.Get("/status/{tenant_id}", func(w http.ResponseWriter, r *http.Request) {
		e, ok := registry.Engine(chi.URLParam(r, "tenant_id"))
		if !ok {
			server.WriteProblem(w, r, http.StatusNotFound, "tenant is not running")
			return
		}
		writeAgentJSON(w, http.StatusOK, e.Status())
	})
	r.Post("/sync/{tenant_id}", func(w http.ResponseWriter, r *http.Request) {
		e, ok := registry.Engine(chi.URLParam(r, "tenant_id"))
		if !ok {
			server.WriteProblem(w, r, http.StatusNotFound, "tenant is not running")
			return
		}
		e.Trigger()
		w.WriteHeader(http.StatusAccepted)
	})

	return r
}

func writeAgentJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
