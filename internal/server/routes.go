package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(s *Server) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(s.apiKey))
			r.Get("/schema", s.Schema)
			r.Put("/schema", s.PublishSchema)

			r.Route("/tenants/{tenant_id}", func(r chi.Router) {
				r.Use(TenantMiddleware)
				r.Post("/events", s.Push)
				r.Get("/delta", s.Delta)
			})
		})
	})

	return r
}
