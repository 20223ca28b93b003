package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-gate/internal/web/handlers"
)

func (s *Server) setupRoutes(status *handlers.StatusHandler) {
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/users", status.Users)
		r.Get("/cameras", status.Cameras)
		r.Post("/sync", status.Sync)
	})
}
