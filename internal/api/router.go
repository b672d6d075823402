package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/tydom-bridge/internal/bridges/tydom"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.withRequestID)
	r.Use(s.withAccessLog)
	r.Use(s.withRecovery)
	r.Use(s.withCORS)
	r.Use(s.withBodyLimit)

	// Prometheus scrape endpoint
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Get("/stats", s.handleDeviceStats)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Get("/history", s.handleGetDeviceHistory)
				r.Post("/commands", s.handleDeviceCommand)
			})
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", s.handleListScenarios)
			r.Post("/{id}/activate", s.handleActivateScenario)
		})
		r.Get("/groups", s.handleListGroups)

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the bridge health report. An unhealthy or offline
// bridge answers 503 so load balancers and probes can act on it.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.bridge.Health()
	status := http.StatusOK
	if h.Status == tydom.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}
