package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Prometheus exposition
	if s.prometheus != nil {
		r.Handle("/metrics", s.prometheus)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/audit", s.handleListAuditLogs)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Post("/telemetry", s.handleIngestTelemetry)
				r.Get("/latest", s.handleDeviceLatest)
				r.Get("/state", s.handleDeviceState)
				r.Get("/ws", s.handleDeviceWebSocket)

				r.Route("/commands", func(r chi.Router) {
					r.Get("/", s.handlePollCommands)
					r.Post("/", s.handleSubmitCommand)
					r.Post("/push", s.handlePushCommands)
					r.Get("/history", s.handleCommandHistory)
					r.Post("/{cmdID}/outcome", s.handleReportOutcome)
				})
			})
		})

		r.Get("/commands/{cmdID}", s.handleGetCommand)

		r.Route("/groups/{group}", func(r chi.Router) {
			r.Get("/latest", s.handleGroupLatest)
			r.Get("/history", s.handleGroupHistory)
		})

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
