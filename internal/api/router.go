package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Kiosk flows
		r.Post("/scan", s.handleScan)
		r.Post("/assign", s.handleAssign)

		// Locker bank
		r.Route("/lockers", func(r chi.Router) {
			r.Get("/", s.handleListLockers)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetLocker)
				r.Post("/open", s.handleOpenLocker)
				r.Post("/confirm", s.handleConfirmOwnership)
				r.Post("/release", s.handleReleaseLocker)
				r.Post("/block", s.handleBlockLocker)
				r.Post("/unblock", s.handleUnblockLocker)
			})
		})

		// Audit trail
		r.Get("/events", s.handleListEvents)

		// Durable command queue
		r.Route("/commands", func(r chi.Router) {
			r.Post("/", s.handleEnqueueCommand)
			r.Delete("/", s.handleClearPending)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCommand)
				r.Delete("/", s.handleCancelCommand)
			})
		})

		// WebSocket event stream
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}
