package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/knx-gateway/internal/auth"
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

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// WebSocket (auth via token query parameter or bearer header, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.With(requirePermission(auth.PermRead)).Get("/connections", s.handleListConnections)
			r.With(requirePermission(auth.PermRead)).Get("/bindings", s.handleListBindings)

			r.Route("/configurations", func(r chi.Router) {
				r.With(requirePermission(auth.PermRead)).Get("/", s.handleListConfigurations)
				r.With(requirePermission(auth.PermConfigurationManage)).Post("/", s.handleCreateConfiguration)
				r.With(requirePermission(auth.PermRead)).Post("/validate", s.handleValidateConfiguration)

				r.Route("/{id}", func(r chi.Router) {
					r.With(requirePermission(auth.PermRead)).Get("/", s.handleGetConfiguration)

					r.Group(func(r chi.Router) {
						r.Use(requirePermission(auth.PermConfigurationManage))
						r.Put("/", s.handleUpdateConfiguration)
						r.Delete("/", s.handleDeleteConfiguration)
						r.Post("/enable", s.handleEnableConfiguration)
						r.Post("/disable", s.handleDisableConfiguration)
					})
				})
			})

			r.Route("/links", func(r chi.Router) {
				r.With(requirePermission(auth.PermRead)).Get("/", s.handleListLinks)
				r.With(requirePermission(auth.PermLinkManage)).Post("/", s.handleCreateLink)
				r.With(requirePermission(auth.PermLinkManage)).Delete("/{asset}/{attribute}", s.handleDeleteLink)
			})

			r.With(requirePermission(auth.PermAttributeWrite)).
				Post("/attributes/{asset}/{attribute}/write", s.handleWriteAttribute)

			r.With(requirePermission(auth.PermConfigurationManage)).Get("/audit", s.handleListAudit)
		})
	})

	return r
}

// handleHealth returns the gateway health. Without a reporter it returns
// the version only.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"version": s.version,
		})
		return
	}
	writeJSON(w, http.StatusOK, s.health.Snapshot(r.Context()))
}
