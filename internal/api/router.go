/**
 * @description
 * This file sets up the HTTP router for the disbursement-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ScholarshipRoutes creates and returns the router for the disbursement service.
func ScholarshipRoutes(h *ScholarshipHandlers, authCfg AuthConfig, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/api/scholarships", func(r chi.Router) {
		r.Use(AuthMiddleware(authCfg))

		// Student-facing endpoints.
		r.Post("/applications", h.SubmitApplicationHandler)
		r.Get("/applications/{id}", h.GetApplicationHandler)
		r.Get("/students/{wallet}/applications", h.StudentApplicationsHandler)
		r.Get("/students/{wallet}/summary", h.StudentSummaryHandler)

		// Review and analytics endpoints require the admin role.
		r.Group(func(r chi.Router) {
			r.Use(RequireAdmin)

			r.Get("/applications", h.ListApplicationsHandler)
			r.Post("/applications/{id}/approve", h.ApproveApplicationHandler)
			r.Post("/applications/{id}/reject", h.RejectApplicationHandler)
			r.Get("/records", h.ListRecordsHandler)
			r.Get("/dashboard", h.DashboardHandler)
			r.Get("/statistics", h.StatisticsHandler)
		})
	})

	// Service-to-service endpoints, guarded by the shared internal key.
	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Post("/reconcile", h.ReconcileHandler)
	})

	return r
}
