/**
 * @description
 * This file sets up the HTTP router for the postback-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * The public ingest endpoint stays outside the admin group: upward partners
 * authenticate solely through the unique key embedded in the path.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for the admin dashboard surface.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// PostbackRoutes creates and returns a new router for the postback service.
func PostbackRoutes(h *PostbackHandlers, adminJWTSecret string) http.Handler {
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

	// Public partner-facing ingest endpoint, GET and POST.
	r.Get("/postback/{uniqueKey}", h.IngestHandler)
	r.Post("/postback/{uniqueKey}", h.IngestHandler)

	// Admin dashboard surface.
	r.Route("/admin", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"https://*", "http://*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300, // Maximum value not ignored by any major browsers
		}))
		r.Use(AdminAuthMiddleware(adminJWTSecret))

		// Partner registry
		r.Post("/partners", h.CreatePartnerMappingHandler)
		r.Get("/partners", h.ListPartnerMappingsHandler)
		r.Get("/partners/{partnerID}", h.GetPartnerMappingHandler)
		r.Put("/partners/{partnerID}", h.UpdatePartnerMappingHandler)

		// Canned integration templates
		r.Get("/templates", h.ListTemplatesHandler)
		r.Get("/templates/{name}", h.GetTemplateHandler)

		// Audit logs and manual retry
		r.Get("/postbacks/received", h.ListReceivedPostbacksHandler)
		r.Get("/postbacks/deliveries", h.ListDeliveryAttemptsHandler)
		r.Post("/postbacks/deliveries/{attemptID}/retry", h.RetryDeliveryHandler)

		// User point ledger
		r.Get("/users/{userID}/balance", h.GetUserBalanceHandler)
	})

	return r
}
