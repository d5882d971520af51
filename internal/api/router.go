/**
 * @description
 * This file sets up the HTTP router for the fundraising service using the go-chi/chi
 * router. It defines the API routes, applies middleware for logging, CORS and
 * authentication, and maps the routes to their handler functions.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the fundraising routes.
func NewRouter(h *Handler, callback http.Handler, keys KeyResolver, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Long-lived stream; kept out of the request timeout.
	r.Get("/events/{eventID}/progress/stream", h.progressStreamHandler)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Method(http.MethodPost, "/webhooks/mpesa/stk", callback)

		r.With(OptionalAuthMiddleware(keys)).Get("/events/{eventID}", h.getEventHandler)
		r.Get("/events/{eventID}/contributions", h.listContributionsHandler)
		r.Get("/events/{eventID}/progress", h.getProgressHandler)

		r.With(OptionalAuthMiddleware(keys)).Post("/events/{eventID}/contributions", h.requestContributionHandler)

		// Owner routes
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(keys))

			r.Post("/events", h.createEventHandler)
			r.Delete("/events/{eventID}", h.deleteEventHandler)
			r.Patch("/events/{eventID}/visibility", h.updateVisibilityHandler)
			r.Post("/events/{eventID}/media", h.uploadMediaHandler)
		})
	})

	return r
}
