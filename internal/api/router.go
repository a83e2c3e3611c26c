/**
 * @description
 * This file sets up the HTTP router for the QR payment engine. It defines
 * the API endpoints, associates them with their corresponding handlers, and
 * applies middleware. The SSE routes are registered outside the timeout
 * middleware: a stream is expected to stay open far longer than any request
 * deadline.
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

// QRRoutes creates and returns the router for the QR payment engine.
func QRRoutes(h *QRHandlers, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging and panic recovery.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoint
	r.Get("/health", h.HealthHandler)

	// Long-lived SSE streams, deliberately without a request timeout.
	r.Get("/qr/stream", h.StreamAllHandler)
	r.Get("/qr/{qrId}/stream", h.StreamQRHandler)

	// Request/response endpoints get a timeout.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		// Bank-facing payment notification webhook.
		r.Post("/qr/notifyPaymentQR", h.NotifyPaymentHandler)

		// Read access by QR id.
		r.Get("/qr/{qrId}", h.GetQRHandler)

		// Internal management endpoints behind the shared key.
		r.Group(func(r chi.Router) {
			r.Use(InternalKeyMiddleware(internalAPIKey))

			r.Post("/qr", h.CreateQRHandler)
			r.Delete("/qr/{qrId}", h.CancelQRHandler)
		})
	})

	return r
}
