// Package server assembles the HTTP surface of the admission service.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ms-admission/internal/auth"
	"ms-admission/internal/booking/booking_api"
	"ms-admission/internal/event/event_api"
	"ms-admission/internal/logger"
	"ms-admission/internal/utils"
	"ms-admission/internal/waitlist/waitlist_api"
)

type Handlers struct {
	Bookings *booking_api.Handler
	Waitlist *waitlist_api.Handler
	Events   *event_api.Handler
}

func NewRouter(h Handlers, verifier auth.TokenVerifier, log *logger.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(utils.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(utils.AccessLog(log))

	// --- Public Routes ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("ok", map[string]string{
			"status": "UP",
			"time":   time.Now().UTC().Format(time.RFC3339),
		}))
	})
	r.Get("/api/v1/events/{eventId}", h.Events.GetEvent)
	r.Get("/api/v1/waitlist/qr/image", h.Waitlist.QRImage)
	r.Get("/api/v1/waitlist/qr/join", h.Waitlist.JoinPrompt)
	log.Info("ROUTER", "Public routes registered: /health, /api/v1/events, /api/v1/waitlist/qr/{image,join}")

	// --- Protected Routes ---
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(verifier, log))

		r.Route("/api/v1", func(r chi.Router) {
			r.Route("/bookings", h.Bookings.Routes)
			r.Route("/waitlist", func(r chi.Router) {
				r.Post("/", h.Waitlist.Join)
				r.Get("/me", h.Waitlist.ListMine)
				r.Get("/status", h.Waitlist.Status)
				r.Post("/qr/join", h.Waitlist.Join)
			})

			r.Route("/admin/events", func(r chi.Router) {
				r.Use(auth.RequireAdmin(log))
				h.Events.AdminRoutes(r)
			})
		})
	})
	log.Info("ROUTER", "Protected routes registered under /api/v1")

	return r
}
