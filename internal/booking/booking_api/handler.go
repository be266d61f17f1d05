package booking_api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-admission/internal/apperr"
	"ms-admission/internal/auth"
	"ms-admission/internal/booking"
	"ms-admission/internal/idempotency"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/utils"
)

const IdempotencyKeyHeader = "Idempotency-Key"

var (
	ErrInvalidBody   = apperr.Validation("invalid_body", "request body must be JSON with a positive event_id")
	ErrOnBehalfOther = apperr.Forbidden("on_behalf_forbidden", "only admins may book on behalf of another user")
)

// Promoter fills a seat freed by a cancellation.
type Promoter interface {
	PromoteNextIfAvailable(ctx context.Context, eventID int64) (*models.Promotion, error)
}

type Handler struct {
	BookingService *booking.BookingService
	Waitlist       Promoter
	Idempotency    *idempotency.Coordinator
	Logger         *logger.Logger
}

func NewHandler(bookings *booking.BookingService, waitlist Promoter, coordinator *idempotency.Coordinator, log *logger.Logger) *Handler {
	return &Handler{BookingService: bookings, Waitlist: waitlist, Idempotency: coordinator, Logger: log}
}

// Routes mounts under /api/v1/bookings. Auth middleware must run first.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.CreateBooking)
	r.Get("/me", h.ListMine)
	r.Get("/user/{userId}", h.ListForUser)
	r.Get("/{bookingId}", h.GetBooking)
	r.Post("/{bookingId}/cancel", h.CancelBooking)
	r.Delete("/{bookingId}/cancel", h.CancelBooking)
	r.Delete("/{bookingId}", h.CancelBooking)
}

func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())

	var req models.BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EventID <= 0 {
		utils.WriteError(w, ErrInvalidBody)
		return
	}

	userID := caller.UserID
	if req.UserID != "" && req.UserID != caller.UserID {
		if !caller.IsAdmin {
			h.Logger.LogSecurity("BOOK_ON_BEHALF_DENIED", fmt.Sprintf("user %q tried to book for %q", caller.UserID, req.UserID))
			utils.WriteError(w, ErrOnBehalfOther)
			return
		}
		userID = req.UserID
	}

	idemReq := idempotency.Request{
		Key:         r.Header.Get(IdempotencyKeyHeader),
		Endpoint:    idempotency.EndpointCreateBooking,
		RequesterID: caller.UserID,
		EventID:     req.EventID,
		RequestHash: idempotency.RequestHash(userID, req.EventID),
	}

	outcome, err := h.Idempotency.Execute(r.Context(), idemReq, func(ctx context.Context, commit booking.CommitHook) (*models.Booking, error) {
		return h.BookingService.CreateBooking(ctx, userID, req.EventID, commit)
	})
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	if outcome.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	if outcome.Booking == nil {
		utils.WriteJSON(w, outcome.StatusCode, utils.SuccessResponse("request already processed", nil))
		return
	}
	utils.WriteJSON(w, outcome.StatusCode, utils.SuccessResponse("booking confirmed", outcome.Booking))
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())

	bookingID, err := utils.URLParamID(r, "bookingId")
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	b, err := h.BookingService.GetBooking(r.Context(), bookingID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	if b == nil {
		utils.WriteError(w, booking.ErrBookingNotFound)
		return
	}
	if !caller.IsAdmin && b.UserID != caller.UserID {
		utils.WriteError(w, booking.ErrNotOwner)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("booking", b))
}

func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	h.writeUserBookings(w, r, caller.UserID)
}

// ListForUser is open to the user themselves and to admins.
func (h *Handler) ListForUser(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())

	userID := chi.URLParam(r, "userId")
	if !caller.IsAdmin && userID != caller.UserID {
		utils.WriteError(w, booking.ErrNotOwner)
		return
	}
	h.writeUserBookings(w, r, userID)
}

func (h *Handler) writeUserBookings(w http.ResponseWriter, r *http.Request, userID string) {
	bookings, err := h.BookingService.ListUserBookings(r.Context(), userID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("bookings", bookings))
}

// CancelBooking cancels and then promotes the next waiter. A failed
// promotion does not fail the cancellation.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())

	bookingID, err := utils.URLParamID(r, "bookingId")
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	b, err := h.BookingService.CancelBooking(r.Context(), bookingID, caller.UserID, caller.IsAdmin)
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	if h.Waitlist != nil {
		p, err := h.Waitlist.PromoteNextIfAvailable(r.Context(), b.EventID)
		if err != nil {
			h.Logger.Error("WAITLIST", fmt.Sprintf("Promotion after cancel of booking %d failed: %v", b.ID, err))
		} else if p != nil {
			h.Logger.LogWaitlist("PROMOTED_AFTER_CANCEL", b.EventID, fmt.Sprintf("user %s took the seat freed by booking %d", p.UserID, b.ID))
		}
	}

	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("booking canceled", b))
}
