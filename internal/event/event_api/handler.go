package event_api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-admission/internal/apperr"
	"ms-admission/internal/event"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/utils"
	"ms-admission/internal/waitlist"
)

var ErrInvalidBody = apperr.Validation("invalid_body", "request body is not valid JSON")

type Handler struct {
	EventService *event.EventService
	Waitlist     *waitlist.WaitlistService
	Logger       *logger.Logger
}

func NewHandler(events *event.EventService, wl *waitlist.WaitlistService, log *logger.Logger) *Handler {
	return &Handler{EventService: events, Waitlist: wl, Logger: log}
}

// AdminRoutes mounts under /api/v1/admin/events behind auth.RequireAdmin.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Post("/", h.CreateEvent)
	r.Put("/{eventId}/capacity", h.UpdateCapacity)
	r.Post("/{eventId}/promote", h.Promote)
}

func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := utils.URLParamID(r, "eventId")
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	detail, err := h.EventService.GetEventDetail(r.Context(), eventID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("event", detail))
}

func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req models.EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, ErrInvalidBody)
		return
	}

	ev, err := h.EventService.CreateEvent(r.Context(), req)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("event created", ev))
}

func (h *Handler) UpdateCapacity(w http.ResponseWriter, r *http.Request) {
	eventID, err := utils.URLParamID(r, "eventId")
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	var req models.CapacityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Capacity == nil {
		utils.WriteError(w, event.ErrInvalidCapacity)
		return
	}

	ev, promoted, err := h.EventService.UpdateCapacity(r.Context(), eventID, *req.Capacity)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	if promoted == nil {
		promoted = []models.Promotion{}
	}

	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("capacity updated", map[string]interface{}{
		"event":    ev,
		"promoted": promoted,
	}))
}

// Promote runs one promotion for the event. Data is null when the queue
// is empty or the event is full.
func (h *Handler) Promote(w http.ResponseWriter, r *http.Request) {
	eventID, err := utils.URLParamID(r, "eventId")
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	p, err := h.Waitlist.PromoteNextIfAvailable(r.Context(), eventID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	if p == nil {
		h.Logger.LogWaitlist("PROMOTE_NOOP", eventID, "no seat or no waiter")
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("nobody promoted", nil))
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(fmt.Sprintf("promoted %s", p.UserID), p))
}
