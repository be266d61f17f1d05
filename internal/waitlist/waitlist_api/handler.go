package waitlist_api

import (
	"fmt"
	"net/http"
	"strconv"

	"ms-admission/internal/auth"
	"ms-admission/internal/logger"
	"ms-admission/internal/utils"
	"ms-admission/internal/waitlist"
)

type Handler struct {
	WaitlistService *waitlist.WaitlistService
	// JoinBaseURL prefixes QR join links. Empty means derive it from the request.
	JoinBaseURL string
	// TrustForwardedHeaders lets X-Forwarded-Proto/Host pick the derived base.
	// Only enable it behind a proxy that overwrites those headers.
	TrustForwardedHeaders bool
	Logger                *logger.Logger
}

func NewHandler(svc *waitlist.WaitlistService, joinBaseURL string, log *logger.Logger) *Handler {
	return &Handler{WaitlistService: svc, JoinBaseURL: joinBaseURL, Logger: log}
}

// Join enqueues the caller for ?eventId=.
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())

	eventID, err := utils.QueryID(r, "eventId")
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	entry, err := h.WaitlistService.Enqueue(r.Context(), eventID, caller.UserID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("joined waitlist", entry))
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())

	eventID, err := utils.QueryID(r, "eventId")
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	status, err := h.WaitlistService.QueuePosition(r.Context(), eventID, caller.UserID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("waitlist status", status))
}

func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())

	items, err := h.WaitlistService.ListForUser(r.Context(), caller.UserID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("waitlist entries", items))
}

// JoinPrompt is where a scanned code lands. It never enqueues; the caller
// confirms with a POST to the same URL.
func (h *Handler) JoinPrompt(w http.ResponseWriter, r *http.Request) {
	eventID, err := utils.QueryID(r, "eventId")
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("confirm to join the waitlist", map[string]interface{}{
		"event_id": eventID,
		"method":   http.MethodPost,
		"url":      waitlist.JoinURL(h.baseURL(r), eventID),
	}))
}

// QRImage returns a PNG encoding the join link for ?eventId=.
func (h *Handler) QRImage(w http.ResponseWriter, r *http.Request) {
	eventID, err := utils.QueryID(r, "eventId")
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	size := 0
	if raw := r.URL.Query().Get("size"); raw != "" {
		if size, err = strconv.Atoi(raw); err != nil {
			size = 0
		}
	}

	png, err := waitlist.JoinQRCode(waitlist.JoinURL(h.baseURL(r), eventID), size)
	if err != nil {
		h.Logger.Error("WAITLIST", fmt.Sprintf("QR encode for event %d failed: %v", eventID, err))
		utils.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (h *Handler) baseURL(r *http.Request) string {
	if h.JoinBaseURL != "" {
		return h.JoinBaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if h.TrustForwardedHeaders {
		if fwd := r.Header.Get("X-Forwarded-Proto"); fwd == "http" || fwd == "https" {
			scheme = fwd
		}
		if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
			host = fwd
		}
	}
	return scheme + "://" + host
}
