package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// PresenceResponse reports whether a user is online anywhere in the cluster.
type PresenceResponse struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
	Mode   string `json:"mode"`
}

// Presence handles presence lookup.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if userID == "" || len(userID) > 128 {
		h.Error(w, http.StatusBadRequest, "invalid user id")
		return
	}

	online, err := h.hub.IsOnline(r.Context(), userID)
	if err != nil {
		h.Error(w, http.StatusServiceUnavailable, "presence lookup failed")
		return
	}

	h.JSON(w, http.StatusOK, PresenceResponse{
		UserID: userID,
		Online: online,
		Mode:   h.hub.Stats().Presence,
	})
}
