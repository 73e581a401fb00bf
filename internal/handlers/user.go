package handlers

import (
	"net/http"

	"github.com/eldtechnologies/chatrelay/internal/api/middleware"
	"github.com/eldtechnologies/chatrelay/internal/models"
)

// UpdateProfileRequest sets the display name shown with a user's messages.
type UpdateProfileRequest struct {
	Name string `json:"name"`
}

// UpdateProfile stores display attributes for the authenticated user.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromContext(r.Context())
	if userID == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req UpdateProfileRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	name := sanitizeName(req.Name)
	if name == "" {
		h.Error(w, http.StatusBadRequest, "name is required")
		return
	}

	user := models.User{ID: userID, Name: name}
	if err := h.store.UpsertUser(r.Context(), user); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to save profile")
		return
	}

	h.JSON(w, http.StatusOK, user)
}
