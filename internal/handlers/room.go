package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/chatrelay/internal/api/middleware"
	"github.com/eldtechnologies/chatrelay/internal/models"
	"github.com/eldtechnologies/chatrelay/internal/realtime"
)

// RoomMessagesResponse represents the get room messages response.
type RoomMessagesResponse struct {
	Room     models.RoomRef   `json:"room"`
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// PostMessageRequest represents the post message request.
type PostMessageRequest struct {
	Content string `json:"content"`
	ReplyTo string `json:"replyTo,omitempty"`
	Type    string `json:"type,omitempty"`
	LocalID string `json:"localId,omitempty"`
}

// PostMessageResponse represents the post message response.
type PostMessageResponse struct {
	Message     *models.Message `json:"message"`
	DeliveredTo []string        `json:"delivered_to"`
}

// GetRoomMessages returns room history, newest first (authenticated).
func (h *Handler) GetRoomMessages(w http.ResponseWriter, r *http.Request) {
	room, err := models.ParseRoomRef(chi.URLParam(r, "roomId"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid room ID format")
		return
	}

	// Parse query params
	limitStr := r.URL.Query().Get("limit")
	beforeStr := r.URL.Query().Get("before")

	limit := 50
	if limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > 200 {
		limit = 200
	}

	// before accepts RFC 3339 or unix milliseconds
	var before time.Time
	if beforeStr != "" {
		if t, err := time.Parse(time.RFC3339Nano, beforeStr); err == nil {
			before = t
		} else if ms, err := strconv.ParseInt(beforeStr, 10, 64); err == nil {
			before = time.UnixMilli(ms)
		} else {
			h.Error(w, http.StatusBadRequest, "invalid before parameter")
			return
		}
	}

	// Fetch one extra for has_more check
	messages, err := h.store.ListRoomMessages(r.Context(), room, limit+1, before)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	if messages == nil {
		messages = []models.Message{}
	}

	h.JSON(w, http.StatusOK, RoomMessagesResponse{
		Room:     room,
		Messages: messages,
		HasMore:  hasMore,
	})
}

// PostMessage sends a message through the delivery pipeline (authenticated).
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromContext(r.Context())
	if userID == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	room, err := models.ParseRoomRef(chi.URLParam(r, "roomId"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid room ID format")
		return
	}

	var req PostMessageRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	// Validate parent message if provided
	if req.ReplyTo != "" {
		parent, err := h.store.GetMessage(r.Context(), req.ReplyTo)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "failed to validate parent message")
			return
		}
		if parent == nil || parent.RoomID.Key() != room.Key() {
			h.Error(w, http.StatusUnprocessableEntity, "parent message not found in this room")
			return
		}
	}

	// The pipeline must finish even if the client goes away.
	ctx := context.WithoutCancel(r.Context())
	res, err := h.hub.Send(ctx, realtime.Origin{UserID: userID}, models.SendMessagePayload{
		RoomID:  room,
		Sender:  userID,
		Content: req.Content,
		ReplyTo: req.ReplyTo,
		Type:    req.Type,
		LocalID: req.LocalID,
	})
	switch {
	case errors.Is(err, realtime.ErrValidation):
		h.Error(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		h.Error(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	deliveredTo := res.DeliveredTo
	if deliveredTo == nil {
		deliveredTo = []string{}
	}
	h.JSON(w, http.StatusCreated, PostMessageResponse{
		Message:     res.Message,
		DeliveredTo: deliveredTo,
	})
}
