package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/eldtechnologies/chatrelay/internal/models"
	"github.com/eldtechnologies/chatrelay/internal/realtime"
)

// MessagePreview represents a preview of a message.
type MessagePreview struct {
	ID         string `json:"id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_at"`
}

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	Node           realtime.Stats   `json:"node"`
	LastActivity   string           `json:"last_activity"`
	RecentMessages []MessagePreview `json:"recent_messages"`
}

// Stats returns this node's connection counts and recent activity in the
// global room.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	messages, err := h.store.ListRoomMessages(r.Context(), models.NamedRoom("global"), 5, time.Time{})
	if err != nil {
		// Non-fatal, continue with empty messages
		messages = nil
	}

	lastActivity := "no activity yet"
	if len(messages) > 0 {
		lastActivity = formatTimeAgo(messages[0].CreatedAt)
	}

	recent := make([]MessagePreview, 0, len(messages))
	for _, msg := range messages {
		name := msg.SenderID
		if msg.Sender != nil && msg.Sender.Name != "" {
			name = msg.Sender.Name
		}

		// Truncate content if too long
		content := msg.Content
		if len(content) > 200 {
			content = content[:197] + "..."
		}

		recent = append(recent, MessagePreview{
			ID:         msg.ID,
			SenderID:   msg.SenderID,
			SenderName: name,
			Content:    content,
			CreatedAt:  msg.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	h.JSON(w, http.StatusOK, StatsResponse{
		Node:           h.hub.Stats(),
		LastActivity:   lastActivity,
		RecentMessages: recent,
	})
}

// formatTimeAgo formats a time as a human-readable "X ago" string.
func formatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "minute") + " ago"
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "hour") + " ago"
	default:
		return plural(int(diff.Hours()/24), "day") + " ago"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}
