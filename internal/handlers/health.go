package handlers

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/eldtechnologies/chatrelay/internal/presence"
	"github.com/eldtechnologies/chatrelay/internal/store"
)

const version = "0.1.0"

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass", "warn" or "fail"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string           `json:"status"` // "healthy", "degraded" or "unhealthy"
	Version   string           `json:"version"`
	Node      string           `json:"node"`
	Region    string           `json:"region,omitempty"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// Health handles the health check endpoint. Only a failing message store makes
// the node unhealthy; Redis and the backplane are optional and only degrade it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	healthy, degraded := true, false

	// Check the message store
	storeName := store.Name(h.store)
	storeStart := time.Now()
	if err := h.store.Ping(ctx); err != nil {
		checks[storeName] = Check{Status: "fail", Message: "connection failed"}
		healthy = false
	} else {
		checks[storeName] = Check{Status: "pass", Latency: time.Since(storeStart).String()}
	}

	// Check Redis
	if h.redis != nil {
		redisStart := time.Now()
		if err := h.redis.Ping(ctx); err != nil {
			checks["redis"] = Check{Status: "fail", Message: "connection failed"}
			degraded = true
		} else {
			checks["redis"] = Check{Status: "pass", Latency: time.Since(redisStart).String()}
		}
	} else {
		checks["redis"] = Check{Status: "warn", Message: "not configured"}
	}

	stats := h.hub.Stats()
	if stats.Presence == string(presence.ModeShared) {
		checks["presence"] = Check{Status: "pass", Message: stats.Presence}
	} else {
		checks["presence"] = Check{Status: "warn", Message: stats.Presence + ": presence reflects this node only"}
		degraded = true
	}
	switch stats.Backplane {
	case "redis", "nats":
		checks["backplane"] = Check{Status: "pass", Message: stats.Backplane}
	default:
		checks["backplane"] = Check{Status: "warn", Message: stats.Backplane + ": no cross-instance delivery"}
		degraded = true
	}

	status := "healthy"
	statusCode := http.StatusOK
	switch {
	case !healthy:
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	case degraded:
		status = "degraded"
	}

	h.JSON(w, statusCode, HealthResponse{
		Status:    status,
		Version:   version,
		Node:      stats.NodeID,
		Region:    os.Getenv("FLY_REGION"),
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// RootResponse represents the root endpoint response.
type RootResponse struct {
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// Root handles the API info endpoint.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:    "chatrelay",
		Version: version,
		Endpoints: map[string]string{
			"socket":   "GET /ws?token=<jwt>",
			"history":  "GET /rooms/{roomId}/messages",
			"send":     "POST /rooms/{roomId}/messages",
			"presence": "GET /presence/{userId}",
			"profile":  "PUT /me",
			"health":   "GET /health",
			"stats":    "GET /stats",
		},
	})
}
