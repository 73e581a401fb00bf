package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatrelay/internal/auth"
	"github.com/eldtechnologies/chatrelay/internal/handlers"
	"github.com/eldtechnologies/chatrelay/internal/models"
	"github.com/eldtechnologies/chatrelay/internal/presence"
	"github.com/eldtechnologies/chatrelay/internal/realtime"
	"github.com/eldtechnologies/chatrelay/internal/store"
	"github.com/eldtechnologies/chatrelay/internal/ws"
)

const secret = "router-secret"

func newTestRouter(t *testing.T) (http.Handler, *store.MemoryStore) {
	t.Helper()
	ds := store.NewMemoryStore()
	hub := realtime.NewHub(realtime.Config{
		NodeID:   "n1",
		Store:    ds,
		Presence: presence.NewLocalStore(),
		Logger:   zerolog.Nop(),
	})
	verifier := auth.NewJWTVerifier(secret)

	return NewRouter(Deps{
		Logger:   zerolog.Nop(),
		Store:    ds,
		Hub:      hub,
		Verifier: verifier,
		Socket:   ws.NewHandler(hub, verifier, ws.Options{}, zerolog.Nop()),
	}), ds
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.Issue(secret, userID, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func do(t *testing.T, h http.Handler, method, path, authz string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthDegradedWithoutRedis(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := do(t, h, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "pass", resp.Checks["memory"].Status)
	assert.Equal(t, "warn", resp.Checks["presence"].Status)
	assert.Equal(t, "n1", resp.Node)
}

func TestPostAndListMessages(t *testing.T) {
	h, ds := newTestRouter(t)
	authz := bearer(t, "alice")

	rec := do(t, h, "POST", "/rooms/global/messages", "", handlers.PostMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, "PUT", "/me", authz, map[string]string{"name": "  Alice\x07 "})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, "POST", "/rooms/global/messages", authz, handlers.PostMessageRequest{Content: "hi", LocalID: "l_1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var posted handlers.PostMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &posted))
	assert.Equal(t, "hi", posted.Message.Content)
	assert.Equal(t, "Alice", posted.Message.Sender.Name)
	assert.Equal(t, "l_1", posted.Message.LocalID)
	assert.Empty(t, posted.DeliveredTo)

	stored, err := ds.GetMessage(context.Background(), posted.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, stored.Status)

	rec = do(t, h, "POST", "/rooms/global/messages", authz, handlers.PostMessageRequest{Content: ""})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, "POST", "/rooms/global/messages", authz, handlers.PostMessageRequest{Content: "re", ReplyTo: "missing"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, "GET", "/rooms/global/messages?limit=10", authz, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var history handlers.RoomMessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Messages, 1)
	assert.Equal(t, posted.Message.ID, history.Messages[0].ID)
	assert.False(t, history.HasMore)

	rec = do(t, h, "GET", "/rooms/bad%20room/messages", authz, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPresenceEndpoint(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := do(t, h, "GET", "/presence/bob", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"bob","online":false,"mode":"local"}`, rec.Body.String())
}
