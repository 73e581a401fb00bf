package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatrelay/internal/api/middleware"
	"github.com/eldtechnologies/chatrelay/internal/store"
)

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "Alice", sanitizeName("  Al\x00ice\n "))
	assert.Equal(t, "", sanitizeName("\t\x07"))

	long := strings.Repeat("é", maxNameRunes+10)
	got := sanitizeName(long)
	assert.Equal(t, maxNameRunes, len([]rune(got)))
	assert.True(t, strings.HasPrefix(long, got))
}

func TestFormatTimeAgo(t *testing.T) {
	assert.Equal(t, "just now", formatTimeAgo(time.Now()))
	assert.Equal(t, "5 minutes ago", formatTimeAgo(time.Now().Add(-5*time.Minute)))
	assert.Equal(t, "1 hour ago", formatTimeAgo(time.Now().Add(-time.Hour-time.Minute)))
}

func TestUpdateProfile(t *testing.T) {
	ds := store.NewMemoryStore()
	h := NewHandler(ds, nil, nil)

	put := func(userID, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("PUT", "/me", strings.NewReader(body))
		if userID != "" {
			req = req.WithContext(context.WithValue(req.Context(), middleware.UserContextKey, userID))
		}
		rec := httptest.NewRecorder()
		h.UpdateProfile(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, put("", `{"name":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, put("u1", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, put("u1", `{"name":"   "}`).Code)

	rec := put("u1", `{"name":"Ada"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"u1","name":"Ada"}`, rec.Body.String())

	user, err := ds.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "Ada", user.Name)
}

func TestDecodeBodyTooLarge(t *testing.T) {
	h := NewHandler(store.NewMemoryStore(), nil, nil)

	req := httptest.NewRequest("PUT", "/me", strings.NewReader(`{"name":"`+strings.Repeat("a", 64)+`"}`))
	rec := httptest.NewRecorder()
	req.Body = http.MaxBytesReader(rec, req.Body, 16)

	var v struct{ Name string }
	assert.False(t, h.decodeBody(rec, req, &v))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
