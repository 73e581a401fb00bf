package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatrelay/internal/auth"
	"github.com/eldtechnologies/chatrelay/internal/models"
	"github.com/eldtechnologies/chatrelay/internal/presence"
	"github.com/eldtechnologies/chatrelay/internal/realtime"
	"github.com/eldtechnologies/chatrelay/internal/store"
)

const secret = "test-secret"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newTestServerWith(t, Options{AllowedOrigins: []string{"*"}})
}

func newTestServerWith(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	hub := realtime.NewHub(realtime.Config{
		NodeID:   "test",
		Store:    store.NewMemoryStore(),
		Presence: presence.NewLocalStore(),
		Logger:   zerolog.Nop(),
	})
	hub.Start()

	h := NewHandler(hub, auth.NewJWTVerifier(secret), opts, zerolog.Nop())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	if userID != "" {
		token, err := auth.Issue(secret, userID, time.Hour)
		require.NoError(t, err)
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	env, err := models.NewEnvelope(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

// await reads frames until one carries event.
func await(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env models.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Event == event {
			return env.Data
		}
	}
}

func TestSocketDelivery(t *testing.T) {
	srv := newTestServer(t)

	y := dial(t, srv, "y")
	await(t, y, models.EventPresenceOnline)
	emit(t, y, models.EventJoinRoom, models.JoinRoomPayload{RoomID: models.NamedRoom("global")})
	await(t, y, models.EventJoined)

	x := dial(t, srv, "x")
	emit(t, x, models.EventSendMessage, models.SendMessagePayload{
		RoomID:  models.NamedRoom("global"),
		Sender:  "x",
		Content: "hi",
		LocalID: "l_1",
	})

	var got models.Message
	require.NoError(t, json.Unmarshal(await(t, y, models.EventMessageReceived), &got))
	assert.Equal(t, "hi", got.Content)
	assert.Equal(t, "x", got.SenderID)

	var echo models.Message
	require.NoError(t, json.Unmarshal(await(t, x, models.EventMessageReceived), &echo))
	assert.Equal(t, "l_1", echo.LocalID)

	var ack models.DeliveredPayload
	require.NoError(t, json.Unmarshal(await(t, x, models.EventMessageDelivered), &ack))
	assert.Equal(t, got.ID, ack.MessageID)
}

func TestSocketInvalidTokenIsAnonymous(t *testing.T) {
	srv := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=garbage"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	emit(t, conn, models.EventSendMessage, models.SendMessagePayload{RoomID: models.NamedRoom("global"), Content: "hi"})

	var p models.ErrorPayload
	require.NoError(t, json.Unmarshal(await(t, conn, models.EventError), &p))
	assert.Equal(t, realtime.CodeNotIdentified, p.Code)
}

func TestCheckOrigin(t *testing.T) {
	h := NewHandler(nil, nil, Options{AllowedOrigins: []string{"https://chat.example.com"}}, zerolog.Nop())

	r := httptest.NewRequest("GET", "http://relay.local/ws", nil)
	assert.True(t, h.checkOrigin(r))

	r.Header.Set("Origin", "https://CHAT.example.com")
	assert.True(t, h.checkOrigin(r))

	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, h.checkOrigin(r))

	r.Header.Set("Origin", "http://relay.local")
	assert.True(t, h.checkOrigin(r))
}

func TestRateLimiterReserve(t *testing.T) {
	rl := newRateLimiter(2, time.Hour)

	wait, ok := rl.reserve(time.Second)
	assert.True(t, ok)
	assert.Zero(t, wait)
	wait, ok = rl.reserve(time.Second)
	assert.True(t, ok)
	assert.Zero(t, wait)

	// The next token is half an hour away.
	_, ok = rl.reserve(time.Second)
	assert.False(t, ok)
	wait, ok = rl.reserve(time.Hour)
	assert.True(t, ok)
	assert.InDelta(t, (30 * time.Minute).Seconds(), wait.Seconds(), 1)

	// A refused reservation books nothing; the booked one pushed the next
	// token a full half hour further out.
	wait, ok = rl.reserve(2 * time.Hour)
	assert.True(t, ok)
	assert.InDelta(t, time.Hour.Seconds(), wait.Seconds(), 1)
}

func TestRateLimiterThrottlesShortBursts(t *testing.T) {
	rl := newRateLimiter(20, time.Second)
	for i := 0; i < 20; i++ {
		wait, ok := rl.reserve(2 * time.Second)
		require.True(t, ok)
		require.Zero(t, wait)
	}
	wait, ok := rl.reserve(2 * time.Second)
	assert.True(t, ok)
	assert.InDelta(t, (50 * time.Millisecond).Seconds(), wait.Seconds(), 0.01)
}

// collect reads frames until n messageReceived or error events arrived.
func collect(t *testing.T, conn *websocket.Conn, n int) (echoes []models.Message, errs []models.ErrorPayload) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	for len(echoes)+len(errs) < n {
		var env models.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		switch env.Event {
		case models.EventMessageReceived:
			var m models.Message
			require.NoError(t, json.Unmarshal(env.Data, &m))
			echoes = append(echoes, m)
		case models.EventError:
			var p models.ErrorPayload
			require.NoError(t, json.Unmarshal(env.Data, &p))
			errs = append(errs, p)
		}
	}
	return echoes, errs
}

func TestSocketBurstIsThrottledNotDropped(t *testing.T) {
	srv := newTestServer(t)
	x := dial(t, srv, "x")

	const n = 30
	for i := 0; i < n; i++ {
		emit(t, x, models.EventSendMessage, models.SendMessagePayload{
			RoomID:  models.NamedRoom("global"),
			Content: fmt.Sprintf("m%d", i),
			LocalID: fmt.Sprintf("l_%d", i),
		})
	}

	echoes, errs := collect(t, x, n)
	assert.Empty(t, errs)
	require.Len(t, echoes, n)
	for i, m := range echoes {
		assert.Equal(t, fmt.Sprintf("l_%d", i), m.LocalID)
	}
}

func TestSocketRejectsFramesOverBudget(t *testing.T) {
	srv := newTestServerWith(t, Options{
		AllowedOrigins: []string{"*"},
		RateBurst:      1,
		RateInterval:   time.Hour,
	})
	x := dial(t, srv, "x")

	for i := 0; i < 3; i++ {
		emit(t, x, models.EventSendMessage, models.SendMessagePayload{
			RoomID:  models.NamedRoom("global"),
			Content: "hi",
			LocalID: fmt.Sprintf("l_%d", i),
		})
	}

	echoes, errs := collect(t, x, 3)
	require.Len(t, echoes, 1)
	assert.Equal(t, "l_0", echoes[0].LocalID)
	require.Len(t, errs, 2)
	for i, p := range errs {
		assert.Equal(t, realtime.CodeRateLimited, p.Code)
		assert.Equal(t, fmt.Sprintf("l_%d", i+1), p.LocalID)
	}
}
