package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatrelay/internal/backplane"
	"github.com/eldtechnologies/chatrelay/internal/models"
	"github.com/eldtechnologies/chatrelay/internal/presence"
	"github.com/eldtechnologies/chatrelay/internal/store"
)

type fakeSession struct {
	id     string
	mu     sync.Mutex
	frames []models.Envelope
}

func newSession(id string) *fakeSession { return &fakeSession{id: id} }

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Send(frame []byte) bool {
	var env models.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return false
	}
	s.mu.Lock()
	s.frames = append(s.frames, env)
	s.mu.Unlock()
	return true
}

func (s *fakeSession) Close() {}

func (s *fakeSession) events(name string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []json.RawMessage
	for _, env := range s.frames {
		if env.Event == name {
			out = append(out, env.Data)
		}
	}
	return out
}

func (s *fakeSession) messages(t *testing.T) []models.Message {
	t.Helper()
	var out []models.Message
	for _, raw := range s.events(models.EventMessageReceived) {
		var m models.Message
		require.NoError(t, json.Unmarshal(raw, &m))
		out = append(out, m)
	}
	return out
}

func (s *fakeSession) acks(t *testing.T) []models.DeliveredPayload {
	t.Helper()
	var out []models.DeliveredPayload
	for _, raw := range s.events(models.EventMessageDelivered) {
		var p models.DeliveredPayload
		require.NoError(t, json.Unmarshal(raw, &p))
		out = append(out, p)
	}
	return out
}

func (s *fakeSession) errors(t *testing.T) []models.ErrorPayload {
	t.Helper()
	var out []models.ErrorPayload
	for _, raw := range s.events(models.EventError) {
		var p models.ErrorPayload
		require.NoError(t, json.Unmarshal(raw, &p))
		out = append(out, p)
	}
	return out
}

type testEnv struct {
	store    *store.MemoryStore
	presence presence.Store
}

func newTestEnv() *testEnv {
	return &testEnv{store: store.NewMemoryStore(), presence: presence.NewLocalStore()}
}

func (e *testEnv) hub(nodeID string, bus backplane.Backplane) *Hub {
	h := NewHub(Config{
		NodeID:        nodeID,
		Store:         e.store,
		Presence:      e.presence,
		Backplane:     bus,
		Logger:        zerolog.Nop(),
		AllowIdentify: true,
	})
	h.Start()
	return h
}

// settle waits for background presence work.
func settle(t *testing.T, hubs ...*Hub) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, h := range hubs {
		require.NoError(t, h.tasks.Wait(ctx))
	}
}

func frame(t *testing.T, event string, data interface{}) []byte {
	t.Helper()
	env, err := models.NewEnvelope(event, data)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

var global = models.NamedRoom("global")

func TestSendToJoinedOnlineUser(t *testing.T) {
	e := newTestEnv()
	h := e.hub("n1", nil)

	x, y := newSession("cx"), newSession("cy")
	h.Connect(x, "x")
	h.Connect(y, "y")
	settle(t, h)

	h.HandleEvent("cy", frame(t, models.EventJoinRoom, models.JoinRoomPayload{RoomID: global}))
	h.HandleEvent("cx", frame(t, models.EventSendMessage, models.SendMessagePayload{
		RoomID: global, Sender: "x", Content: "hi", LocalID: "l_1",
	}))

	got := y.messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Content)
	assert.Equal(t, "x", got[0].Sender.ID)

	echo := x.messages(t)
	require.Len(t, echo, 1, "sender receives its own echo")
	assert.Equal(t, "l_1", echo[0].LocalID)
	msgID := echo[0].ID

	acks := x.acks(t)
	require.Len(t, acks, 2)
	assert.Equal(t, models.DeliveredPayload{MessageID: msgID, DeliveredTo: "y"}, acks[0])
	assert.Equal(t, models.DeliveredPayload{MessageID: msgID, DeliveredTo: models.DeliveredToMultiple}, acks[1])

	stored, err := e.store.GetMessage(context.Background(), msgID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, stored.Status)
}

func TestSendWhileOfflineThenBackfill(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv()
	h := e.hub("n1", nil)

	// y joined the room once before and then went away.
	require.NoError(t, e.store.AddParticipant(ctx, global, "y"))

	x := newSession("cx")
	h.Connect(x, "x")
	settle(t, h)

	res, err := h.Send(ctx, Origin{ConnID: "cx", UserID: "x"}, models.SendMessagePayload{RoomID: global, Content: "first"})
	require.NoError(t, err)
	assert.False(t, res.Delivered())
	_, err = h.Send(ctx, Origin{ConnID: "cx", UserID: "x"}, models.SendMessagePayload{RoomID: global, Content: "second"})
	require.NoError(t, err)

	stored, err := e.store.GetMessage(ctx, res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, stored.Status)
	assert.Empty(t, x.acks(t))

	y := newSession("cy")
	h.Connect(y, "y")
	settle(t, h)

	joined, err := h.JoinRoom(ctx, "cy", models.JoinRoomPayload{RoomID: global})
	require.NoError(t, err)
	assert.Equal(t, 2, joined.Backfilled)

	got := y.messages(t)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Content)
	assert.Equal(t, "second", got[1].Content)

	stored, err = e.store.GetMessage(ctx, res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, stored.Status)

	acks := x.acks(t)
	require.Len(t, acks, 2)
	assert.Equal(t, models.DeliveredPayload{MessageID: res.Message.ID, DeliveredTo: "y"}, acks[0])

	// A second join replays nothing.
	joined, err = h.JoinRoom(ctx, "cy", models.JoinRoomPayload{RoomID: global})
	require.NoError(t, err)
	assert.Equal(t, 0, joined.Backfilled)
	assert.Len(t, y.messages(t), 2)
	assert.Len(t, y.events(models.EventJoined), 2)
}

func TestNoDuplicateAcrossRoomAndDirectPaths(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv()
	h := e.hub("n1", nil)

	x, joinedTab, otherTab := newSession("cx"), newSession("cy1"), newSession("cy2")
	h.Connect(x, "x")
	h.Connect(joinedTab, "y")
	h.Connect(otherTab, "y")
	settle(t, h)

	_, err := h.JoinRoom(ctx, "cy1", models.JoinRoomPayload{RoomID: global})
	require.NoError(t, err)
	_, err = h.JoinRoom(ctx, "cx", models.JoinRoomPayload{RoomID: global})
	require.NoError(t, err)

	_, err = h.Send(ctx, Origin{ConnID: "cx", UserID: "x"}, models.SendMessagePayload{RoomID: global, Content: "once"})
	require.NoError(t, err)

	assert.Len(t, joinedTab.messages(t), 1)
	assert.Len(t, otherTab.messages(t), 1)
	assert.Len(t, x.messages(t), 1)
}

func TestSendRejections(t *testing.T) {
	e := newTestEnv()
	h := e.hub("n1", nil)

	anon := newSession("anon")
	h.Connect(anon, "")
	h.HandleEvent("anon", frame(t, models.EventSendMessage, models.SendMessagePayload{RoomID: global, Sender: "x", Content: "hi"}))

	errs := anon.errors(t)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeNotIdentified, errs[0].Code)

	x := newSession("cx")
	h.Connect(x, "x")
	settle(t, h)

	h.HandleEvent("cx", frame(t, models.EventSendMessage, models.SendMessagePayload{RoomID: global, Content: "  ", LocalID: "l_2"}))
	h.HandleEvent("cx", frame(t, models.EventSendMessage, models.SendMessagePayload{RoomID: global, Sender: "mallory", Content: "hi"}))
	h.HandleEvent("cx", frame(t, models.EventSendMessage, map[string]string{"content": "no room"}))
	h.HandleEvent("cx", []byte(`not json`))
	h.HandleEvent("cx", frame(t, "shout", nil))

	errs = x.errors(t)
	require.Len(t, errs, 5)
	assert.Equal(t, CodeValidation, errs[0].Code)
	assert.Equal(t, "l_2", errs[0].LocalID)
	assert.Equal(t, CodeValidation, errs[1].Code)
	assert.Equal(t, CodeValidation, errs[2].Code)
	assert.Equal(t, CodeBadEvent, errs[3].Code)
	assert.Equal(t, CodeBadEvent, errs[4].Code)

	msgs, err := e.store.ListRoomMessages(context.Background(), global, 10, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

type failingStore struct {
	*store.MemoryStore
}

func (failingStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	return errors.New("disk full")
}

func TestPersistenceFailureBroadcastsNothing(t *testing.T) {
	h := NewHub(Config{
		NodeID:   "n1",
		Store:    failingStore{store.NewMemoryStore()},
		Presence: presence.NewLocalStore(),
		Logger:   zerolog.Nop(),
	})
	x, y := newSession("cx"), newSession("cy")
	h.Connect(x, "x")
	h.Connect(y, "y")
	settle(t, h)
	_, err := h.JoinRoom(context.Background(), "cy", models.JoinRoomPayload{RoomID: global})
	require.NoError(t, err)

	h.HandleEvent("cx", frame(t, models.EventSendMessage, models.SendMessagePayload{RoomID: global, Content: "hi", LocalID: "l_9"}))

	errs := x.errors(t)
	require.Len(t, errs, 1)
	assert.Equal(t, CodePersistence, errs[0].Code)
	assert.Equal(t, "l_9", errs[0].LocalID)
	assert.Empty(t, y.messages(t))
	assert.Empty(t, x.messages(t))
}

func TestPresenceTransitions(t *testing.T) {
	e := newTestEnv()
	h := e.hub("n1", nil)
	ctx := context.Background()

	watcher := newSession("w")
	h.Connect(watcher, "watcher")
	settle(t, h)

	h.Connect(newSession("c1"), "u1")
	settle(t, h)
	h.Connect(newSession("c2"), "u1")
	settle(t, h)

	online, err := h.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)
	assert.Len(t, watcher.events(models.EventPresenceOnline), 2, "watcher and u1 each announced once")

	h.Disconnect("c1")
	settle(t, h)
	assert.Empty(t, watcher.events(models.EventPresenceOffline))

	h.Disconnect("c2")
	settle(t, h)
	offline := watcher.events(models.EventPresenceOffline)
	require.Len(t, offline, 1)
	assert.JSONEq(t, `{"userId":"u1"}`, string(offline[0]))

	online, err = h.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)

	// Disconnecting an unknown connection is a no-op.
	h.Disconnect("c2")
	settle(t, h)
	assert.Len(t, watcher.events(models.EventPresenceOffline), 1)
}

func TestIdentifyLateBinding(t *testing.T) {
	e := newTestEnv()
	h := e.hub("n1", nil)

	s := newSession("c1")
	h.Connect(s, "")
	h.HandleEvent("c1", frame(t, models.EventIdentify, models.IdentifyPayload{UserID: "u1"}))
	settle(t, h)

	online, err := h.IsOnline(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, online)

	h.HandleEvent("c1", frame(t, models.EventIdentify, models.IdentifyPayload{UserID: "u2"}))
	errs := s.errors(t)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeValidation, errs[0].Code)

	strict := NewHub(Config{NodeID: "n2", Store: e.store, Presence: presence.NewLocalStore(), Logger: zerolog.Nop()})
	a := newSession("c9")
	strict.Connect(a, "")
	strict.HandleEvent("c9", frame(t, models.EventJoinRoom, models.JoinRoomPayload{RoomID: global, UserID: "u9"}))
	errs = a.errors(t)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeNotIdentified, errs[0].Code)
}

func TestCrossInstanceDelivery(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv()
	bus := backplane.NewMemoryBus()
	a := e.hub("node-a", bus)
	b := e.hub("node-b", bus)
	defer a.Shutdown(ctx)
	defer b.Shutdown(ctx)

	y := newSession("cy")
	b.Connect(y, "y")
	settle(t, a, b)

	x := newSession("cx")
	a.Connect(x, "x")
	settle(t, a, b)
	assert.Len(t, y.events(models.EventPresenceOnline), 2, "y sees its own and x's presence")

	_, err := b.JoinRoom(ctx, "cy", models.JoinRoomPayload{RoomID: global})
	require.NoError(t, err)

	res, err := a.Send(ctx, Origin{ConnID: "cx", UserID: "x"}, models.SendMessagePayload{RoomID: global, Content: "across"})
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, res.DeliveredTo)

	got := y.messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, "across", got[0].Content)
	assert.Len(t, x.messages(t), 1, "origin node does not receive its own relay")
	assert.Len(t, x.acks(t), 2)

	b.Disconnect("cy")
	settle(t, a, b)
	assert.Len(t, x.events(models.EventPresenceOffline), 1)
}

func TestDisconnectDoesNotCancelSend(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv()
	h := e.hub("n1", nil)

	x := newSession("cx")
	h.Connect(x, "x")
	settle(t, h)
	h.Disconnect("cx")

	res, err := h.Send(ctx, Origin{ConnID: "cx", UserID: "x"}, models.SendMessagePayload{RoomID: global, Content: "late"})
	require.NoError(t, err)

	stored, err := e.store.GetMessage(ctx, res.Message.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "late", stored.Content)
}

func TestMalformedSendKeepsLocalID(t *testing.T) {
	e := newTestEnv()
	h := e.hub("n1", nil)
	x := newSession("cx")
	h.Connect(x, "x")
	settle(t, h)

	h.HandleEvent("cx", []byte(`{"event":"sendMessage","data":{"roomId":"bad room","content":"hi","localId":"l_9"}}`))
	h.HandleEvent("cx", []byte(`{"event":"sendMessage","data":{"roomId":42,"localId":"l_10"}}`))
	h.HandleEvent("cx", []byte(`{"event":"sendMessage","data":{"roomId":"bad room","localId":7}}`))

	errs := x.errors(t)
	require.Len(t, errs, 3)
	assert.Equal(t, CodeValidation, errs[0].Code)
	assert.Equal(t, "l_9", errs[0].LocalID)
	assert.Equal(t, CodeValidation, errs[1].Code)
	assert.Equal(t, "l_10", errs[1].LocalID)
	assert.Empty(t, errs[2].LocalID)
}

func TestRejectCarriesLocalID(t *testing.T) {
	e := newTestEnv()
	h := e.hub("n1", nil)
	x := newSession("cx")
	h.Connect(x, "x")
	settle(t, h)

	raw := frame(t, models.EventSendMessage, models.SendMessagePayload{RoomID: global, Content: "hi", LocalID: "l_3"})
	h.Reject("cx", raw, ErrRateLimited)
	h.Reject("cx", []byte(`garbage`), ErrRateLimited)

	errs := x.errors(t)
	require.Len(t, errs, 2)
	assert.Equal(t, CodeRateLimited, errs[0].Code)
	assert.Equal(t, "l_3", errs[0].LocalID)
	assert.Equal(t, CodeRateLimited, errs[1].Code)
	assert.Empty(t, errs[1].LocalID)

	msgs, err := e.store.ListRoomMessages(context.Background(), global, 10, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, msgs, "rejected frames are never persisted")
}

func TestDisconnectDuringPresenceOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	e := newTestEnv()
	e.presence = presence.NewRedisStore(client, zerolog.Nop())
	h := e.hub("n1", nil)
	ctx := context.Background()

	watcher := newSession("w")
	h.Connect(watcher, "watcher")
	h.Connect(newSession("c1"), "u1")
	settle(t, h)

	mr.SetError("boom")
	h.Disconnect("c1")
	settle(t, h)

	offline := watcher.events(models.EventPresenceOffline)
	require.Len(t, offline, 1)
	assert.JSONEq(t, `{"userId":"u1"}`, string(offline[0]))

	mr.SetError("")
	online, err := h.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)
	assert.False(t, mr.Exists("conn:c1"), "removal replayed after recovery")

	online, err = h.IsOnline(ctx, "watcher")
	require.NoError(t, err)
	assert.True(t, online)
}
