package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

func newMessage(id, sender string, room models.RoomRef, at time.Time) *models.Message {
	return &models.Message{
		ID:        id,
		RoomID:    room,
		SenderID:  sender,
		Content:   "hello " + id,
		Type:      models.DefaultMessageType,
		Status:    models.StatusSent,
		CreatedAt: at,
	}
}

func TestMemoryStoreFindUndelivered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	global := models.NamedRoom("global")
	base := time.Now()

	require.NoError(t, s.CreateMessage(ctx, newMessage("03", "x", global, base.Add(2*time.Second))))
	require.NoError(t, s.CreateMessage(ctx, newMessage("01", "x", global, base)))
	require.NoError(t, s.CreateMessage(ctx, newMessage("02", "y", global, base.Add(time.Second))))
	require.NoError(t, s.CreateMessage(ctx, newMessage("04", "x", models.NamedRoom("other"), base)))

	msgs, err := s.FindUndelivered(ctx, global, "y")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "01", msgs[0].ID)
	assert.Equal(t, "03", msgs[1].ID)

	require.NoError(t, s.UpdateStatus(ctx, "01", models.StatusDelivered))
	require.NoError(t, s.UpdateStatus(ctx, "01", models.StatusDelivered))

	msgs, err = s.FindUndelivered(ctx, global, "y")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "03", msgs[0].ID)
}

func TestMemoryStoreSenderDisplay(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	room := models.NamedRoom("global")

	require.NoError(t, s.CreateMessage(ctx, newMessage("01", "u1", room, time.Now())))

	msg, err := s.GetMessage(ctx, "01")
	require.NoError(t, err)
	assert.Equal(t, "u1", msg.Sender.Name)

	require.NoError(t, s.UpsertUser(ctx, models.User{ID: "u1", Name: "Ada"}))
	msg, err = s.GetMessage(ctx, "01")
	require.NoError(t, err)
	assert.Equal(t, "Ada", msg.Sender.Name)

	missing, err := s.GetMessage(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryStoreParticipantsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	room := models.NamedRoom("global")

	require.NoError(t, s.AddParticipant(ctx, room, "u1"))
	require.NoError(t, s.AddParticipant(ctx, room, "u1"))
	require.NoError(t, s.AddParticipant(ctx, room, "u2"))

	users, err := s.Participants(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)
}

func TestMemoryStoreListRoomMessages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	room := models.NamedRoom("global")
	base := time.Now()

	for i, id := range []string{"01", "02", "03"} {
		require.NoError(t, s.CreateMessage(ctx, newMessage(id, "x", room, base.Add(time.Duration(i)*time.Second))))
	}

	msgs, err := s.ListRoomMessages(ctx, room, 2, time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "03", msgs[0].ID)
	assert.Equal(t, "02", msgs[1].ID)

	msgs, err = s.ListRoomMessages(ctx, room, 10, base.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "01", msgs[0].ID)
}
