package realtime

import (
	"context"
	"fmt"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
	"github.com/eldtechnologies/chatrelay/internal/models"
)

// JoinResult describes a completed join.
type JoinResult struct {
	Room       models.RoomRef
	Backfilled int
}

// JoinRoom joins connID to a room, records the user as a participant and
// replays every message in the room the user has not received, oldest first.
// Each replayed message is marked delivered and acknowledged to its sender.
func (h *Hub) JoinRoom(ctx context.Context, connID string, p models.JoinRoomPayload) (*JoinResult, error) {
	if p.RoomID.IsZero() {
		return nil, fmt.Errorf("%w: roomId required", ErrValidation)
	}

	userID := h.registry.UserOf(connID)
	if userID == "" {
		if p.UserID == "" {
			return nil, fmt.Errorf("%w: identify before joining", ErrNotIdentified)
		}
		if err := h.Identify(connID, p.UserID); err != nil {
			return nil, err
		}
		userID = p.UserID
	} else if p.UserID != "" && p.UserID != userID {
		return nil, fmt.Errorf("%w: userId does not match identity", ErrValidation)
	}

	roomKey := p.RoomID.Key()
	h.registry.Join(connID, roomKey)

	if err := h.store.AddParticipant(ctx, p.RoomID, userID); err != nil {
		h.logger.Warn().Err(err).Str("room", roomKey).Str("user_id", userID).Msg("failed to record participant")
	}

	n, err := h.backfill(ctx, connID, userID, p.RoomID)
	if err != nil {
		return nil, err
	}

	h.sendTo(connID, models.EventJoined, models.JoinedPayload{RoomID: p.RoomID, Backfilled: n})
	return &JoinResult{Room: p.RoomID, Backfilled: n}, nil
}

func (h *Hub) backfill(ctx context.Context, connID, userID string, room models.RoomRef) (int, error) {
	pending, err := h.store.FindUndelivered(ctx, room, userID)
	if err != nil {
		h.logger.Error().Err(err).Str("room", room.Key()).Msg("backfill query failed")
		return 0, fmt.Errorf("%w: backfill: %v", ErrPersistence, err)
	}

	s, ok := h.registry.Session(connID)
	for i := range pending {
		msg := &pending[i]
		if msg.Sender == nil {
			msg.Sender = h.senderDisplay(ctx, msg.SenderID)
		}

		if ok {
			if frame, encoded := h.encode(models.EventMessageReceived, msg); encoded {
				s.Send(frame)
			}
		}

		if err := h.store.UpdateStatus(ctx, msg.ID, models.StatusDelivered); err != nil {
			h.logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to mark backfilled message delivered")
			continue
		}
		metrics.MessagesDelivered.WithLabelValues("backfill").Inc()

		h.emitUser(msg.SenderID, "", models.EventMessageDelivered, models.DeliveredPayload{
			MessageID:   msg.ID,
			DeliveredTo: userID,
		})
	}
	return len(pending), nil
}
