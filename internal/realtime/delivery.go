package realtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eldtechnologies/chatrelay/internal/backplane"
	"github.com/eldtechnologies/chatrelay/internal/ids"
	"github.com/eldtechnologies/chatrelay/internal/metrics"
	"github.com/eldtechnologies/chatrelay/internal/models"
)

// Origin identifies where a send came from. ConnID is empty for sends made
// over HTTP.
type Origin struct {
	ConnID string
	UserID string
}

// DeliveryResult summarises one send.
type DeliveryResult struct {
	Message     *models.Message
	DeliveredTo []string
}

// Delivered reports whether at least one participant was online.
func (r *DeliveryResult) Delivered() bool {
	return len(r.DeliveredTo) > 0
}

// Send validates, persists and fans out a message.
//
// The message is broadcast to the room on every process. Each other
// participant that is online receives a direct copy on connections not joined
// to the room, and the sender gets an acknowledgment per participant. If any
// participant was online the stored status becomes delivered and the sender
// gets an aggregate acknowledgment.
func (h *Hub) Send(ctx context.Context, origin Origin, p models.SendMessagePayload) (*DeliveryResult, error) {
	msg, err := h.validate(origin, p)
	if err != nil {
		metrics.SendFailures.WithLabelValues("validation").Inc()
		return nil, err
	}

	if err := h.store.CreateMessage(ctx, msg); err != nil {
		metrics.SendFailures.WithLabelValues("persistence").Inc()
		h.logger.Error().Err(err).Str("room", msg.RoomID.Key()).Str("sender", msg.SenderID).Msg("failed to persist message")
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	metrics.MessagesSent.WithLabelValues(msg.RoomID.Kind().String()).Inc()

	msg.Sender = h.senderDisplay(ctx, msg.SenderID)
	msg.LocalID = p.LocalID
	roomKey := msg.RoomID.Key()

	frame, ok := h.encode(models.EventMessageReceived, msg)
	if !ok {
		return &DeliveryResult{Message: msg}, nil
	}
	h.emitFrame(backplane.Envelope{Scope: backplane.ScopeRoom, Room: roomKey}, frame)

	// The sender's own connection gets its echo even without joining the room.
	if origin.ConnID != "" && !h.registry.InRoom(origin.ConnID, roomKey) {
		if s, ok := h.registry.Session(origin.ConnID); ok {
			s.Send(frame)
		}
	}

	result := &DeliveryResult{Message: msg}
	for _, pid := range h.participants(ctx, msg) {
		online, err := h.presence.IsOnline(ctx, pid)
		if err != nil {
			h.logger.Warn().Err(err).Str("user_id", pid).Msg("presence lookup failed; treating as offline")
			continue
		}
		if !online {
			continue
		}
		h.emitFrame(backplane.Envelope{Scope: backplane.ScopeUser, User: pid, ExceptRoom: roomKey}, frame)
		h.emitUser(msg.SenderID, "", models.EventMessageDelivered, models.DeliveredPayload{
			MessageID:   msg.ID,
			DeliveredTo: pid,
		})
		result.DeliveredTo = append(result.DeliveredTo, pid)
	}

	if result.Delivered() {
		if err := h.store.UpdateStatus(ctx, msg.ID, models.StatusDelivered); err != nil {
			h.logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to mark message delivered")
		} else {
			msg.Status = models.StatusDelivered
			metrics.MessagesDelivered.WithLabelValues("direct").Inc()
		}
		h.emitUser(msg.SenderID, "", models.EventMessageDelivered, models.DeliveredPayload{
			MessageID:   msg.ID,
			DeliveredTo: models.DeliveredToMultiple,
		})
	}

	return result, nil
}

func (h *Hub) validate(origin Origin, p models.SendMessagePayload) (*models.Message, error) {
	if origin.UserID == "" {
		return nil, fmt.Errorf("%w: identify before sending", ErrNotIdentified)
	}
	if p.RoomID.IsZero() {
		return nil, fmt.Errorf("%w: roomId required", ErrValidation)
	}
	sender := p.Sender
	if sender == "" {
		sender = origin.UserID
	}
	if sender != origin.UserID {
		return nil, fmt.Errorf("%w: sender does not match identity", ErrValidation)
	}
	if strings.TrimSpace(p.Content) == "" {
		return nil, fmt.Errorf("%w: content required", ErrValidation)
	}
	if len(p.Content) > models.MaxContentLength {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", ErrValidation, models.MaxContentLength)
	}
	msgType := p.Type
	if msgType == "" {
		msgType = models.DefaultMessageType
	}

	return &models.Message{
		ID:        ids.NewMessageID(),
		RoomID:    p.RoomID,
		SenderID:  sender,
		Content:   p.Content,
		ReplyTo:   p.ReplyTo,
		Type:      msgType,
		Status:    models.StatusSent,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// participants returns the room's participants other than the sender.
func (h *Hub) participants(ctx context.Context, msg *models.Message) []string {
	all, err := h.store.Participants(ctx, msg.RoomID)
	if err != nil {
		h.logger.Warn().Err(err).Str("room", msg.RoomID.Key()).Msg("participant lookup failed")
		return nil
	}
	out := make([]string, 0, len(all))
	for _, pid := range all {
		if pid != msg.SenderID {
			out = append(out, pid)
		}
	}
	return out
}

// senderDisplay resolves display attributes, falling back to the id.
func (h *Hub) senderDisplay(ctx context.Context, userID string) *models.User {
	u, err := h.store.GetUser(ctx, userID)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("sender lookup failed")
	}
	if u == nil || u.Name == "" {
		return &models.User{ID: userID, Name: userID}
	}
	return u
}
