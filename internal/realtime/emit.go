package realtime

import (
	"encoding/json"

	"github.com/eldtechnologies/chatrelay/internal/backplane"
	"github.com/eldtechnologies/chatrelay/internal/models"
)

// encode builds an outbound frame.
func (h *Hub) encode(event string, data interface{}) ([]byte, bool) {
	env, err := models.NewEnvelope(event, data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return nil, false
	}
	frame, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode frame")
		return nil, false
	}
	return frame, true
}

// sendTo delivers an event to a single local connection.
func (h *Hub) sendTo(connID, event string, data interface{}) {
	s, ok := h.registry.Session(connID)
	if !ok {
		return
	}
	if frame, ok := h.encode(event, data); ok {
		s.Send(frame)
	}
}

// emitUser delivers to every connection of userID on any process, skipping
// connections already joined to exceptRoom.
func (h *Hub) emitUser(userID, exceptRoom, event string, data interface{}) {
	h.emit(backplane.Envelope{Scope: backplane.ScopeUser, User: userID, ExceptRoom: exceptRoom}, event, data)
}

// emitAll delivers to every connection on every process.
func (h *Hub) emitAll(event string, data interface{}) {
	h.emit(backplane.Envelope{Scope: backplane.ScopeAll}, event, data)
}

// emit delivers locally first, then relays to other processes. Local
// connections are never reached through the backplane.
func (h *Hub) emit(env backplane.Envelope, event string, data interface{}) {
	if frame, ok := h.encode(event, data); ok {
		h.emitFrame(env, frame)
	}
}

// emitFrame is emit for an already encoded frame.
func (h *Hub) emitFrame(env backplane.Envelope, frame []byte) {
	env.NodeID = h.nodeID
	env.Payload = frame

	h.deliverLocal(env)

	if err := h.bus.Publish(h.ctx, env); err != nil {
		h.logger.Debug().Err(err).Str("scope", string(env.Scope)).Msg("backplane publish failed")
	}
}

func (h *Hub) handleEnvelope(env backplane.Envelope) {
	if env.NodeID == h.nodeID {
		return
	}
	h.deliverLocal(env)
}

func (h *Hub) deliverLocal(env backplane.Envelope) {
	var targets []Session
	switch env.Scope {
	case backplane.ScopeRoom:
		targets = h.registry.MembersOf(env.Room)
	case backplane.ScopeUser:
		targets = h.registry.UserSessions(env.User, env.ExceptRoom)
	case backplane.ScopeAll:
		targets = h.registry.All()
	default:
		h.logger.Warn().Str("scope", string(env.Scope)).Msg("dropping envelope with unknown scope")
		return
	}

	for _, s := range targets {
		s.Send(env.Payload)
	}
}
