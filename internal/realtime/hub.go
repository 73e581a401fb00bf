// Package realtime is the delivery and presence core: it tracks live
// connections, fans messages out to room members and online participants,
// replays undelivered messages on join, and relays emissions to other
// processes through the backplane.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/backplane"
	"github.com/eldtechnologies/chatrelay/internal/metrics"
	"github.com/eldtechnologies/chatrelay/internal/models"
	"github.com/eldtechnologies/chatrelay/internal/presence"
	"github.com/eldtechnologies/chatrelay/internal/store"
)

var (
	ErrValidation    = errors.New("validation failed")
	ErrPersistence   = errors.New("persistence failed")
	ErrNotIdentified = errors.New("connection not identified")
	ErrRateLimited   = errors.New("rate limit exceeded")
)

// Error codes carried by the outbound error event.
const (
	CodeValidation    = "validation"
	CodePersistence   = "persistence"
	CodeNotIdentified = "not_identified"
	CodeBadEvent      = "bad_event"
	CodeRateLimited   = "rate_limited"
)

// Config wires the hub to its collaborators.
type Config struct {
	NodeID    string
	Store     store.DataStore
	Presence  presence.Store
	Backplane backplane.Backplane
	Logger    zerolog.Logger

	// AllowIdentify lets anonymous connections bind a user id with the
	// identify event or a joinRoom userId.
	AllowIdentify bool
}

// Hub owns the connections of this process.
type Hub struct {
	nodeID        string
	registry      *Registry
	store         store.DataStore
	presence      presence.Store
	bus           backplane.Backplane
	logger        zerolog.Logger
	allowIdentify bool

	// ctx outlives any single connection so in-flight work survives disconnects.
	ctx    context.Context
	cancel context.CancelFunc
	tasks  *taskGroup

	// registrations holds a channel per connection that closes once its
	// presence registration finished, so unregister never overtakes it.
	regMu         sync.Mutex
	registrations map[string]chan struct{}
}

func NewHub(cfg Config) *Hub {
	logger := cfg.Logger.With().Str("component", "hub").Str("node_id", cfg.NodeID).Logger()
	bus := cfg.Backplane
	if bus == nil {
		bus = backplane.Standalone{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		nodeID:        cfg.NodeID,
		registry:      NewRegistry(),
		store:         cfg.Store,
		presence:      cfg.Presence,
		bus:           bus,
		logger:        logger,
		allowIdentify: cfg.AllowIdentify,
		ctx:           ctx,
		cancel:        cancel,
		tasks:         &taskGroup{logger: logger},
		registrations: make(map[string]chan struct{}),
	}
}

// Start subscribes to the backplane. A failed subscription leaves the hub
// serving local connections only.
func (h *Hub) Start() {
	if err := h.bus.Subscribe(h.ctx, h.handleEnvelope); err != nil {
		h.logger.Warn().Err(err).Msg("backplane subscription failed; cross-instance delivery disabled")
		metrics.BackplaneDegraded.Set(1)
	}
}

// Shutdown closes every local session, releases their presence, waits for
// background tasks and stops the backplane subscription.
func (h *Hub) Shutdown(ctx context.Context) error {
	for _, s := range h.registry.All() {
		s.Close()
		h.Disconnect(s.ID())
	}
	err := h.tasks.Wait(ctx)
	h.cancel()
	return err
}

func (h *Hub) NodeID() string { return h.nodeID }

func (h *Hub) Registry() *Registry { return h.registry }

// Connect registers a new session. userID is the verified identity, or "" for
// an anonymous connection.
func (h *Hub) Connect(s Session, userID string) {
	h.registry.Add(s, userID)
	metrics.ActiveConnections.Inc()
	h.logger.Debug().Str("conn_id", s.ID()).Str("user_id", userID).Msg("connection opened")

	if userID != "" {
		h.registerPresence(s.ID(), userID)
	}
}

// Identify late-binds userID to an open connection.
func (h *Hub) Identify(connID, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: userId required", ErrValidation)
	}

	current := h.registry.UserOf(connID)
	if current == userID {
		return nil
	}
	if current != "" {
		return fmt.Errorf("%w: connection already identified", ErrValidation)
	}
	if !h.allowIdentify {
		return fmt.Errorf("%w: identify requires a token", ErrNotIdentified)
	}
	if !h.registry.Bind(connID, userID) {
		return fmt.Errorf("%w: unknown connection", ErrValidation)
	}

	h.registerPresence(connID, userID)
	return nil
}

// Disconnect removes a session and releases its presence. In-flight work
// started by the session keeps running.
func (h *Hub) Disconnect(connID string) {
	userID, ok := h.registry.Remove(connID)
	if !ok {
		return
	}
	metrics.ActiveConnections.Dec()
	h.logger.Debug().Str("conn_id", connID).Str("user_id", userID).Msg("connection closed")

	if userID == "" {
		return
	}

	h.regMu.Lock()
	registered := h.registrations[connID]
	delete(h.registrations, connID)
	h.regMu.Unlock()

	h.tasks.Go("presence.unregister", func() error {
		if registered != nil {
			<-registered
		}
		dep, err := h.presence.Unregister(h.ctx, connID)
		if errors.Is(err, presence.ErrStoreUnavailable) {
			// The store replays the removal later; judge the departure
			// from what is still visible.
			if online, oerr := h.presence.IsOnline(h.ctx, userID); oerr == nil && !online {
				metrics.PresenceTransitions.WithLabelValues("offline").Inc()
				h.emitAll(models.EventPresenceOffline, models.PresencePayload{UserID: userID})
			}
			return err
		}
		if err != nil {
			return err
		}
		if dep != nil && dep.Remaining == 0 {
			metrics.PresenceTransitions.WithLabelValues("offline").Inc()
			h.emitAll(models.EventPresenceOffline, models.PresencePayload{UserID: dep.UserID})
		}
		return nil
	})
}

// IsOnline reports cluster presence for userID.
func (h *Hub) IsOnline(ctx context.Context, userID string) (bool, error) {
	return h.presence.IsOnline(ctx, userID)
}

// Stats describes this process.
type Stats struct {
	NodeID      string `json:"node_id"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
	Rooms       int    `json:"rooms"`
	Presence    string `json:"presence"`
	Backplane   string `json:"backplane"`
}

func (h *Hub) Stats() Stats {
	return Stats{
		NodeID:      h.nodeID,
		Connections: h.registry.Count(),
		Users:       h.registry.UserCount(),
		Rooms:       h.registry.RoomCount(),
		Presence:    string(h.presence.Mode()),
		Backplane:   h.bus.Mode(),
	}
}

// HandleEvent processes one inbound frame from connID. Callers invoke it
// sequentially per connection, which keeps per-connection event order.
func (h *Hub) HandleEvent(connID string, frame []byte) {
	var env models.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		h.replyError(connID, fmt.Errorf("malformed frame: %v", err), "")
		metrics.SocketEvents.WithLabelValues("invalid", "error").Inc()
		return
	}

	var err error
	localID := peekLocalID(env.Data)
	switch env.Event {
	case models.EventIdentify:
		var p models.IdentifyPayload
		if err = decodePayload(env.Data, &p); err == nil {
			err = h.Identify(connID, p.UserID)
		}
	case models.EventJoinRoom:
		var p models.JoinRoomPayload
		if err = decodePayload(env.Data, &p); err == nil {
			_, err = h.JoinRoom(h.ctx, connID, p)
		}
	case models.EventSendMessage:
		var p models.SendMessagePayload
		if err = decodePayload(env.Data, &p); err == nil {
			_, err = h.Send(h.ctx, Origin{ConnID: connID, UserID: h.registry.UserOf(connID)}, p)
		}
	default:
		err = fmt.Errorf("unknown event %q", env.Event)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		h.replyError(connID, err, localID)
	}
	metrics.SocketEvents.WithLabelValues(eventLabel(env.Event), outcome).Inc()
}

// Reject answers a frame the transport refused to hand to HandleEvent. The
// error event carries the frame's localId when one can be read.
func (h *Hub) Reject(connID string, frame []byte, err error) {
	var env models.Envelope
	_ = json.Unmarshal(frame, &env)
	h.replyError(connID, err, peekLocalID(env.Data))
	metrics.SocketEvents.WithLabelValues(eventLabel(env.Event), "rejected").Inc()
}

func (h *Hub) registerPresence(connID, userID string) {
	done := make(chan struct{})
	h.regMu.Lock()
	h.registrations[connID] = done
	h.regMu.Unlock()

	h.tasks.Go("presence.register", func() error {
		defer close(done)

		n, err := h.presence.Register(h.ctx, userID, connID)
		if err != nil {
			return err
		}
		if n == 1 {
			metrics.PresenceTransitions.WithLabelValues("online").Inc()
			h.emitAll(models.EventPresenceOnline, models.PresencePayload{UserID: userID})
		}
		return nil
	})
}

func (h *Hub) replyError(connID string, err error, localID string) {
	h.sendTo(connID, models.EventError, models.ErrorPayload{
		Code:    errorCode(err),
		Message: err.Error(),
		LocalID: localID,
	})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	case errors.Is(err, ErrNotIdentified):
		return CodeNotIdentified
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeBadEvent
	}
}

func decodePayload(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrValidation)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// peekLocalID reads localId without validating the rest of the payload, so
// rejections of malformed sends still reach the right optimistic entry.
func peekLocalID(data json.RawMessage) string {
	var p struct {
		LocalID json.RawMessage `json:"localId"`
	}
	if len(data) == 0 || json.Unmarshal(data, &p) != nil {
		return ""
	}
	var id string
	if json.Unmarshal(p.LocalID, &id) != nil {
		return ""
	}
	return id
}

// eventLabel keeps metric cardinality bounded.
func eventLabel(event string) string {
	switch event {
	case models.EventIdentify, models.EventJoinRoom, models.EventSendMessage:
		return event
	default:
		return "unknown"
	}
}
