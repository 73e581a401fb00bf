package models

import "encoding/json"

// Inbound socket events.
const (
	EventIdentify    = "identify"
	EventJoinRoom    = "joinRoom"
	EventSendMessage = "sendMessage"
)

// Outbound socket events.
const (
	EventPresenceOnline   = "presenceOnline"
	EventPresenceOffline  = "presenceOffline"
	EventMessageReceived  = "messageReceived"
	EventMessageDelivered = "messageDelivered"
	EventJoined           = "joined"
	EventError            = "error"
)

// DeliveredToMultiple marks the aggregate acknowledgment emitted after fan-out.
const DeliveredToMultiple = "multiple"

// Envelope is the frame exchanged over a socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes data into an envelope.
func NewEnvelope(event string, data interface{}) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// IdentifyPayload late-binds a user to an open connection.
type IdentifyPayload struct {
	UserID string `json:"userId"`
}

// JoinRoomPayload joins a room and triggers backfill.
type JoinRoomPayload struct {
	RoomID RoomRef `json:"roomId"`
	UserID string  `json:"userId,omitempty"`
}

// SendMessagePayload is the body of a sendMessage event.
type SendMessagePayload struct {
	RoomID  RoomRef `json:"roomId"`
	Sender  string  `json:"sender"`
	Content string  `json:"content"`
	ReplyTo string  `json:"replyTo,omitempty"`
	Type    string  `json:"type,omitempty"`
	LocalID string  `json:"localId,omitempty"`
}

// PresencePayload announces a presence transition.
type PresencePayload struct {
	UserID string `json:"userId"`
}

// DeliveredPayload acknowledges delivery to the original sender.
type DeliveredPayload struct {
	MessageID   string `json:"messageId"`
	DeliveredTo string `json:"deliveredTo"`
}

// JoinedPayload confirms a room join.
type JoinedPayload struct {
	RoomID     RoomRef `json:"roomId"`
	Backfilled int     `json:"backfilled"`
}

// ErrorPayload reports a failure to the originating connection.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	LocalID string `json:"localId,omitempty"`
}
