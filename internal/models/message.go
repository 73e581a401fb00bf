package models

import "time"

// Status is the delivery status of a persisted message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
)

// DefaultMessageType is applied when a send carries no type tag.
const DefaultMessageType = "text"

// MaxContentLength bounds message content in bytes.
const MaxContentLength = 4096

// Message represents a chat message persisted in the message store.
type Message struct {
	ID        string    `json:"id"` // ULID
	RoomID    RoomRef   `json:"roomId"`
	SenderID  string    `json:"senderId"`
	Sender    *User     `json:"sender,omitempty"` // Resolved display attributes
	Content   string    `json:"content"`
	ReplyTo   string    `json:"replyTo,omitempty"`
	Type      string    `json:"type"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`

	// LocalID echoes the client-generated id of the originating send. Never persisted.
	LocalID string `json:"localId,omitempty"`
}
