// Package ids generates identifiers for connections and messages.
package ids

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewConnID generates a time-ordered connection identifier (UUID v7).
func NewConnID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewMessageID generates a lexically sortable message identifier.
// ULIDs created by one process in the same millisecond remain ordered.
func NewMessageID() string {
	return ulid.Make().String()
}

// NewLocalID generates a client-side identifier for an unconfirmed message.
func NewLocalID() string {
	return "l_" + ulid.Make().String()
}
