package store

import (
	"context"
	"time"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

// DataStore defines the interface for durable storage of messages, room
// membership and user display attributes.
// PostgresStore, SQLiteStore and MemoryStore implement this interface.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Message operations
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	FindUndelivered(ctx context.Context, room models.RoomRef, excludeSender string) ([]models.Message, error)
	UpdateStatus(ctx context.Context, id string, status models.Status) error
	ListRoomMessages(ctx context.Context, room models.RoomRef, limit int, before time.Time) ([]models.Message, error)

	// Membership operations
	Participants(ctx context.Context, room models.RoomRef) ([]string, error)
	AddParticipant(ctx context.Context, room models.RoomRef, userID string) error

	// User operations
	GetUser(ctx context.Context, id string) (*models.User, error)
	UpsertUser(ctx context.Context, user models.User) error
}

// Name returns a short label for the backing implementation, used in health output.
func Name(s DataStore) string {
	switch s.(type) {
	case *PostgresStore:
		return "postgres"
	case *SQLiteStore:
		return "sqlite"
	case *MemoryStore:
		return "memory"
	default:
		return "unknown"
	}
}

// senderOf builds the display attributes for a message sender.
// Unknown users fall back to their id.
func senderOf(id string, name *string) *models.User {
	u := &models.User{ID: id, Name: id}
	if name != nil && *name != "" {
		u.Name = *name
	}
	return u
}
