package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

// MemoryStore is a process-local DataStore for development and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	messages     map[string]*models.Message
	participants map[string][]string
	users        map[string]models.User
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:     make(map[string]*models.Message),
		participants: make(map[string][]string),
		users:        make(map[string]models.User),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *msg
	stored.Sender = nil
	stored.LocalID = ""
	s.messages[msg.ID] = &stored
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	out := s.projectLocked(msg)
	return &out, nil
}

func (s *MemoryStore) FindUndelivered(ctx context.Context, room models.RoomRef, excludeSender string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Message
	for _, msg := range s.messages {
		if msg.RoomID.Key() != room.Key() || msg.Status == models.StatusDelivered || msg.SenderID == excludeSender {
			continue
		}
		out = append(out, s.projectLocked(msg))
	}
	sortAscending(out)
	return out, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg, ok := s.messages[id]; ok {
		msg.Status = status
	}
	return nil
}

func (s *MemoryStore) ListRoomMessages(ctx context.Context, room models.RoomRef, limit int, before time.Time) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Message
	for _, msg := range s.messages {
		if msg.RoomID.Key() != room.Key() {
			continue
		}
		if !before.IsZero() && !msg.CreatedAt.Before(before) {
			continue
		}
		out = append(out, s.projectLocked(msg))
	}
	sortAscending(out)
	// newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Participants(ctx context.Context, room models.RoomRef) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]string(nil), s.participants[room.Key()]...), nil
}

func (s *MemoryStore) AddParticipant(ctx context.Context, room models.RoomRef, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := room.Key()
	for _, id := range s.participants[key] {
		if id == userID {
			return nil
		}
	}
	s.participants[key] = append(s.participants[key], userID)
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *MemoryStore) UpsertUser(ctx context.Context, user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) projectLocked(msg *models.Message) models.Message {
	out := *msg
	var name *string
	if u, ok := s.users[msg.SenderID]; ok {
		name = &u.Name
	}
	out.Sender = senderOf(msg.SenderID, name)
	return out
}

func sortAscending(msgs []models.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
