package presence

import (
	"context"
	"sync"
)

// LocalStore keeps presence for this process only.
type LocalStore struct {
	mu     sync.RWMutex
	online map[string]map[string]struct{} // user -> conn ids
	conns  map[string]string              // conn id -> user
}

// NewLocalStore creates an empty process-local store.
func NewLocalStore() *LocalStore {
	return &LocalStore{
		online: make(map[string]map[string]struct{}),
		conns:  make(map[string]string),
	}
}

func (s *LocalStore) Register(ctx context.Context, userID, connID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.conns[connID]; ok && prev != userID {
		s.removeLocked(connID)
	}
	set, ok := s.online[userID]
	if !ok {
		set = make(map[string]struct{})
		s.online[userID] = set
	}
	set[connID] = struct{}{}
	s.conns[connID] = userID
	return int64(len(set)), nil
}

func (s *LocalStore) Unregister(ctx context.Context, connID string) (*Departure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removeLocked(connID), nil
}

func (s *LocalStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.online[userID]) > 0, nil
}

func (s *LocalStore) Mode() Mode { return ModeLocal }

// has reports whether connID is registered locally.
func (s *LocalStore) has(connID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.conns[connID]
	return ok
}

func (s *LocalStore) removeLocked(connID string) *Departure {
	userID, ok := s.conns[connID]
	if !ok {
		return nil
	}
	delete(s.conns, connID)

	set := s.online[userID]
	delete(set, connID)
	remaining := len(set)
	if remaining == 0 {
		delete(s.online, userID)
	}
	return &Departure{UserID: userID, Remaining: int64(remaining)}
}
