package realtime

import "sync"

// Session is one live connection owned by this process.
type Session interface {
	ID() string
	// Send queues an encoded frame. It returns false when the session is
	// closed or cannot keep up.
	Send(frame []byte) bool
	Close()
}

type connEntry struct {
	session Session
	userID  string
	rooms   map[string]struct{}
}

// Registry maps live connections on this process to their user and the rooms
// they joined. Cross-process members are only reachable through the backplane.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*connEntry
	byUser map[string]map[string]struct{}
	byRoom map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*connEntry),
		byUser: make(map[string]map[string]struct{}),
		byRoom: make(map[string]map[string]struct{}),
	}
}

// Add registers a session, optionally bound to userID.
func (r *Registry) Add(s Session, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := s.ID()
	r.byID[id] = &connEntry{session: s, userID: userID, rooms: make(map[string]struct{})}
	if userID != "" {
		addIndex(r.byUser, userID, id)
	}
}

// Bind attaches userID to an anonymous connection. It reports false if the
// connection is unknown or already bound to another user.
func (r *Registry) Bind(connID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[connID]
	if !ok {
		return false
	}
	if e.userID != "" {
		return e.userID == userID
	}
	e.userID = userID
	addIndex(r.byUser, userID, connID)
	return true
}

// Join adds the connection to a room. Joining twice is a no-op; the result
// reports whether the membership is new.
func (r *Registry) Join(connID, roomKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[connID]
	if !ok {
		return false
	}
	if _, joined := e.rooms[roomKey]; joined {
		return false
	}
	e.rooms[roomKey] = struct{}{}
	addIndex(r.byRoom, roomKey, connID)
	return true
}

// Remove forgets a connection and returns the user it was bound to.
func (r *Registry) Remove(connID string) (userID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[connID]
	if !ok {
		return "", false
	}
	delete(r.byID, connID)
	if e.userID != "" {
		removeIndex(r.byUser, e.userID, connID)
	}
	for room := range e.rooms {
		removeIndex(r.byRoom, room, connID)
	}
	return e.userID, true
}

func (r *Registry) Session(connID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[connID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// UserOf returns the user bound to connID, or "" for anonymous connections.
func (r *Registry) UserOf(connID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.byID[connID]; ok {
		return e.userID
	}
	return ""
}

func (r *Registry) InRoom(connID, roomKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[connID]
	if !ok {
		return false
	}
	_, joined := e.rooms[roomKey]
	return joined
}

func (r *Registry) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.rooms))
	for room := range e.rooms {
		out = append(out, room)
	}
	return out
}

// MembersOf returns the local sessions joined to a room.
func (r *Registry) MembersOf(roomKey string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sessionsLocked(r.byRoom[roomKey], "")
}

// UserSessions returns the local sessions of userID, skipping those joined to
// exceptRoom when it is set.
func (r *Registry) UserSessions(userID, exceptRoom string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sessionsLocked(r.byUser[userID], exceptRoom)
}

func (r *Registry) All() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.session)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRoom)
}

func (r *Registry) sessionsLocked(ids map[string]struct{}, exceptRoom string) []Session {
	if len(ids) == 0 {
		return nil
	}
	out := make([]Session, 0, len(ids))
	for id := range ids {
		e, ok := r.byID[id]
		if !ok {
			continue
		}
		if exceptRoom != "" {
			if _, joined := e.rooms[exceptRoom]; joined {
				continue
			}
		}
		out = append(out, e.session)
	}
	return out
}

func addIndex(index map[string]map[string]struct{}, key, connID string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[connID] = struct{}{}
}

func removeIndex(index map[string]map[string]struct{}, key, connID string) {
	if set, ok := index[key]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}
