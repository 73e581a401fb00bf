package chat

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

// QueueStore persists the outgoing queue between process runs.
type QueueStore interface {
	Load() ([]models.SendMessagePayload, error)
	Save(items []models.SendMessagePayload) error
}

// FileQueueStore keeps the queue as a JSON document on disk.
type FileQueueStore struct {
	Path string
}

// NewFileQueueStore stores the queue under dir/outbox.json.
func NewFileQueueStore(dir string) *FileQueueStore {
	return &FileQueueStore{Path: filepath.Join(dir, "outbox.json")}
}

// Load returns the persisted queue, or nothing if it was never saved.
func (s *FileQueueStore) Load() ([]models.SendMessagePayload, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var items []models.SendMessagePayload
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Save replaces the persisted queue.
func (s *FileQueueStore) Save(items []models.SendMessagePayload) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0700); err != nil {
		return err
	}
	if items == nil {
		items = []models.SendMessagePayload{}
	}

	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

// Queue is the FIFO of sends that have not reached the transport yet.
type Queue struct {
	mu    sync.Mutex
	items []models.SendMessagePayload
	store QueueStore
}

// NewQueue restores the queue from store. A nil store keeps it in memory only.
func NewQueue(store QueueStore) (*Queue, error) {
	q := &Queue{store: store}
	if store == nil {
		return q, nil
	}
	items, err := store.Load()
	if err != nil {
		return nil, err
	}
	q.items = items
	return q, nil
}

// Push appends a send to the tail. Nothing is queued if it cannot be persisted.
func (q *Queue) Push(item models.SendMessagePayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = append(q.items, item)
	if err := q.persist(); err != nil {
		q.items = q.items[:n]
		return err
	}
	return nil
}

// Drain removes and returns every queued send in order. When the empty queue
// cannot be persisted the items stay queued and nothing is returned.
func (q *Queue) Drain() ([]models.SendMessagePayload, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.store != nil {
		if err := q.store.Save(nil); err != nil {
			return nil, err
		}
	}
	items := q.items
	q.items = nil
	return items, nil
}

// Requeue puts items back at the head, ahead of anything pushed since the drain.
func (q *Queue) Requeue(items []models.SendMessagePayload) error {
	if len(items) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]models.SendMessagePayload, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	q.items = append(merged, q.items...)
	return q.persist()
}

// Items returns a copy of the queue contents.
func (q *Queue) Items() []models.SendMessagePayload {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.SendMessagePayload, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) persist() error {
	if q.store == nil {
		return nil
	}
	return q.store.Save(q.items)
}
