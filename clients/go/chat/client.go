// Package chat is the client side of chatrelay: optimistic sends, an
// outgoing queue that survives restarts, and reconciliation of local
// messages with their server-confirmed counterparts.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eldtechnologies/chatrelay/internal/ids"
	"github.com/eldtechnologies/chatrelay/internal/models"
)

// ErrDisconnected is returned by a transport that has no live connection.
var ErrDisconnected = errors.New("transport disconnected")

// codeRateLimited is the server error code for sends refused by the socket
// throttle. Such sends are queued again instead of failing.
const codeRateLimited = "rate_limited"

// Status is the client-side state of a rendered message.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Entry is one rendered message. ServerID is empty until the server confirms it.
type Entry struct {
	LocalID    string         `json:"localId,omitempty"`
	ServerID   string         `json:"id,omitempty"`
	RoomID     models.RoomRef `json:"roomId"`
	Sender     string         `json:"sender"`
	SenderName string         `json:"senderName,omitempty"`
	Content    string         `json:"content"`
	ReplyTo    string         `json:"replyTo,omitempty"`
	Type       string         `json:"type"`
	Status     Status         `json:"status"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Transport carries envelopes to the server.
type Transport interface {
	Emit(env models.Envelope) error
	Connected() bool
}

// Client holds the message list for one user and reconciles it with the server.
type Client struct {
	userID    string
	transport Transport
	queue     *Queue

	flushMu sync.Mutex

	mu       sync.Mutex
	messages []Entry
	rooms    []models.RoomRef
	onChange func()
}

// NewClient builds a client for userID. Queued sends restored from store are
// rendered with status queued.
func NewClient(userID string, transport Transport, store QueueStore) (*Client, error) {
	queue, err := NewQueue(store)
	if err != nil {
		return nil, fmt.Errorf("restore outgoing queue: %w", err)
	}

	c := &Client{
		userID:    userID,
		transport: transport,
		queue:     queue,
	}
	for _, item := range queue.Items() {
		c.messages = append(c.messages, entryFromPayload(item, StatusQueued))
	}
	return c, nil
}

// OnChange registers a callback fired after the message list changes.
func (c *Client) OnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Messages returns a snapshot of the rendered messages in display order.
func (c *Client) Messages() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, len(c.messages))
	copy(out, c.messages)
	return out
}

// Pending returns the number of sends waiting for a connection.
func (c *Client) Pending() int {
	return c.queue.Len()
}

// Join remembers room for resumption and joins it now if connected.
func (c *Client) Join(room models.RoomRef) error {
	c.mu.Lock()
	known := false
	for _, r := range c.rooms {
		if r == room {
			known = true
			break
		}
	}
	if !known {
		c.rooms = append(c.rooms, room)
	}
	c.mu.Unlock()

	if !c.transport.Connected() {
		return nil
	}
	return c.emit(models.EventJoinRoom, models.JoinRoomPayload{RoomID: room, UserID: c.userID})
}

// Send composes a message. It is emitted immediately when connected and
// queued otherwise; either way it is rendered at once.
func (c *Client) Send(room models.RoomRef, content, replyTo string) (Entry, error) {
	if strings.TrimSpace(content) == "" {
		return Entry{}, errors.New("content is required")
	}
	if len(content) > models.MaxContentLength {
		return Entry{}, fmt.Errorf("content exceeds %d bytes", models.MaxContentLength)
	}
	if _, err := models.ParseRoomRef(room.Key()); err != nil {
		return Entry{}, err
	}

	payload := models.SendMessagePayload{
		RoomID:  room,
		Sender:  c.userID,
		Content: content,
		ReplyTo: replyTo,
		Type:    models.DefaultMessageType,
		LocalID: ids.NewLocalID(),
	}

	status := StatusQueued
	if c.transport.Connected() {
		if err := c.emit(models.EventSendMessage, payload); err == nil {
			status = StatusSent
		}
	}
	if status == StatusQueued {
		if err := c.queue.Push(payload); err != nil {
			return Entry{}, fmt.Errorf("queue message: %w", err)
		}
	}

	entry := entryFromPayload(payload, status)
	c.update(func() { c.messages = append(c.messages, entry) })
	return entry, nil
}

// Resume runs after the transport (re)connects: rejoins remembered rooms so
// backfill is replayed, then flushes the outgoing queue.
func (c *Client) Resume() (int, error) {
	c.mu.Lock()
	rooms := append([]models.RoomRef(nil), c.rooms...)
	c.mu.Unlock()

	for _, room := range rooms {
		if err := c.emit(models.EventJoinRoom, models.JoinRoomPayload{RoomID: room, UserID: c.userID}); err != nil {
			return 0, err
		}
	}
	return c.Flush()
}

// Flush emits queued sends in FIFO order. If an emit fails, the unsent
// remainder goes back to the head of the queue and waits for the next
// reconnect; the sent prefix is not resubmitted.
func (c *Client) Flush() (int, error) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	items, err := c.queue.Drain()
	if err != nil {
		return 0, fmt.Errorf("drain outgoing queue: %w", err)
	}

	for i, item := range items {
		if err := c.emit(models.EventSendMessage, item); err != nil {
			if qerr := c.queue.Requeue(items[i:]); qerr != nil {
				return i, errors.Join(err, qerr)
			}
			return i, err
		}
		c.setStatusByLocalID(item.LocalID, StatusSent)
	}
	return len(items), nil
}

// Receive applies one envelope from the server.
func (c *Client) Receive(env models.Envelope) error {
	switch env.Event {
	case models.EventMessageReceived:
		var msg models.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return fmt.Errorf("decode %s: %w", env.Event, err)
		}
		c.merge(msg)

	case models.EventMessageDelivered:
		var ack models.DeliveredPayload
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			return fmt.Errorf("decode %s: %w", env.Event, err)
		}
		c.update(func() {
			if i := c.indexByServerID(ack.MessageID); i >= 0 {
				c.messages[i].Status = StatusDelivered
			}
		})

	case models.EventError:
		var e models.ErrorPayload
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if e.LocalID == "" {
			return fmt.Errorf("server error %s: %s", e.Code, e.Message)
		}
		if e.Code == codeRateLimited {
			return c.requeue(e.LocalID)
		}
		c.update(func() {
			if i := c.indexByLocalID(e.LocalID); i >= 0 && c.messages[i].ServerID == "" {
				c.messages[i].Status = StatusFailed
				c.messages[i].Error = e.Message
			}
		})
	}
	return nil
}

// merge reconciles a server-confirmed message. A matching local id replaces
// the local entry in place; otherwise the message is appended unless its
// server id is already rendered.
func (c *Client) merge(msg models.Message) {
	c.update(func() {
		if msg.LocalID != "" {
			if i := c.indexByLocalID(msg.LocalID); i >= 0 {
				status := StatusSent
				if c.messages[i].Status == StatusDelivered || msg.Status == models.StatusDelivered {
					status = StatusDelivered
				}
				c.messages[i] = entryFromMessage(msg, status)
				return
			}
		}
		if c.indexByServerID(msg.ID) >= 0 {
			return
		}
		c.messages = append(c.messages, entryFromMessage(msg, Status(msg.Status)))
	})
}

// requeue puts an unconfirmed send back on the outgoing queue; it goes out
// with the next Flush or Resume.
func (c *Client) requeue(localID string) error {
	c.mu.Lock()
	i := c.indexByLocalID(localID)
	if i < 0 || c.messages[i].ServerID != "" || c.messages[i].Status == StatusQueued {
		c.mu.Unlock()
		return nil
	}
	e := c.messages[i]
	c.mu.Unlock()

	err := c.queue.Push(models.SendMessagePayload{
		RoomID:  e.RoomID,
		Sender:  e.Sender,
		Content: e.Content,
		ReplyTo: e.ReplyTo,
		Type:    e.Type,
		LocalID: e.LocalID,
	})
	c.update(func() {
		i := c.indexByLocalID(localID)
		if i < 0 || c.messages[i].ServerID != "" {
			return
		}
		if err != nil {
			c.messages[i].Status = StatusFailed
			c.messages[i].Error = err.Error()
			return
		}
		c.messages[i].Status = StatusQueued
		c.messages[i].Error = ""
	})
	if err != nil {
		return fmt.Errorf("requeue %s: %w", localID, err)
	}
	return nil
}

func (c *Client) emit(event string, data interface{}) error {
	env, err := models.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	return c.transport.Emit(env)
}

func (c *Client) setStatusByLocalID(localID string, status Status) {
	c.update(func() {
		if i := c.indexByLocalID(localID); i >= 0 && c.messages[i].Status == StatusQueued {
			c.messages[i].Status = status
		}
	})
}

// update applies fn under the lock and then notifies the change callback.
func (c *Client) update(fn func()) {
	c.mu.Lock()
	fn()
	notify := c.onChange
	c.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Callers hold c.mu.
func (c *Client) indexByLocalID(localID string) int {
	for i := range c.messages {
		if c.messages[i].LocalID == localID {
			return i
		}
	}
	return -1
}

// Callers hold c.mu.
func (c *Client) indexByServerID(id string) int {
	if id == "" {
		return -1
	}
	for i := range c.messages {
		if c.messages[i].ServerID == id {
			return i
		}
	}
	return -1
}

func entryFromPayload(p models.SendMessagePayload, status Status) Entry {
	return Entry{
		LocalID:   p.LocalID,
		RoomID:    p.RoomID,
		Sender:    p.Sender,
		Content:   p.Content,
		ReplyTo:   p.ReplyTo,
		Type:      p.Type,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}

func entryFromMessage(m models.Message, status Status) Entry {
	e := Entry{
		LocalID:   m.LocalID,
		ServerID:  m.ID,
		RoomID:    m.RoomID,
		Sender:    m.SenderID,
		Content:   m.Content,
		ReplyTo:   m.ReplyTo,
		Type:      m.Type,
		Status:    status,
		CreatedAt: m.CreatedAt,
	}
	if m.Sender != nil {
		e.SenderName = m.Sender.Name
	}
	if e.Status == "" {
		e.Status = StatusSent
	}
	return e
}
