package chat

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

const writeWait = 10 * time.Second

// WSTransport is a Transport over a single gorilla/websocket connection.
type WSTransport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	mu        sync.Mutex // serializes writes and guards conn
	conn      *websocket.Conn
	connected atomic.Bool
}

// NewWSTransport targets the /ws endpoint of baseURL (http or https).
func NewWSTransport(baseURL, token string) *WSTransport {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	return &WSTransport{
		url:    u + "/ws",
		header: header,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
	}
}

// URL returns the socket endpoint.
func (t *WSTransport) URL() string {
	return t.url
}

// Dial opens a new connection, replacing any previous one.
func (t *WSTransport) Dial(ctx context.Context) error {
	conn, _, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.connected.Store(true)
	t.mu.Unlock()
	return nil
}

func (t *WSTransport) Connected() bool {
	return t.connected.Load()
}

// Emit writes one envelope as a JSON frame.
func (t *WSTransport) Emit(env models.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || !t.connected.Load() {
		return ErrDisconnected
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteJSON(env); err != nil {
		t.connected.Store(false)
		return err
	}
	return nil
}

// Listen reads envelopes until the connection fails and hands each to fn.
// Server pings are answered by the default ping handler.
func (t *WSTransport) Listen(fn func(models.Envelope)) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.connected.Store(false)
			return err
		}
		fn(env)
	}
}

// Close shuts the current connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected.Store(false)
	if t.conn == nil {
		return nil
	}
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	err := t.conn.Close()
	t.conn = nil
	return err
}

// Run keeps c connected through t until ctx is done. After every successful
// dial the client resumes: rooms are rejoined and the outgoing queue flushed.
func Run(ctx context.Context, c *Client, t *WSTransport, logger zerolog.Logger) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	go func() {
		<-ctx.Done()
		t.Close()
	}()

	for {
		if err := t.Dial(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn().Err(err).Dur("retry_in", backoff).Msg("connect failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		logger.Info().Str("url", t.url).Msg("connected")

		sent, err := c.Resume()
		if err != nil {
			logger.Warn().Err(err).Int("flushed", sent).Int("pending", c.Pending()).Msg("queue flush interrupted")
		} else if sent > 0 {
			logger.Info().Int("flushed", sent).Msg("outgoing queue flushed")
		}

		err = t.Listen(func(env models.Envelope) {
			if rerr := c.Receive(env); rerr != nil {
				logger.Warn().Err(rerr).Str("event", env.Event).Msg("server event")
			}
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn().Err(err).Msg("connection lost")
	}
}
