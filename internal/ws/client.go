// Package ws carries hub sessions over WebSocket connections.
package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
	"github.com/eldtechnologies/chatrelay/internal/realtime"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client is one WebSocket connection registered with the hub.
type Client struct {
	id      string
	conn    *websocket.Conn
	hub     *realtime.Hub
	logger  zerolog.Logger
	limiter *rateLimiter
	maxWait time.Duration

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(id string, conn *websocket.Conn, hub *realtime.Hub, opts Options, logger zerolog.Logger) *Client {
	conn.SetReadLimit(opts.MaxMessageSize)
	return &Client{
		id:      id,
		conn:    conn,
		hub:     hub,
		logger:  logger.With().Str("conn_id", id).Logger(),
		limiter: newRateLimiter(opts.RateBurst, opts.RateInterval),
		maxWait: opts.RateMaxWait,
		send:    make(chan []byte, opts.SendBuffer),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues a frame for the write pump. A client whose buffer is full is
// too slow to keep up and gets disconnected.
func (c *Client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn().Msg("send buffer full; dropping slow client")
		c.closeLocked()
		return false
	}
}

// Close stops the write pump, which sends a close frame and drops the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump feeds inbound frames to the hub one at a time, so events from one
// connection are handled in order.
func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c.id)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		wait, ok := c.limiter.reserve(c.maxWait)
		if !ok {
			metrics.RateLimitHits.WithLabelValues("socket").Inc()
			c.logger.Debug().Msg("socket rate limit exceeded; rejecting frame")
			c.hub.Reject(c.id, frame, realtime.ErrRateLimited)
			continue
		}
		if wait > 0 {
			metrics.RateLimitHits.WithLabelValues("socket_throttled").Inc()
			time.Sleep(wait)
		}

		c.hub.HandleEvent(c.id, frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn().Msg("frame exceeded maximum size")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.logger.Debug().Msg("client disconnected")
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.logger.Debug().Msg("connection closed")
	default:
		c.logger.Debug().Err(err).Msg("read error")
	}
}
