package ws

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/auth"
	"github.com/eldtechnologies/chatrelay/internal/ids"
	"github.com/eldtechnologies/chatrelay/internal/realtime"
)

// Options tunes the socket transport.
type Options struct {
	SendBuffer     int
	MaxMessageSize int64
	// AllowedOrigins lists origins allowed to open sockets. "*" allows all.
	AllowedOrigins []string
	// RateBurst events per RateInterval are handled per socket. Frames over
	// the budget are delayed up to RateMaxWait, then rejected.
	RateBurst      int
	RateInterval   time.Duration
	RateMaxWait    time.Duration
}

func (o *Options) defaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 20
	}
	if o.RateInterval <= 0 {
		o.RateInterval = time.Second
	}
	if o.RateMaxWait <= 0 {
		o.RateMaxWait = 2 * time.Second
	}
}

// Handler upgrades HTTP requests to hub sessions.
type Handler struct {
	hub      *realtime.Hub
	verifier auth.Verifier
	opts     Options
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *realtime.Hub, verifier auth.Verifier, opts Options, logger zerolog.Logger) *Handler {
	opts.defaults()
	h := &Handler{
		hub:      hub,
		verifier: verifier,
		opts:     opts,
		logger:   logger.With().Str("component", "ws").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// ServeHTTP verifies the identity token once. A missing or invalid token
// leaves the connection anonymous rather than refusing it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var userID string
	if token := auth.TokenFromRequest(r); token != "" && h.verifier != nil {
		id, err := h.verifier.Verify(token)
		if err != nil {
			h.logger.Debug().Err(err).Msg("token rejected; connection stays anonymous")
		} else {
			userID = id
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	client := newClient(ids.NewConnID(), conn, h.hub, h.opts, h.logger)
	h.hub.Connect(client, userID)

	go client.writePump()
	go client.readPump()
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients do not send an origin.
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	normalized := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)

	for _, allowed := range h.opts.AllowedOrigins {
		allowed = strings.TrimRight(strings.ToLower(strings.TrimSpace(allowed)), "/")
		if allowed == "*" || allowed == normalized {
			return true
		}
	}
	// Same-origin requests are always allowed.
	return strings.EqualFold(parsed.Host, r.Host)
}
