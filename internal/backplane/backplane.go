// Package backplane relays outbound events between server processes so that
// room, user and global emissions reach connections held by other instances.
package backplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
)

// ErrUnavailable marks a failed publish or subscribe against the relay.
var ErrUnavailable = errors.New("backplane unavailable")

// Channel is the Redis channel and NATS subject every process shares.
const Channel = "chatrelay.events"

// Scope selects which local connections an envelope targets.
type Scope string

const (
	ScopeRoom Scope = "room"
	ScopeUser Scope = "user"
	ScopeAll  Scope = "all"
)

// Envelope is one outbound event crossing process boundaries.
type Envelope struct {
	NodeID     string          `json:"nodeId"`
	Scope      Scope           `json:"scope"`
	Room       string          `json:"room,omitempty"`
	User       string          `json:"user,omitempty"`
	ExceptRoom string          `json:"exceptRoom,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// Handler receives envelopes published by any process, including this one.
type Handler func(Envelope)

// Backplane is the cross-instance relay.
type Backplane interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe starts delivering envelopes to h until ctx is done or Close is called.
	Subscribe(ctx context.Context, h Handler) error
	Mode() string
	Close() error
}

// Options selects and configures the relay.
type Options struct {
	// Kind is one of auto, redis, nats or none.
	Kind    string
	NATSURL string
	NodeID  string
	Redis   *redis.Client
}

// Open returns the configured relay. It never fails: an unreachable relay
// degrades to Standalone, where emissions reach local connections only.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) Backplane {
	logger = logger.With().Str("component", "backplane").Logger()

	kind := opts.Kind
	if kind == "" || kind == "auto" {
		switch {
		case opts.NATSURL != "":
			kind = "nats"
		case opts.Redis != nil:
			kind = "redis"
		default:
			kind = "none"
		}
	}

	switch kind {
	case "nats":
		if opts.NATSURL == "" {
			logger.Warn().Msg("NATS_URL not configured; running standalone")
			break
		}
		b, err := NewNATSBackplane(opts.NATSURL, opts.NodeID, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("nats unreachable; running standalone")
			break
		}
		metrics.BackplaneDegraded.Set(0)
		logger.Info().Str("url", opts.NATSURL).Msg("backplane connected to nats")
		return b
	case "redis":
		if opts.Redis == nil {
			logger.Warn().Msg("REDIS_URL not configured; running standalone")
			break
		}
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := opts.Redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("redis unreachable; running standalone")
			break
		}
		metrics.BackplaneDegraded.Set(0)
		logger.Info().Msg("backplane using redis pub/sub")
		return NewRedisBackplane(opts.Redis, logger)
	case "none":
		logger.Info().Msg("backplane disabled; running standalone")
		metrics.BackplaneDegraded.Set(0)
		return Standalone{}
	default:
		logger.Warn().Str("kind", kind).Msg("unknown backplane kind; running standalone")
	}

	metrics.BackplaneDegraded.Set(1)
	return Standalone{}
}

// Standalone is the single-process relay. Publishing is a no-op.
type Standalone struct{}

func (Standalone) Publish(ctx context.Context, env Envelope) error { return nil }

func (Standalone) Subscribe(ctx context.Context, h Handler) error { return nil }

func (Standalone) Mode() string { return "standalone" }

func (Standalone) Close() error { return nil }

// health logs transitions between working and failing relay states once each.
type health struct {
	logger   zerolog.Logger
	degraded atomic.Bool
}

func (h *health) fail(op string, err error) error {
	wrapped := fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	if h.degraded.CompareAndSwap(false, true) {
		metrics.BackplaneDegraded.Set(1)
		h.logger.Warn().Err(wrapped).Msg("backplane degraded; cross-instance delivery paused")
	}
	return wrapped
}

func (h *health) ok() {
	if h.degraded.CompareAndSwap(true, false) {
		metrics.BackplaneDegraded.Set(0)
		h.logger.Info().Msg("backplane recovered")
	}
}

func (h *health) isDegraded() bool { return h.degraded.Load() }

func decode(data []byte) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		metrics.BackplaneEvents.WithLabelValues("dropped").Inc()
		return Envelope{}, false
	}
	metrics.BackplaneEvents.WithLabelValues("received").Inc()
	return env, true
}
