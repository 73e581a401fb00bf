// Package presence tracks which users hold live connections across all
// server processes.
//
// The shared implementation keeps two complementary mappings in Redis:
// online:<user> is the set of connection ids of a user, and conn:<connId>
// maps a connection back to its user so that a disconnecting process can
// clean up knowing only the connection id. When Redis is missing or
// unreachable the store degrades to process-local presence: occupancy and
// isOnline then describe this process only.
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
)

// ErrStoreUnavailable marks a failed round trip to the shared presence store.
var ErrStoreUnavailable = errors.New("presence store unavailable")

// Mode describes the capability level of a Store.
type Mode string

const (
	// ModeShared is cluster-wide presence backed by Redis.
	ModeShared Mode = "shared"
	// ModeDegraded is a shared store currently answering from local state.
	ModeDegraded Mode = "degraded"
	// ModeLocal is process-local presence, configured at startup.
	ModeLocal Mode = "local"
)

// Departure is the outcome of unregistering a connection.
type Departure struct {
	UserID    string
	Remaining int64
}

// Store is the presence capability held by the hub and the delivery pipeline.
type Store interface {
	// Register adds connID to the user's online set and returns the new occupancy.
	// Registering the same pair twice does not change occupancy.
	Register(ctx context.Context, userID, connID string) (int64, error)
	// Unregister removes connID and returns its owner with the remaining
	// occupancy, or nil if connID was never registered.
	Unregister(ctx context.Context, connID string) (*Departure, error)
	// IsOnline reports whether the user has at least one registered connection.
	IsOnline(ctx context.Context, userID string) (bool, error)
	// Mode reports the current capability level.
	Mode() Mode
}

// Open returns the shared store when client is reachable, and a local store
// otherwise. The fallback is logged so operators see the reduced capability.
func Open(ctx context.Context, client *redis.Client, logger zerolog.Logger) Store {
	logger = logger.With().Str("component", "presence").Logger()

	if client == nil {
		logger.Warn().Msg("REDIS_URL not configured; presence is process-local only")
		metrics.PresenceDegraded.Set(1)
		return NewLocalStore()
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable; presence is process-local only")
		metrics.PresenceDegraded.Set(1)
		return NewLocalStore()
	}

	metrics.PresenceDegraded.Set(0)
	logger.Info().Msg("presence backed by redis")
	return NewRedisStore(client, logger)
}
