package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
)

// onlineKey returns the key for a user's set of connection ids.
func onlineKey(userID string) string {
	return fmt.Sprintf("online:%s", userID)
}

// connKey returns the reverse-lookup key for a connection id.
func connKey(connID string) string {
	return fmt.Sprintf("conn:%s", connID)
}

// RedisStore is cluster-wide presence. Operations that fail against Redis are
// answered from a local fallback so callers are never blocked by an outage.
//
// Removals that fail are remembered and replayed after the next successful
// round trip. Until then the connection no longer counts towards IsOnline.
type RedisStore struct {
	client   *redis.Client
	fallback *LocalStore
	logger   zerolog.Logger
	degraded atomic.Bool

	mu sync.Mutex

	// pending maps connection id to user id; the user id is empty when the
	// reverse lookup itself failed.
	pending map[string]string
}

// NewRedisStore creates a Redis-backed presence store.
func NewRedisStore(client *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		client:   client,
		fallback: NewLocalStore(),
		logger:   logger,
		pending:  make(map[string]string),
	}
}

func (s *RedisStore) Register(ctx context.Context, userID, connID string) (int64, error) {
	defer observe(time.Now())

	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, onlineKey(userID), connID)
		pipe.Set(ctx, connKey(connID), userID, 0)
		card = pipe.SCard(ctx, onlineKey(userID))
		return nil
	})
	if err != nil {
		s.markFailure(err)
		return s.fallback.Register(ctx, userID, connID)
	}
	s.markHealthy(ctx)
	return card.Val(), nil
}

// Unregister removes connID. When Redis fails the removal is queued for
// replay and the returned error wraps ErrStoreUnavailable.
func (s *RedisStore) Unregister(ctx context.Context, connID string) (*Departure, error) {
	defer observe(time.Now())

	// Connections registered while Redis was down live in the fallback.
	if s.fallback.has(connID) {
		return s.fallback.Unregister(ctx, connID)
	}

	userID, err := s.client.Get(ctx, connKey(connID)).Result()
	if errors.Is(err, redis.Nil) {
		s.markHealthy(ctx)
		return nil, nil
	}
	if err != nil {
		return nil, s.deferRemoval(connID, "", err)
	}

	remaining, err := s.release(ctx, userID, connID)
	if err != nil {
		return nil, s.deferRemoval(connID, userID, err)
	}
	s.markHealthy(ctx)
	return &Departure{UserID: userID, Remaining: remaining}, nil
}

func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	defer observe(time.Now())

	localOnline, _ := s.fallback.IsOnline(ctx, userID)
	skip := s.pendingSnapshot()

	if len(skip) == 0 {
		n, err := s.client.SCard(ctx, onlineKey(userID)).Result()
		if err != nil {
			s.markFailure(err)
			return localOnline, nil
		}
		s.markHealthy(ctx)
		return n > 0 || localOnline, nil
	}

	members, err := s.client.SMembers(ctx, onlineKey(userID)).Result()
	if err != nil {
		s.markFailure(err)
		return localOnline, nil
	}
	s.markHealthy(ctx)
	for _, connID := range members {
		if _, gone := skip[connID]; !gone {
			return true, nil
		}
	}
	return localOnline, nil
}

func (s *RedisStore) Mode() Mode {
	if s.degraded.Load() {
		return ModeDegraded
	}
	return ModeShared
}

// Pending reports how many removals are waiting for Redis.
func (s *RedisStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// release removes connID from userID's set and returns the remaining count.
func (s *RedisStore) release(ctx context.Context, userID, connID string) (int64, error) {
	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, onlineKey(userID), connID)
		pipe.Del(ctx, connKey(connID))
		card = pipe.SCard(ctx, onlineKey(userID))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return card.Val(), nil
}

func (s *RedisStore) deferRemoval(connID, userID string, err error) error {
	s.markFailure(err)
	s.mu.Lock()
	s.pending[connID] = userID
	s.mu.Unlock()
	return fmt.Errorf("%w: unregister %s: %v", ErrStoreUnavailable, connID, err)
}

func (s *RedisStore) pendingSnapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	out := make(map[string]string, len(s.pending))
	for k, v := range s.pending {
		out[k] = v
	}
	return out
}

// replay retries queued removals, stopping at the first failure.
func (s *RedisStore) replay(ctx context.Context) {
	for connID, userID := range s.pendingSnapshot() {
		if userID == "" {
			id, err := s.client.Get(ctx, connKey(connID)).Result()
			switch {
			case errors.Is(err, redis.Nil):
				s.forget(connID)
				continue
			case err != nil:
				s.markFailure(err)
				return
			}
			userID = id
		}
		if _, err := s.release(ctx, userID, connID); err != nil {
			s.markFailure(err)
			return
		}
		s.forget(connID)
		s.logger.Debug().Str("conn_id", connID).Str("user_id", userID).Msg("replayed presence removal")
	}
}

func (s *RedisStore) forget(connID string) {
	s.mu.Lock()
	delete(s.pending, connID)
	s.mu.Unlock()
}

// markFailure logs the transition into degraded mode once.
func (s *RedisStore) markFailure(err error) {
	if s.degraded.CompareAndSwap(false, true) {
		metrics.PresenceDegraded.Set(1)
		s.logger.Warn().
			Err(fmt.Errorf("%w: %v", ErrStoreUnavailable, err)).
			Msg("presence degraded to process-local state")
	}
}

// markHealthy logs recovery once and replays removals queued during the
// outage.
func (s *RedisStore) markHealthy(ctx context.Context) {
	if s.degraded.CompareAndSwap(true, false) {
		metrics.PresenceDegraded.Set(0)
		s.logger.Info().Msg("presence store recovered")
	}
	if s.Pending() > 0 {
		s.replay(ctx)
	}
}

func observe(start time.Time) {
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
}
