package backplane

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
)

// RedisBackplane relays envelopes over Redis pub/sub.
type RedisBackplane struct {
	client *redis.Client
	health health
	pubsub *redis.PubSub
}

func NewRedisBackplane(client *redis.Client, logger zerolog.Logger) *RedisBackplane {
	return &RedisBackplane{
		client: client,
		health: health{logger: logger},
	}
}

func (b *RedisBackplane) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, Channel, data).Err(); err != nil {
		metrics.BackplaneEvents.WithLabelValues("dropped").Inc()
		return b.health.fail("publish", err)
	}
	b.health.ok()
	metrics.BackplaneEvents.WithLabelValues("published").Inc()
	return nil
}

func (b *RedisBackplane) Subscribe(ctx context.Context, h Handler) error {
	ps := b.client.Subscribe(ctx, Channel)
	// Wait for the subscription to be confirmed before returning.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return b.health.fail("subscribe", err)
	}
	b.pubsub = ps

	go func() {
		for msg := range ps.Channel() {
			if env, ok := decode([]byte(msg.Payload)); ok {
				h(env)
			}
		}
	}()
	go func() {
		<-ctx.Done()
		ps.Close()
	}()
	return nil
}

func (b *RedisBackplane) Mode() string {
	if b.health.isDegraded() {
		return "redis-degraded"
	}
	return "redis"
}

func (b *RedisBackplane) Close() error {
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
