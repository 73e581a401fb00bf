package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
)

// NATSBackplane relays envelopes over a plain NATS subject.
type NATSBackplane struct {
	nc     *nats.Conn
	health *health
	sub    *nats.Subscription
}

// NewNATSBackplane connects to url and keeps reconnecting forever.
func NewNATSBackplane(url, nodeID string, logger zerolog.Logger) (*NATSBackplane, error) {
	h := &health{logger: logger}
	nc, err := nats.Connect(url,
		nats.Name(fmt.Sprintf("chatrelay-%s", nodeID)),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				h.fail("disconnect", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			h.ok()
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATSBackplane{nc: nc, health: h}, nil
}

func (b *NATSBackplane) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(Channel, data); err != nil {
		metrics.BackplaneEvents.WithLabelValues("dropped").Inc()
		return b.health.fail("publish", err)
	}
	metrics.BackplaneEvents.WithLabelValues("published").Inc()
	return nil
}

func (b *NATSBackplane) Subscribe(ctx context.Context, h Handler) error {
	sub, err := b.nc.Subscribe(Channel, func(msg *nats.Msg) {
		if env, ok := decode(msg.Data); ok {
			h(env)
		}
	})
	if err != nil {
		return b.health.fail("subscribe", err)
	}
	b.sub = sub

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}

func (b *NATSBackplane) Mode() string {
	if b.health.isDegraded() {
		return "nats-degraded"
	}
	return "nats"
}

func (b *NATSBackplane) Close() error {
	return b.nc.Drain()
}
