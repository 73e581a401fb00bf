package backplane

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
)

// MemoryBus is an in-process relay shared by several hubs, used to run a
// multi-instance topology inside one test binary. Delivery is synchronous.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler
	seq      uint64
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[uint64]Handler)}
}

func (b *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// Round-trip through JSON so receivers see exactly what a network relay carries.
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	metrics.BackplaneEvents.WithLabelValues("published").Inc()

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if out, ok := decode(data); ok {
			h(out)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, h Handler) error {
	if h == nil {
		return nil
	}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.handlers[id] = h
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()
	return nil
}

func (b *MemoryBus) Mode() string { return "memory" }

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[uint64]Handler)
	return nil
}
