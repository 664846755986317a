// Package broadcast provides Broadcaster implementations for the
// cross-process channels (config sync, stream cancel). The in-memory bus
// serves tests and single-process deployments and lets several simulated
// "processes" share one bus; the mqtt subpackage connects real processes
// through a broker.
package broadcast

import (
	"context"
	"sync"
)

// InMemoryBus is a process-local core.Broadcaster. Publish delivers the
// payload synchronously to every subscriber of the channel, including the
// publisher's own subscriptions (peers filter their own echo by instance id,
// exactly as they must with a real broker).
type InMemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
}

type subscription struct {
	handler func(payload []byte)
	active  bool
}

// NewInMemoryBus constructs an empty bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]*subscription)}
}

// Publish implements core.Broadcaster.
func (b *InMemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs[channel]))
	copy(subs, b.subs[channel])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.mu.RLock()
		active := sub.active
		b.mu.RUnlock()
		if active {
			sub.handler(payload)
		}
	}
	return nil
}

// Subscribe implements core.Broadcaster.
func (b *InMemoryBus) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{handler: handler, active: true}
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		sub.active = false
		b.mu.Unlock()
	}, nil
}
