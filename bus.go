package main

import (
	"context"
	"sync"
)

// MessageBus is the fan-out backbone between the session coordinator and
// connected clients. Publish pushes an event to every subscriber of a
// session code; Subscribe returns a receive channel plus a cancel function
// that detaches it. The single-process memoryBus and the Redis-backed
// redisBus are interchangeable: handlers only ever see this interface.
type MessageBus interface {
	Publish(ctx context.Context, code string, event Event) error
	Subscribe(code string) (<-chan Event, func())
	Close() error
}

// subscriber channels are buffered; a subscriber that falls this far behind
// starts losing events and must resync from a snapshot.
const subscriberBuffer = 16

type memoryBus struct {
	mu     sync.Mutex
	subs   map[string]map[chan Event]struct{}
	closed bool
}

func newMemoryBus() *memoryBus {
	return &memoryBus{
		subs: make(map[string]map[chan Event]struct{}),
	}
}

func (b *memoryBus) Publish(_ context.Context, code string, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[code] {
		select {
		case ch <- event:
		default:
			// Slow subscriber; delivery is best-effort.
		}
	}

	return nil
}

func (b *memoryBus) Subscribe(code string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	group := b.subs[code]
	if group == nil {
		group = make(map[chan Event]struct{})
		b.subs[code] = group
	}
	group[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		group, ok := b.subs[code]
		if !ok {
			return
		}
		if _, ok := group[ch]; !ok {
			return
		}
		delete(group, ch)
		close(ch)
		if len(group) == 0 {
			delete(b.subs, code)
		}
	}

	return ch, cancel
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for code, group := range b.subs {
		for ch := range group {
			close(ch)
		}
		delete(b.subs, code)
	}

	return nil
}
