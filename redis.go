package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// redisBus implements MessageBus over Redis pub/sub, so that a decision
// committed on one process reaches subscribers attached to any process.
// Events cross the wire in the same tagged-envelope encoding the websocket
// clients receive.
type redisBus struct {
	client *redis.Client

	mu      sync.Mutex
	cancels map[*redis.PubSub]struct{}
	closed  bool
}

const redisChannelPrefix = "swipebox:session:"

// newRedisBus connects to the given Redis URL and verifies the connection
// with a ping before returning.
func newRedisBus(url string) (*redisBus, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &redisBus{
		client:  client,
		cancels: make(map[*redis.PubSub]struct{}),
	}, nil
}

func (b *redisBus) Publish(ctx context.Context, code string, event Event) error {
	payload, err := encodeEvent(event)
	if err != nil {
		return err
	}

	return b.client.Publish(ctx, redisChannelPrefix+code, payload).Err()
}

func (b *redisBus) Subscribe(code string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	sub := b.client.Subscribe(context.Background(), redisChannelPrefix+code)
	b.cancels[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer close(ch)

		for msg := range sub.Channel() {
			event, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				// Foreign payload on the channel; skip it.
				continue
			}
			select {
			case ch <- event:
			default:
				// Slow subscriber; delivery is best-effort.
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.cancels, sub)
			b.mu.Unlock()
			_ = sub.Close()
		})
	}

	return ch, cancel
}

func (b *redisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redis.PubSub, 0, len(b.cancels))
	for sub := range b.cancels {
		subs = append(subs, sub)
	}
	b.cancels = make(map[*redis.PubSub]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}

	return b.client.Close()
}
