// Package bus is a small in-process publish/subscribe channel. It stands in
// for the database-native notification channel the store publishes kline
// changes on: delivery is best-effort per subscriber, a subscriber that is not
// draining loses the oldest pending events rather than blocking publishers.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

// KlineChangeTopic carries one event per insert/update of a stored kline.
const KlineChangeTopic = "kline_change"

// Event is the unit passed through the bus.
type Event struct {
	Topic   string
	Payload any
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// Bus fans events out to per-topic subscribers over bounded channels.
type Bus struct {
	mu       sync.RWMutex
	capacity int
	closed   bool
	subs     map[string][]*subscriber
}

func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 64
	}
	return &Bus{
		capacity: capacity,
		subs:     make(map[string][]*subscriber),
	}
}

// Subscribe registers a bounded subscription on topic. The channel is closed
// when ctx is cancelled or the bus shuts down.
func (b *Bus) Subscribe(ctx context.Context, topic string) <-chan Event {
	sub := &subscriber{ch: make(chan Event, b.capacity)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		closed := make(chan Event)
		close(closed)
		return closed
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(topic, sub)
	}()

	return sub.ch
}

func (b *Bus) unsubscribe(topic string, target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, sub := range subs {
		if sub == target {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish delivers the event to every current subscriber of the topic. A full
// subscriber has its oldest pending event evicted so the newest state wins,
// matching notification-channel semantics.
func (b *Bus) Publish(topic string, payload any) {
	evt := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- evt:
		default:
			select {
			case <-sub.ch:
				sub.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- evt:
			default:
				sub.dropped.Add(1)
			}
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(b.subs, topic)
	}
}
