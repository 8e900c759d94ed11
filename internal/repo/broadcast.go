// Package repo – broadcast bus
//
// This file implements the fire-and-forget broadcast channels used for
// typing presence. Unlike the change feed, broadcasts carry no delivery
// guarantee at all and are never persisted: a full subscriber buffer or an
// absent subscriber simply loses the event. Receivers are expected to bound
// staleness themselves (the presence sweep does exactly that).
package repo

import (
	"sync"

	"github.com/tbourn/go-chat-client/internal/domain"
)

// broadcastBuffer is deliberately small; presence events are cheap to lose.
const broadcastBuffer = 16

// Bus is an in-process publish/subscribe bus keyed by channel name.
// The zero value is not usable; construct with NewBus.
type Bus struct {
	mu     sync.Mutex
	nextID int
	byKey  map[string]map[int]chan domain.TypingEvent
}

// NewBus returns an empty broadcast bus.
func NewBus() *Bus {
	return &Bus{byKey: make(map[string]map[int]chan domain.TypingEvent)}
}

// Publish delivers ev to every current subscriber of key on a best-effort
// basis. It never blocks.
func (b *Bus) Publish(key string, ev domain.TypingEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.byKey[key] {
		select {
		case ch <- ev:
		default:
			// Lossy by contract.
		}
	}
}

// SubscribeBroadcast opens a channel for key. The cancel func unsubscribes
// and closes the channel; calling it more than once is safe.
func (b *Bus) SubscribeBroadcast(key string) (<-chan domain.TypingEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.byKey[key]
	if !ok {
		subs = make(map[int]chan domain.TypingEvent)
		b.byKey[key] = subs
	}
	id := b.nextID
	b.nextID++
	ch := make(chan domain.TypingEvent, broadcastBuffer)
	subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if cur, ok := b.byKey[key][id]; ok {
				delete(b.byKey[key], id)
				close(cur)
				if len(b.byKey[key]) == 0 {
					delete(b.byKey, key)
				}
			}
		})
	}
	return ch, cancel
}
