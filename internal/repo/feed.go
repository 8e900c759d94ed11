// Package repo – change-feed fanout
//
// This file implements the per-room change notification hub behind
// Store.SubscribeChanges. Delivery is at-least-once in publish order per
// room; a subscriber that falls more than feedBuffer events behind has its
// events dropped rather than blocking writers, which models the delivery
// gap a real transport exhibits during a transient fault.
package repo

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-client/internal/domain"
)

// feedBuffer is the per-subscriber event backlog.
const feedBuffer = 256

type feedHub struct {
	mu     sync.Mutex
	nextID int
	byRoom map[string]map[int]chan domain.ChangeEvent
}

func newFeedHub() *feedHub {
	return &feedHub{byRoom: make(map[string]map[int]chan domain.ChangeEvent)}
}

func (h *feedHub) subscribe(roomID string) (<-chan domain.ChangeEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.byRoom[roomID]
	if !ok {
		subs = make(map[int]chan domain.ChangeEvent)
		h.byRoom[roomID] = subs
	}
	id := h.nextID
	h.nextID++
	ch := make(chan domain.ChangeEvent, feedBuffer)
	subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if cur, ok := h.byRoom[roomID][id]; ok {
				delete(h.byRoom[roomID], id)
				close(cur)
				if len(h.byRoom[roomID]) == 0 {
					delete(h.byRoom, roomID)
				}
			}
		})
	}
	return ch, cancel
}

func (h *feedHub) publish(roomID string, ev domain.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.byRoom[roomID] {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("room", roomID).Int("subscriber", id).
				Msg("change feed subscriber lagging, dropping event")
		}
	}
}
