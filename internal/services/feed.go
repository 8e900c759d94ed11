// Package services – FeedSubscription
//
// This file implements the change-feed subscription wrapper: one logical
// channel bound to a room, forwarding raw insert/delete notifications to the
// timeline as callbacks. It holds no business state; its whole contract is
// lifecycle discipline — once Close returns, no further callback fires, even
// if events are still queued on the underlying channel.
package services

import (
	"sync"

	"github.com/tbourn/go-chat-client/internal/domain"
	"github.com/tbourn/go-chat-client/internal/metrics"
)

// ChangeFeed is the subscribe side of the remote store contract. The cancel
// func returned by SubscribeChanges must be idempotent and must eventually
// close the event channel.
type ChangeFeed interface {
	SubscribeChanges(roomID string) (<-chan domain.ChangeEvent, func())
}

// FeedSubscription owns one open change-feed channel for a room view.
// Construct with OpenFeed; release with Close.
type FeedSubscription struct {
	mu          sync.Mutex
	closed      bool
	unsubscribe func()
}

// OpenFeed subscribes to roomID's change feed and dispatches every event to
// onInsert or onDelete until Close is called or the channel is closed by the
// store. Callbacks run sequentially on a single goroutine, in arrival order.
//
// Callbacks must not call Close on the same subscription; use the room-view
// lifecycle for that.
func OpenFeed(feed ChangeFeed, roomID string, onInsert func(domain.Message), onDelete func(int64)) *FeedSubscription {
	events, unsubscribe := feed.SubscribeChanges(roomID)
	s := &FeedSubscription{unsubscribe: unsubscribe}
	go s.dispatch(events, onInsert, onDelete)
	return s
}

// dispatch holds the mutex across the closed-check and the callback, so Close
// cannot return while a callback is mid-flight.
func (s *FeedSubscription) dispatch(events <-chan domain.ChangeEvent, onInsert func(domain.Message), onDelete func(int64)) {
	for ev := range events {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		switch ev.Kind {
		case domain.ChangeInsert:
			metrics.FeedEvents.WithLabelValues("insert").Inc()
			onInsert(ev.Message)
		case domain.ChangeDelete:
			metrics.FeedEvents.WithLabelValues("delete").Inc()
			onDelete(ev.ID)
		}
		s.mu.Unlock()
	}
}

// Close releases the subscription. It is idempotent, safe against open/close
// races, and guarantees that no callback fires after it returns — closing a
// handle that is mid-delivery blocks until the in-flight callback completes.
func (s *FeedSubscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}
