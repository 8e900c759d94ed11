package services

import (
	"sync"
	"testing"
	"time"

	"github.com/tbourn/go-chat-client/internal/domain"
)

// scriptedFeed hands out a fixed channel and counts cancellations.
type scriptedFeed struct {
	mu      sync.Mutex
	ch      chan domain.ChangeEvent
	cancels int
}

func (f *scriptedFeed) SubscribeChanges(roomID string) (<-chan domain.ChangeEvent, func()) {
	return f.ch, func() {
		f.mu.Lock()
		f.cancels++
		f.mu.Unlock()
	}
}

func (f *scriptedFeed) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func TestFeedDispatchesInArrivalOrder(t *testing.T) {
	feed := &scriptedFeed{ch: make(chan domain.ChangeEvent)}
	type event struct {
		insert bool
		id     int64
	}
	got := make(chan event, 4)

	sub := OpenFeed(feed, "r1",
		func(m domain.Message) { got <- event{insert: true, id: m.Identity.ID} },
		func(id int64) { got <- event{insert: false, id: id} },
	)
	defer sub.Close()

	feed.ch <- domain.ChangeEvent{Kind: domain.ChangeInsert, Message: confirmed(1, t0, "Ann", "hi")}
	feed.ch <- domain.ChangeEvent{Kind: domain.ChangeDelete, ID: 1}

	want := []event{{true, 1}, {false, 1}}
	for i, w := range want {
		select {
		case e := <-got:
			if e != w {
				t.Fatalf("event %d = %+v, want %+v", i, e, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestFeedCloseIsIdempotent(t *testing.T) {
	feed := &scriptedFeed{ch: make(chan domain.ChangeEvent)}
	sub := OpenFeed(feed, "r1", func(domain.Message) {}, func(int64) {})

	sub.Close()
	sub.Close()
	if n := feed.cancelCount(); n != 1 {
		t.Fatalf("unsubscribe called %d times, want 1", n)
	}
}

func TestFeedNoCallbackAfterClose(t *testing.T) {
	feed := &scriptedFeed{ch: make(chan domain.ChangeEvent, 4)}
	var mu sync.Mutex
	delivered := 0

	sub := OpenFeed(feed, "r1",
		func(domain.Message) {
			mu.Lock()
			delivered++
			mu.Unlock()
		},
		func(int64) {},
	)

	// Events queued behind the close must never reach the callbacks.
	sub.Close()
	feed.ch <- domain.ChangeEvent{Kind: domain.ChangeInsert, Message: confirmed(1, t0, "Ann", "late")}
	feed.ch <- domain.ChangeEvent{Kind: domain.ChangeInsert, Message: confirmed(2, t0, "Ann", "later")}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if delivered != 0 {
		t.Fatalf("callbacks fired %d times after Close", delivered)
	}
}

func TestFeedStopsWhenStoreClosesChannel(t *testing.T) {
	feed := &scriptedFeed{ch: make(chan domain.ChangeEvent)}
	got := make(chan int64, 1)
	sub := OpenFeed(feed, "r1", func(m domain.Message) { got <- m.Identity.ID }, func(int64) {})
	defer sub.Close()

	feed.ch <- domain.ChangeEvent{Kind: domain.ChangeInsert, Message: confirmed(1, t0, "Ann", "hi")}
	<-got
	close(feed.ch) // store-side unsubscribe; dispatch loop must exit quietly
	time.Sleep(20 * time.Millisecond)
}
