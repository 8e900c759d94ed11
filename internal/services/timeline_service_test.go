package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/go-chat-client/internal/domain"
)

// ----- Fake store -----

// fakeStore satisfies MessageStore. Insert assigns increasing ids and echoes
// the record back; an optional gate makes writes hang so pending entries can
// be observed mid-flight.
type fakeStore struct {
	mu         sync.Mutex
	history    []domain.Message
	historyErr error
	insertErr  error
	insertGate chan struct{}       // if non-nil, Insert blocks until closed
	insertedCh chan domain.Message // if non-nil, receives every confirmed insert
	nextID     int64
	inserted   []domain.Message
	deleted    []int64

	subscribed []string
	cancels    []*int
	feedCh     chan domain.ChangeEvent
}

func (f *fakeStore) History(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	out := make([]domain.Message, len(f.history))
	copy(out, f.history)
	return out, nil
}

func (f *fakeStore) Insert(ctx context.Context, m domain.Message) (domain.Message, error) {
	if f.insertGate != nil {
		<-f.insertGate
	}
	f.mu.Lock()
	if f.insertErr != nil {
		err := f.insertErr
		f.mu.Unlock()
		return domain.Message{}, err
	}
	f.nextID++
	confirmed := m
	confirmed.Identity = domain.ConfirmedIdentity(f.nextID)
	f.inserted = append(f.inserted, confirmed)
	ch := f.insertedCh
	f.mu.Unlock()
	if ch != nil {
		ch <- confirmed
	}
	return confirmed, nil
}

func (f *fakeStore) Delete(ctx context.Context, roomID string, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) SubscribeChanges(roomID string) (<-chan domain.ChangeEvent, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, roomID)
	n := new(int)
	f.cancels = append(f.cancels, n)
	ch := f.feedCh
	if ch == nil {
		ch = make(chan domain.ChangeEvent)
	}
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		*n++
	}
}

func (f *fakeStore) insertedMessages() []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Message, len(f.inserted))
	copy(out, f.inserted)
	return out
}

// ----- helpers -----

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func confirmed(id int64, at time.Time, sender, content string) domain.Message {
	return domain.Message{
		Identity:  domain.ConfirmedIdentity(id),
		RoomID:    "r1",
		AuthorID:  "u-" + sender,
		Sender:    sender,
		Content:   content,
		CreatedAt: at,
	}
}

func contents(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func assertContents(t *testing.T, got []domain.Message, want ...string) {
	t.Helper()
	gotC := contents(got)
	if len(gotC) != len(want) {
		t.Fatalf("visible sequence = %v, want %v", gotC, want)
	}
	for i := range want {
		if gotC[i] != want[i] {
			t.Fatalf("visible sequence = %v, want %v", gotC, want)
		}
	}
}

func loadedTimeline(t *testing.T, store *fakeStore) *TimelineService {
	t.Helper()
	s := NewTimelineService(store)
	if _, err := s.Load(context.Background(), "r1"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

// ----- Tests -----

func TestLoadSortsAscendingRegardlessOfFetchOrder(t *testing.T) {
	store := &fakeStore{history: []domain.Message{
		// Newest-first, as a paginating store would return them.
		confirmed(2, t0.Add(2*time.Second), "Ann", "second"),
		confirmed(1, t0.Add(1*time.Second), "Bob", "first"),
	}}
	s := NewTimelineService(store)

	got, err := s.Load(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertContents(t, got, "first", "second")
}

func TestLoadSurfacesStoreError(t *testing.T) {
	store := &fakeStore{historyErr: errors.New("boom")}
	s := NewTimelineService(store)
	if _, err := s.Load(context.Background(), "r1"); err == nil {
		t.Fatal("expected an error")
	}
}

func TestApplyInsertIsIdempotent(t *testing.T) {
	store := &fakeStore{}
	s := loadedTimeline(t, store)

	m := confirmed(7, t0, "Ann", "hi")
	s.ApplyInsert(m)
	s.ApplyInsert(m) // at-least-once delivery
	assertContents(t, s.Snapshot(), "hi")
}

func TestApplyInsertOrdersByCreationTime(t *testing.T) {
	store := &fakeStore{history: []domain.Message{
		confirmed(2, t0.Add(2*time.Second), "Ann", "m2"),
		confirmed(1, t0.Add(1*time.Second), "Bob", "m1"),
	}}
	s := loadedTimeline(t, store)

	s.ApplyInsert(confirmed(3, t0.Add(3*time.Second), "Cid", "m3"))
	assertContents(t, s.Snapshot(), "m1", "m2", "m3")

	// An older message that arrives late still lands in timestamp order.
	s.ApplyInsert(confirmed(4, t0, "Dee", "m0"))
	assertContents(t, s.Snapshot(), "m0", "m1", "m2", "m3")
}

func TestFeedInsertBeforeHistoryMergesOnLoad(t *testing.T) {
	store := &fakeStore{}
	s := loadedTimeline(t, store) // empty history

	// A feed insert races ahead of the history fetch.
	s.ApplyInsert(confirmed(3, t0.Add(3*time.Second), "Cid", "m3"))

	store.mu.Lock()
	store.history = []domain.Message{
		confirmed(2, t0.Add(2*time.Second), "Ann", "m2"),
		confirmed(1, t0.Add(1*time.Second), "Bob", "m1"),
	}
	store.mu.Unlock()

	// A same-room Load keeps entries the page missed.
	if _, err := s.Load(context.Background(), "r1"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertContents(t, s.Snapshot(), "m1", "m2", "m3")
}

func TestRefreshDiscardsEntriesMissingFromHistory(t *testing.T) {
	store := &fakeStore{}
	s := loadedTimeline(t, store) // empty history

	s.ApplyInsert(confirmed(3, t0.Add(3*time.Second), "Cid", "m3"))

	store.mu.Lock()
	store.history = []domain.Message{
		confirmed(2, t0.Add(2*time.Second), "Ann", "m2"),
		confirmed(1, t0.Add(1*time.Second), "Bob", "m1"),
	}
	store.mu.Unlock()

	// Refresh is the recovery path after bulk external mutation: persisted
	// history is the whole truth, so m3 (absent from the page) goes away.
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	assertContents(t, s.Snapshot(), "m1", "m2")
}

func TestSendOptimisticAppendsPendingImmediately(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	store := &fakeStore{insertGate: gate}
	s := loadedTimeline(t, store)

	tempID, _, err := s.SendOptimistic(context.Background(), "u1", "Alice", "hi")
	if err != nil {
		t.Fatalf("SendOptimistic: %v", err)
	}
	if tempID == "" {
		t.Fatal("expected a temp id")
	}
	snap := s.Snapshot()
	assertContents(t, snap, "hi")
	if !snap[0].Identity.Pending() {
		t.Fatal("entry must be pending before the durable write resolves")
	}
}

func TestSendOptimisticSuccessSwapsInPlace(t *testing.T) {
	store := &fakeStore{}
	s := loadedTimeline(t, store)

	_, errs, err := s.SendOptimistic(context.Background(), "u1", "Alice", "hi")
	if err != nil {
		t.Fatalf("SendOptimistic: %v", err)
	}
	if werr := <-errs; werr != nil {
		t.Fatalf("write: %v", werr)
	}
	snap := s.Snapshot()
	assertContents(t, snap, "hi")
	if snap[0].Identity.Pending() {
		t.Fatal("entry must be confirmed after the durable write")
	}
	if snap[0].Identity.ID != 1 {
		t.Fatalf("confirmed id = %d, want 1", snap[0].Identity.ID)
	}
}

func TestSendOptimisticFailureRollsBack(t *testing.T) {
	store := &fakeStore{insertErr: errors.New("constraint violation")}
	s := loadedTimeline(t, store)

	_, errs, err := s.SendOptimistic(context.Background(), "u1", "Alice", "hi")
	if err != nil {
		t.Fatalf("SendOptimistic: %v", err)
	}
	if werr := <-errs; werr == nil {
		t.Fatal("expected the write failure to surface")
	}
	assertContents(t, s.Snapshot()) // entry removed entirely
}

func TestSendOptimisticValidation(t *testing.T) {
	s := loadedTimeline(t, &fakeStore{})
	if _, _, err := s.SendOptimistic(context.Background(), "u1", "Alice", "   "); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("err = %v, want ErrEmptyContent", err)
	}
	s.MaxContentRunes = 3
	if _, _, err := s.SendOptimistic(context.Background(), "u1", "Alice", "hello"); !errors.Is(err, ErrTooLong) {
		t.Fatalf("err = %v, want ErrTooLong", err)
	}

	unloaded := NewTimelineService(&fakeStore{})
	if _, _, err := unloaded.SendOptimistic(context.Background(), "u1", "Alice", "hi"); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("err = %v, want ErrNoRoom", err)
	}
}

func TestRoundTripFeedEchoWithClientTag(t *testing.T) {
	store := &fakeStore{}
	s := loadedTimeline(t, store)

	_, errs, err := s.SendOptimistic(context.Background(), "u1", "Alice", "hi")
	if err != nil {
		t.Fatalf("SendOptimistic: %v", err)
	}
	if werr := <-errs; werr != nil {
		t.Fatalf("write: %v", werr)
	}

	// The feed's own notification of the same write arrives afterwards.
	echo := store.insertedMessages()[0]
	s.ApplyInsert(echo)
	assertContents(t, s.Snapshot(), "hi")
}

func TestRoundTripFeedEchoBeforeWriteResolves(t *testing.T) {
	gate := make(chan struct{})
	store := &fakeStore{insertGate: gate}
	s := loadedTimeline(t, store)

	_, errs, err := s.SendOptimistic(context.Background(), "u1", "Alice", "hi")
	if err != nil {
		t.Fatalf("SendOptimistic: %v", err)
	}

	// Feed notification beats the write's own response: no tag is echoed by
	// this store, so the time-proximity heuristic must claim the pending
	// entry instead of duplicating it. The record carries the id the gated
	// write will eventually report.
	feedCopy := confirmed(1, time.Now().UTC(), "Alice", "hi")
	feedCopy.ClientTag = ""
	s.ApplyInsert(feedCopy)
	assertContents(t, s.Snapshot(), "hi")

	close(gate)
	<-errs
	// The write's late response resolves against the already-confirmed
	// entry; still exactly one visible message.
	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("visible count = %d, want 1", len(snap))
	}
}

func TestHeuristicDoesNotMergeDistinctRepeatedSends(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	store := &fakeStore{insertGate: gate}
	s := loadedTimeline(t, store)

	// The user deliberately sends the same text twice in a row.
	if _, _, err := s.SendOptimistic(context.Background(), "u1", "Alice", "hi"); err != nil {
		t.Fatalf("SendOptimistic: %v", err)
	}
	if _, _, err := s.SendOptimistic(context.Background(), "u1", "Alice", "hi"); err != nil {
		t.Fatalf("SendOptimistic: %v", err)
	}

	one := confirmed(1, time.Now().UTC(), "Alice", "hi")
	one.ClientTag = ""
	s.ApplyInsert(one)
	two := confirmed(2, time.Now().UTC(), "Alice", "hi")
	two.ClientTag = ""
	s.ApplyInsert(two)

	// Each confirmation claimed exactly one pending entry.
	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("visible count = %d, want 2", len(snap))
	}
	for i, m := range snap {
		if m.Identity.Pending() {
			t.Fatalf("entry %d still pending after its confirmation", i)
		}
	}
}

func TestHeuristicRespectsToleranceWindow(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	store := &fakeStore{insertGate: gate}
	s := loadedTimeline(t, store)
	s.Tolerance = 5 * time.Second

	if _, _, err := s.SendOptimistic(context.Background(), "u1", "Alice", "hi"); err != nil {
		t.Fatalf("SendOptimistic: %v", err)
	}

	// Same sender and content but far outside the window: a genuinely
	// different message, appended rather than merged.
	old := confirmed(1, time.Now().UTC().Add(-time.Minute), "Alice", "hi")
	old.ClientTag = ""
	s.ApplyInsert(old)

	if got := len(s.Snapshot()); got != 2 {
		t.Fatalf("visible count = %d, want 2", got)
	}
}

func TestApplyDeleteRemovesAndIsIdempotent(t *testing.T) {
	store := &fakeStore{history: []domain.Message{confirmed(1, t0, "Ann", "hi")}}
	s := loadedTimeline(t, store)

	s.ApplyDelete(1)
	assertContents(t, s.Snapshot())
	s.ApplyDelete(1)  // already gone
	s.ApplyDelete(99) // never arrived
	assertContents(t, s.Snapshot())
}

func TestDeleteBeforeInsertSuppressesLateInsert(t *testing.T) {
	store := &fakeStore{}
	s := loadedTimeline(t, store)

	s.ApplyDelete(5)
	s.ApplyInsert(confirmed(5, t0, "Ann", "ghost"))
	assertContents(t, s.Snapshot())
}

func TestDeleteBeforeWriteResolvesDropsEntry(t *testing.T) {
	gate := make(chan struct{})
	store := &fakeStore{}
	s := loadedTimeline(t, store)
	store.insertGate = gate

	_, errs, err := s.SendOptimistic(context.Background(), "u1", "Alice", "hi")
	if err != nil {
		t.Fatalf("SendOptimistic: %v", err)
	}
	// The store will assign id 1; another client deletes it before our
	// write response arrives.
	s.ApplyDelete(1)
	close(gate)
	<-errs
	assertContents(t, s.Snapshot())
}

func TestApplyInsertIgnoresOtherRooms(t *testing.T) {
	store := &fakeStore{}
	s := loadedTimeline(t, store)

	other := confirmed(1, t0, "Ann", "elsewhere")
	other.RoomID = "r2"
	s.ApplyInsert(other)
	assertContents(t, s.Snapshot())
}

func TestSwitchingRoomsDiscardsState(t *testing.T) {
	store := &fakeStore{history: []domain.Message{confirmed(1, t0, "Ann", "old room")}}
	s := loadedTimeline(t, store)
	assertContents(t, s.Snapshot(), "old room")

	store.mu.Lock()
	store.history = nil
	store.mu.Unlock()
	if _, err := s.Load(context.Background(), "r2"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertContents(t, s.Snapshot())
	if s.Room() != "r2" {
		t.Fatalf("Room() = %q, want r2", s.Room())
	}
}

func TestRefreshWithoutRoom(t *testing.T) {
	s := NewTimelineService(&fakeStore{})
	if err := s.Refresh(context.Background()); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("err = %v, want ErrNoRoom", err)
	}
}

func TestOnChangeFiresOnEveryMutation(t *testing.T) {
	store := &fakeStore{}
	s := loadedTimeline(t, store)

	var mu sync.Mutex
	calls := 0
	s.OnChange(func([]domain.Message) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	s.ApplyInsert(confirmed(1, t0, "Ann", "hi"))
	s.ApplyDelete(1)
	s.ApplyInsert(confirmed(1, t0, "Ann", "hi")) // tombstoned: no change
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("onChange calls = %d, want 2", calls)
	}
}
