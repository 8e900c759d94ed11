// Package services – TimelineService
//
// This file implements the message reconciliation store: the client-local
// ordered view of a room's messages. It merges three independently scheduled
// sources into one consistent sequence — the bounded history fetch, the
// user's own optimistic writes, and the change feed's at-least-once
// insert/delete notifications — without ever rendering the same logical
// message twice.
//
// Matching a feed insert to a local optimistic entry uses, in order:
//  1. the server id (duplicate delivery, or an already-resolved send),
//  2. the client-generated write token (ClientTag) echoed by the store,
//  3. a content/sender/time-proximity heuristic for stores or clients that
//     do not round-trip tags.
//
// Observability: context-bearing operations are OpenTelemetry-instrumented;
// reconciliation outcomes are counted in internal/metrics.
package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/go-chat-client/internal/domain"
	"github.com/tbourn/go-chat-client/internal/metrics"
)

const (
	defaultPageLimit = 50
	defaultTolerance = 5 * time.Second
)

// MessageStore is the request/response and subscribe side of the remote
// store collaborator. History may return records in any order; Insert
// returns the confirmed record with its server-assigned identity and
// timestamp; Delete fails with a store error when rejected.
type MessageStore interface {
	History(ctx context.Context, roomID string, limit int) ([]domain.Message, error)
	Insert(ctx context.Context, m domain.Message) (domain.Message, error)
	Delete(ctx context.Context, roomID string, id int64) error
	ChangeFeed
}

// TimelineService owns the visible message sequence for exactly one room
// view at a time. All mutating entry points are safe for concurrent use;
// the sequence invariant is CreatedAt ascending with ties broken by arrival
// order into the store.
type TimelineService struct {
	// Store is the remote store collaborator.
	Store MessageStore

	// PageLimit bounds a single history fetch. Defaults to 50.
	PageLimit int
	// Tolerance is the time window of the optimistic-match heuristic.
	// Defaults to 5s.
	Tolerance time.Duration
	// MaxContentRunes caps outgoing content by rune length; 0 disables.
	MaxContentRunes int
	// Now is the client clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time
	// Log is the logger used for reconciliation decisions.
	Log zerolog.Logger

	mu         sync.Mutex
	roomID     string
	entries    []domain.Message
	tombstones map[int64]struct{}
	onChange   func([]domain.Message)
}

// NewTimelineService constructs a TimelineService with default limits.
func NewTimelineService(store MessageStore) *TimelineService {
	return &TimelineService{
		Store:      store,
		PageLimit:  defaultPageLimit,
		Tolerance:  defaultTolerance,
		Now:        time.Now,
		Log:        log.With().Str("component", "timeline").Logger(),
		tombstones: make(map[int64]struct{}),
	}
}

// OnChange registers the UI re-render callback, invoked with a snapshot of
// the visible sequence after every mutation. The callback runs outside the
// service lock and must not call back into mutating methods synchronously
// from feed callbacks.
func (s *TimelineService) OnChange(fn func([]domain.Message)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Snapshot returns a copy of the current visible sequence.
func (s *TimelineService) Snapshot() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Room returns the id of the currently loaded room ("" before Load).
func (s *TimelineService) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Load fetches the most recent page of persisted messages for roomID and
// installs them sorted ascending by creation time, regardless of the fetch
// order the store used. Entries that raced in ahead of the load for the same
// room (feed inserts, optimistic sends) survive the merge; switching rooms
// discards all prior state.
func (s *TimelineService) Load(ctx context.Context, roomID string) ([]domain.Message, error) {
	tr := otel.Tracer("services/TimelineService")
	ctx, span := tr.Start(ctx, "Load",
		trace.WithAttributes(attribute.String("room.id", roomID)),
	)
	defer span.End()

	history, err := s.Store.History(ctx, roomID, s.pageLimit())
	if err != nil {
		return nil, err
	}
	sortByCreation(history)

	s.mu.Lock()
	if s.roomID != roomID {
		s.roomID = roomID
		s.entries = nil
		s.tombstones = make(map[int64]struct{})
	}
	s.installLocked(history)
	snap := s.snapshotLocked()
	onChange := s.onChange
	s.mu.Unlock()

	notify(onChange, snap)
	return snap, nil
}

// Refresh discards the in-memory sequence and reloads persisted history for
// the current room. It is the recovery path after bulk external mutation
// (e.g. a room-wide clear) that the feed cannot describe incrementally, so
// unlike a same-room Load nothing survives the reload: the fetched page is
// the whole truth. Pending entries are dropped too; their in-flight
// confirmations re-enter through the usual insert reconciliation.
func (s *TimelineService) Refresh(ctx context.Context) error {
	s.mu.Lock()
	roomID := s.roomID
	s.mu.Unlock()
	if roomID == "" {
		return ErrNoRoom
	}

	tr := otel.Tracer("services/TimelineService")
	ctx, span := tr.Start(ctx, "Refresh",
		trace.WithAttributes(attribute.String("room.id", roomID)),
	)
	defer span.End()

	history, err := s.Store.History(ctx, roomID, s.pageLimit())
	if err != nil {
		return err
	}
	sortByCreation(history)

	s.mu.Lock()
	if s.roomID != roomID {
		// Room switched while the fetch was in flight; drop the result.
		s.mu.Unlock()
		return nil
	}
	s.entries = nil
	s.installLocked(history)
	snap := s.snapshotLocked()
	onChange := s.onChange
	s.mu.Unlock()

	notify(onChange, snap)
	return nil
}

// SendOptimistic synchronously appends a pending entry stamped with the
// client clock and a fresh write token, then issues the durable write in the
// background. On success the pending entry is swapped in place for the
// confirmed record; on failure it is rolled back and the store error is
// delivered on the returned channel (buffered, never blocks). The caller
// owns retry policy.
func (s *TimelineService) SendOptimistic(ctx context.Context, authorID, sender, content string) (string, <-chan error, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", nil, ErrEmptyContent
	}
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(content) > s.MaxContentRunes {
		return "", nil, ErrTooLong
	}

	tr := otel.Tracer("services/TimelineService")
	ctx, span := tr.Start(ctx, "SendOptimistic",
		trace.WithAttributes(attribute.String("author.id", authorID)),
	)
	defer span.End()

	s.mu.Lock()
	if s.roomID == "" {
		s.mu.Unlock()
		return "", nil, ErrNoRoom
	}
	m := domain.Message{
		Identity:  domain.NewPendingIdentity(),
		RoomID:    s.roomID,
		AuthorID:  authorID,
		Sender:    sender,
		Content:   content,
		ClientTag: uuid.NewString(),
		CreatedAt: s.now().UTC(),
	}
	s.entries = insertSorted(s.entries, m)
	snap := s.snapshotLocked()
	onChange := s.onChange
	s.mu.Unlock()

	notify(onChange, snap)

	errs := make(chan error, 1)
	go func() {
		confirmed, err := s.Store.Insert(ctx, m)
		if err != nil {
			s.rollback(m.Identity.TempID)
			metrics.OptimisticSends.WithLabelValues("rolled_back").Inc()
			s.Log.Warn().Err(err).Str("identity", m.Identity.String()).Msg("optimistic write failed, rolled back")
			errs <- err
			return
		}
		s.resolve(m.Identity.TempID, confirmed)
		metrics.OptimisticSends.WithLabelValues("confirmed").Inc()
		errs <- nil
	}()
	return m.Identity.TempID, errs, nil
}

// ApplyInsert reconciles one confirmed record delivered by the change feed.
// Outcomes, in precedence order: duplicate id → no-op; tombstoned id → no-op
// (deleted before its insert arrived); ClientTag match → pending entry
// swapped in place; heuristic match (same sender, same normalized content,
// timestamps within Tolerance) → pending entry swapped in place; otherwise
// the record is inserted at its sorted position.
func (s *TimelineService) ApplyInsert(m domain.Message) {
	if m.Identity.Pending() {
		return
	}
	s.mu.Lock()
	outcome, changed := s.applyInsertLocked(m)
	snap := s.snapshotLocked()
	onChange := s.onChange
	s.mu.Unlock()

	metrics.ReconcileTotal.WithLabelValues(outcome).Inc()
	s.Log.Debug().Str("identity", m.Identity.String()).Str("outcome", outcome).Msg("feed insert reconciled")
	if changed {
		notify(onChange, snap)
	}
}

// ApplyDelete removes the matching entry if present and records a tombstone
// so a late insert of the same id is suppressed. A no-op if the entry was
// already removed or never arrived.
func (s *TimelineService) ApplyDelete(id int64) {
	s.mu.Lock()
	s.tombstones[id] = struct{}{}
	changed := false
	for i, e := range s.entries {
		if !e.Identity.Pending() && e.Identity.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			changed = true
			break
		}
	}
	snap := s.snapshotLocked()
	onChange := s.onChange
	s.mu.Unlock()

	if changed {
		notify(onChange, snap)
	}
}

// --- internals ---

func (s *TimelineService) applyInsertLocked(m domain.Message) (outcome string, changed bool) {
	if s.roomID == "" || m.RoomID != s.roomID {
		return "stale_room", false
	}
	if _, dead := s.tombstones[m.Identity.ID]; dead {
		return "tombstoned", false
	}
	for _, e := range s.entries {
		if !e.Identity.Pending() && e.Identity.ID == m.Identity.ID {
			return "duplicate", false
		}
	}
	if m.ClientTag != "" {
		for i, e := range s.entries {
			if e.Identity.Pending() && e.ClientTag == m.ClientTag {
				s.entries[i] = m
				return "resolved_tag", true
			}
		}
	}
	// Heuristic fallback: claim the oldest unresolved pending entry with the
	// same sender, the same NFC-normalized content, and a creation time
	// within Tolerance. Each insert resolves at most one pending entry, so a
	// deliberately repeated identical send keeps its own slot.
	content := norm.NFC.String(m.Content)
	for i, e := range s.entries {
		if e.Identity.Pending() &&
			e.Sender == m.Sender &&
			norm.NFC.String(e.Content) == content &&
			absDuration(e.CreatedAt.Sub(m.CreatedAt)) <= s.tolerance() {
			s.entries[i] = m
			return "resolved_heuristic", true
		}
	}
	s.entries = insertSorted(s.entries, m)
	return "appended", true
}

// installLocked replaces the confirmed portion of the sequence with history,
// re-merging whatever the caller left in s.entries: on the Load path that is
// confirmed entries the page missed (feed inserts that raced ahead) plus all
// pending entries; Refresh clears the slice first, so nothing survives there.
// Tombstoned ids never re-enter.
func (s *TimelineService) installLocked(history []domain.Message) {
	merged := make([]domain.Message, 0, len(history)+len(s.entries))
	for _, h := range history {
		if _, dead := s.tombstones[h.Identity.ID]; dead {
			continue
		}
		merged = append(merged, h)
	}
	for _, e := range s.entries {
		if e.Identity.Pending() {
			merged = insertSorted(merged, e)
			continue
		}
		if _, dead := s.tombstones[e.Identity.ID]; dead {
			continue
		}
		if !containsID(merged, e.Identity.ID) {
			merged = insertSorted(merged, e)
		}
	}
	s.entries = merged
}

// resolve swaps a pending entry for its confirmed record, preserving its
// position. If the entry is gone (refreshed away or the room switched), the
// confirmed record re-enters through the normal insert reconciliation so it
// is not lost and not duplicated.
func (s *TimelineService) resolve(tempID string, confirmed domain.Message) {
	s.mu.Lock()
	changed := false
	found := false
	for i, e := range s.entries {
		if e.Identity.Pending() && e.Identity.TempID == tempID {
			if _, dead := s.tombstones[confirmed.Identity.ID]; dead {
				s.entries = append(s.entries[:i], s.entries[i+1:]...)
			} else {
				s.entries[i] = confirmed
			}
			found, changed = true, true
			break
		}
	}
	var outcome string
	if !found {
		outcome, changed = s.applyInsertLocked(confirmed)
	}
	snap := s.snapshotLocked()
	onChange := s.onChange
	s.mu.Unlock()

	if outcome != "" {
		metrics.ReconcileTotal.WithLabelValues(outcome).Inc()
	}
	if changed {
		notify(onChange, snap)
	}
}

// rollback removes a pending entry after a failed durable write.
func (s *TimelineService) rollback(tempID string) {
	s.mu.Lock()
	changed := false
	for i, e := range s.entries {
		if e.Identity.Pending() && e.Identity.TempID == tempID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			changed = true
			break
		}
	}
	snap := s.snapshotLocked()
	onChange := s.onChange
	s.mu.Unlock()

	if changed {
		notify(onChange, snap)
	}
}

func (s *TimelineService) snapshotLocked() []domain.Message {
	out := make([]domain.Message, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *TimelineService) pageLimit() int {
	if s.PageLimit > 0 {
		return s.PageLimit
	}
	return defaultPageLimit
}

func (s *TimelineService) tolerance() time.Duration {
	if s.Tolerance > 0 {
		return s.Tolerance
	}
	return defaultTolerance
}

func (s *TimelineService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func notify(onChange func([]domain.Message), snap []domain.Message) {
	if onChange != nil {
		onChange(snap)
	}
}

// insertSorted places m after every entry with CreatedAt <= m.CreatedAt, so
// the sequence stays ascending and equal timestamps keep arrival order.
func insertSorted(entries []domain.Message, m domain.Message) []domain.Message {
	idx := sort.Search(len(entries), func(i int) bool {
		return entries[i].CreatedAt.After(m.CreatedAt)
	})
	entries = append(entries, domain.Message{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = m
	return entries
}

func sortByCreation(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].Identity.ID < msgs[j].Identity.ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func containsID(entries []domain.Message, id int64) bool {
	for _, e := range entries {
		if !e.Identity.Pending() && e.Identity.ID == id {
			return true
		}
	}
	return false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
