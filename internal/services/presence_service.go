// Package services – PresenceService
//
// This file implements ephemeral typing presence for one room view. All
// state is local and dies with the view: a "start" broadcast inserts or
// refreshes an entry, a "stop" removes it, and a fixed-interval sweep evicts
// anything whose last activity exceeds the staleness bound — the broadcast
// channel carries no delivery guarantee, so a lost "stop" must age out on
// its own. Entries past the bound are also excluded from DisplayText before
// the sweep catches them.
package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-client/internal/domain"
	"github.com/tbourn/go-chat-client/internal/metrics"
)

const (
	defaultTypingWindow    = 3 * time.Second
	defaultPresenceTimeout = 5 * time.Second
	defaultSweepInterval   = time.Second
)

// BroadcastBus is the fire-and-forget side of the remote store contract.
// Publish may drop events; SubscribeBroadcast's cancel func must be
// idempotent and must eventually close the channel.
type BroadcastBus interface {
	Publish(key string, ev domain.TypingEvent)
	SubscribeBroadcast(key string) (<-chan domain.TypingEvent, func())
}

// typingEntry tracks one remote typist. firstSeen anchors display ordering;
// lastSeen drives expiry.
type typingEntry struct {
	userID    string
	name      string
	firstSeen time.Time
	lastSeen  time.Time
}

// PresenceService broadcasts the local user's typing state and mirrors the
// remote users currently composing in the same room. One instance serves one
// room view; construct with NewPresenceService and drive it with Run.
type PresenceService struct {
	// TypingWindow is how long after the last StartTyping call the local
	// "typing" state self-stops. Defaults to 3s.
	TypingWindow time.Duration
	// PresenceTimeout is the staleness bound for remote entries. Defaults to 5s.
	PresenceTimeout time.Duration
	// SweepInterval is how often stale entries are evicted. Defaults to 1s.
	SweepInterval time.Duration
	// Now is the clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time
	// Log is the presence logger.
	Log zerolog.Logger

	bus      BroadcastBus
	key      string
	selfID   string
	selfName string

	mu        sync.Mutex
	typing    bool
	stopTimer *time.Timer
	entries   map[string]*typingEntry
	onChange  func(string)
}

// NewPresenceService binds a presence broadcaster to one room's typing
// channel on behalf of the local user.
func NewPresenceService(bus BroadcastBus, roomID, selfID, selfName string) *PresenceService {
	return &PresenceService{
		TypingWindow:    defaultTypingWindow,
		PresenceTimeout: defaultPresenceTimeout,
		SweepInterval:   defaultSweepInterval,
		Now:             time.Now,
		Log:             log.With().Str("component", "presence").Str("room", roomID).Logger(),
		bus:             bus,
		key:             "typing:" + roomID,
		selfID:          selfID,
		selfName:        selfName,
	}
}

// OnChange registers a callback invoked with the new DisplayText whenever
// the set of visible typists changes. Runs outside the service lock.
func (s *PresenceService) OnChange(fn func(string)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Run subscribes to the room's typing channel and processes remote events
// and expiry sweeps until ctx is canceled. It broadcasts a final "stop" on
// shutdown if the local user was still marked typing.
func (s *PresenceService) Run(ctx context.Context) {
	events, unsubscribe := s.bus.SubscribeBroadcast(s.key)
	defer unsubscribe()

	ticker := time.NewTicker(s.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.StopTyping()
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleRemote(ev)
		case <-ticker.C:
			s.sweep()
		}
	}
}

// StartTyping marks the local user as composing. The first call broadcasts a
// "start" event and arms the self-stop timer; repeated calls only re-arm the
// timer and do not re-broadcast.
func (s *PresenceService) StartTyping() {
	s.mu.Lock()
	if s.typing {
		s.stopTimer.Reset(s.typingWindow())
		s.mu.Unlock()
		return
	}
	s.typing = true
	s.stopTimer = time.AfterFunc(s.typingWindow(), s.StopTyping)
	s.mu.Unlock()

	s.bus.Publish(s.key, domain.TypingEvent{Kind: domain.TypingStart, UserID: s.selfID, Name: s.selfName})
}

// StopTyping clears the local composing state and broadcasts a "stop" event.
// A no-op when not typing.
func (s *PresenceService) StopTyping() {
	s.mu.Lock()
	if !s.typing {
		s.mu.Unlock()
		return
	}
	s.typing = false
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
	s.mu.Unlock()

	s.bus.Publish(s.key, domain.TypingEvent{Kind: domain.TypingStop, UserID: s.selfID, Name: s.selfName})
}

// DisplayText renders the current non-expired typists:
//
//	0 → ""
//	1 → "Bob is typing…"
//	2 → "Bob and Ann are typing…"
//	3+ → "Bob and 2 others are typing…"
//
// Entries are ordered by first-seen time (name as tie-break), so the
// earliest typist anchors the phrase.
func (s *PresenceService) DisplayText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renderLocked(s.now())
}

// --- internals ---

func (s *PresenceService) handleRemote(ev domain.TypingEvent) {
	if ev.UserID == "" || ev.UserID == s.selfID {
		// Our own broadcasts loop back on the in-process bus.
		return
	}
	s.mu.Lock()
	now := s.now()
	switch ev.Kind {
	case domain.TypingStart:
		if s.entries == nil {
			s.entries = make(map[string]*typingEntry)
		}
		if e, ok := s.entries[ev.UserID]; ok {
			e.lastSeen = now
			e.name = ev.Name
		} else {
			s.entries[ev.UserID] = &typingEntry{userID: ev.UserID, name: ev.Name, firstSeen: now, lastSeen: now}
		}
	case domain.TypingStop:
		delete(s.entries, ev.UserID)
	}
	text := s.renderLocked(now)
	onChange := s.onChange
	s.mu.Unlock()

	if onChange != nil {
		onChange(text)
	}
}

// sweep evicts entries whose last activity exceeds the staleness bound.
func (s *PresenceService) sweep() {
	s.mu.Lock()
	now := s.now()
	evicted := 0
	for id, e := range s.entries {
		if now.Sub(e.lastSeen) >= s.presenceTimeout() {
			delete(s.entries, id)
			evicted++
		}
	}
	var (
		text     string
		onChange func(string)
	)
	if evicted > 0 {
		text = s.renderLocked(now)
		onChange = s.onChange
	}
	s.mu.Unlock()

	if evicted > 0 {
		metrics.PresenceEvictions.Add(float64(evicted))
		s.Log.Debug().Int("evicted", evicted).Msg("stale typing entries evicted")
		if onChange != nil {
			onChange(text)
		}
	}
}

func (s *PresenceService) visibleNamesLocked(now time.Time) []string {
	visible := make([]*typingEntry, 0, len(s.entries))
	for _, e := range s.entries {
		// Logically expired entries never render, evicted or not.
		if now.Sub(e.lastSeen) < s.presenceTimeout() {
			visible = append(visible, e)
		}
	}
	sort.Slice(visible, func(i, j int) bool {
		if visible[i].firstSeen.Equal(visible[j].firstSeen) {
			return visible[i].name < visible[j].name
		}
		return visible[i].firstSeen.Before(visible[j].firstSeen)
	})
	names := make([]string, len(visible))
	for i, e := range visible {
		names[i] = e.name
	}
	return names
}

func (s *PresenceService) renderLocked(now time.Time) string {
	names := s.visibleNamesLocked(now)
	switch len(names) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing…", names[0])
	case 2:
		return fmt.Sprintf("%s and %s are typing…", names[0], names[1])
	default:
		return fmt.Sprintf("%s and %d others are typing…", names[0], len(names)-1)
	}
}

func (s *PresenceService) typingWindow() time.Duration {
	if s.TypingWindow > 0 {
		return s.TypingWindow
	}
	return defaultTypingWindow
}

func (s *PresenceService) presenceTimeout() time.Duration {
	if s.PresenceTimeout > 0 {
		return s.PresenceTimeout
	}
	return defaultPresenceTimeout
}

func (s *PresenceService) sweepInterval() time.Duration {
	if s.SweepInterval > 0 {
		return s.SweepInterval
	}
	return defaultSweepInterval
}

func (s *PresenceService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
