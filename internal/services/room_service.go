// Package services – RoomService
//
// This file implements the room-view lifecycle: the piece the UI collaborator
// talks to. A RoomService owns at most one open change-feed subscription and
// one presence broadcaster at a time; opening a room closes the previous
// handle first, and every asynchronous continuation belonging to a room is
// gated by that room's context, so rapid switching neither leaks
// subscriptions nor lets a stale callback mutate the new room's state.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-client/internal/domain"
)

// RoomService binds the timeline, presence, and responder to the lifetime of
// one visible room on behalf of the local user.
type RoomService struct {
	// Store is the remote store collaborator.
	Store MessageStore
	// Bus carries typing broadcasts.
	Bus BroadcastBus
	// Timeline is the reconciliation store; owned exclusively by this view.
	Timeline *TimelineService
	// Responder inspects outgoing content; may be nil to disable.
	Responder *ResponderService

	// SelfID and SelfName identify the local user.
	SelfID   string
	SelfName string

	// Presence pacing, copied onto each room's broadcaster. Zero values use
	// the presence defaults.
	TypingWindow    time.Duration
	PresenceTimeout time.Duration
	SweepInterval   time.Duration

	// Log is the room lifecycle logger.
	Log zerolog.Logger

	mu       sync.Mutex
	roomID   string
	cancel   context.CancelFunc
	roomCtx  context.Context
	feed     *FeedSubscription
	presence *PresenceService
}

// NewRoomService wires a room controller for the local user.
func NewRoomService(store MessageStore, bus BroadcastBus, timeline *TimelineService, responder *ResponderService, selfID, selfName string) *RoomService {
	return &RoomService{
		Store:     store,
		Bus:       bus,
		Timeline:  timeline,
		Responder: responder,
		SelfID:    selfID,
		SelfName:  selfName,
		Log:       log.With().Str("component", "room").Logger(),
	}
}

// Open displays roomID: it tears down the previous room view (closing its
// feed handle before opening a new one), loads history into the timeline,
// subscribes to the room's change feed, and starts the presence broadcaster.
// It returns the initially visible sequence.
func (s *RoomService) Open(ctx context.Context, roomID string) ([]domain.Message, error) {
	s.Close()

	roomCtx, cancel := context.WithCancel(ctx)
	msgs, err := s.Timeline.Load(roomCtx, roomID)
	if err != nil {
		cancel()
		return nil, err
	}

	feed := OpenFeed(s.Store, roomID, s.Timeline.ApplyInsert, s.Timeline.ApplyDelete)

	presence := NewPresenceService(s.Bus, roomID, s.SelfID, s.SelfName)
	if s.TypingWindow > 0 {
		presence.TypingWindow = s.TypingWindow
	}
	if s.PresenceTimeout > 0 {
		presence.PresenceTimeout = s.PresenceTimeout
	}
	if s.SweepInterval > 0 {
		presence.SweepInterval = s.SweepInterval
	}
	go presence.Run(roomCtx)

	s.mu.Lock()
	s.roomID = roomID
	s.cancel = cancel
	s.roomCtx = roomCtx
	s.feed = feed
	s.presence = presence
	s.mu.Unlock()

	s.Log.Info().Str("room", roomID).Int("messages", len(msgs)).Msg("room opened")
	return msgs, nil
}

// Close tears down the current room view: the feed handle is closed (no
// callbacks after return), the room context is canceled so in-flight
// continuations die, and the presence broadcaster stops. Idempotent.
func (s *RoomService) Close() {
	s.mu.Lock()
	roomID := s.roomID
	cancel := s.cancel
	feed := s.feed
	s.roomID = ""
	s.cancel = nil
	s.roomCtx = nil
	s.feed = nil
	s.presence = nil
	s.mu.Unlock()

	if feed != nil {
		feed.Close()
	}
	if cancel != nil {
		cancel()
	}
	if roomID != "" {
		s.Log.Info().Str("room", roomID).Msg("room closed")
	}
}

// Send issues an optimistic write of content as the local user, stops the
// typing indicator, and hands the outgoing content to the responder. The
// returned channel reports the durable write's outcome (see
// TimelineService.SendOptimistic).
func (s *RoomService) Send(content string) (<-chan error, error) {
	s.mu.Lock()
	roomID := s.roomID
	roomCtx := s.roomCtx
	presence := s.presence
	s.mu.Unlock()
	if roomID == "" {
		return nil, ErrNoRoom
	}

	_, errs, err := s.Timeline.SendOptimistic(roomCtx, s.SelfID, s.SelfName, content)
	if err != nil {
		return nil, err
	}
	if presence != nil {
		presence.StopTyping()
	}
	if s.Responder != nil {
		s.Responder.HandleOutgoing(roomCtx, roomID, content)
	}
	return errs, nil
}

// Typing reports input focus/keystrokes to the presence broadcaster.
func (s *RoomService) Typing() {
	s.mu.Lock()
	presence := s.presence
	s.mu.Unlock()
	if presence != nil {
		presence.StartTyping()
	}
}

// TypingText returns the current typing-presence line for the room ("" when
// nobody is composing).
func (s *RoomService) TypingText() string {
	s.mu.Lock()
	presence := s.presence
	s.mu.Unlock()
	if presence == nil {
		return ""
	}
	return presence.DisplayText()
}

// Refresh discards and reloads the room's history (recovery after bulk
// external mutation).
func (s *RoomService) Refresh() error {
	s.mu.Lock()
	roomCtx := s.roomCtx
	s.mu.Unlock()
	if roomCtx == nil {
		return ErrNoRoom
	}
	return s.Timeline.Refresh(roomCtx)
}

// Delete asks the store to remove a persisted message; the removal becomes
// visible through the change feed like any other client's delete.
func (s *RoomService) Delete(id int64) error {
	s.mu.Lock()
	roomID := s.roomID
	roomCtx := s.roomCtx
	s.mu.Unlock()
	if roomID == "" {
		return ErrNoRoom
	}
	return s.Store.Delete(roomCtx, roomID, id)
}
