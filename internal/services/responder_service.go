// Package services – ResponderService
//
// This file implements the automated responder trigger. Outgoing messages
// that mention the bot arm an asynchronous reply: after a short simulated
// latency, the responder gathers recent room messages as context, formats
// them as "sender: content" lines (honoring per-viewer nickname overrides),
// and asks the generation collaborator for a reply, which is inserted
// through the ordinary store write path so it reaches every client via the
// change feed.
//
// Per room, an attempt moves Idle → Armed → Idle, or Idle → Gated → Idle
// when the session cooldown is active. Every failure downstream of the gate
// — context fetch, generation, even the insert of the reply — collapses to a
// visible system notice; a mention is never silently unanswered, the caller
// never sees an error, and the consumed cooldown is never refunded.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-client/internal/domain"
	"github.com/tbourn/go-chat-client/internal/genai"
	"github.com/tbourn/go-chat-client/internal/metrics"
)

const (
	defaultContextLimit   = 12
	defaultResponderDelay = 1500 * time.Millisecond
	defaultBotName        = "bot"
)

// ResponderService watches outgoing content for the configured mention token
// and produces rate-limited automated replies.
type ResponderService struct {
	// Store is the remote store collaborator; replies and notices are
	// inserted through it like any other message.
	Store MessageStore
	// Gen is the external generation collaborator.
	Gen genai.Generator
	// Gate is the session-scoped cooldown, shared across rooms.
	Gate *CooldownGate

	// Mention is the literal substring that addresses the bot
	// (matched case-insensitively). Empty disables the responder.
	Mention string
	// BotName is the display name on automated replies and notices.
	BotName string
	// ContextLimit is how many recent messages feed the prompt. Defaults to 12.
	ContextLimit int
	// Delay is the simulated latency before a granted attempt runs.
	// Defaults to 1.5s; tests set 0.
	Delay time.Duration
	// IncludeAutomated keeps prior bot replies in the prompt context.
	IncludeAutomated bool
	// Nickname maps an author id to the viewer's override for that sender;
	// nil or a "" result keeps the raw display name.
	Nickname func(authorID string) string

	// Log is the responder logger.
	Log zerolog.Logger
}

// NewResponderService constructs a responder with default pacing.
func NewResponderService(store MessageStore, gen genai.Generator, gate *CooldownGate, mention string) *ResponderService {
	return &ResponderService{
		Store:        store,
		Gen:          gen,
		Gate:         gate,
		Mention:      mention,
		BotName:      defaultBotName,
		ContextLimit: defaultContextLimit,
		Delay:        defaultResponderDelay,
		Log:          log.With().Str("component", "responder").Logger(),
	}
}

// HandleOutgoing inspects one outgoing message. Without the mention token it
// does nothing. With it, a cooldown-gated attempt inserts a placeholder
// notice; otherwise the cooldown is consumed immediately and the reply is
// produced asynchronously. HandleOutgoing never returns an error: failures
// end as visible notices in the room.
func (s *ResponderService) HandleOutgoing(ctx context.Context, roomID, content string) {
	if s.Mention == "" || !strings.Contains(strings.ToLower(content), strings.ToLower(s.Mention)) {
		return
	}
	if !s.Gate.Allow() {
		metrics.ResponderAttempts.WithLabelValues("gated").Inc()
		s.insertNotice(ctx, roomID, fmt.Sprintf("%s is cooling down, try again in a moment.", s.botName()))
		return
	}
	metrics.ResponderAttempts.WithLabelValues("armed").Inc()
	go s.respond(ctx, roomID)
}

// respond runs the armed path: delay, context, generation, insert.
func (s *ResponderService) respond(ctx context.Context, roomID string) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	reply, err := s.generate(ctx, roomID)
	if err != nil {
		if ctx.Err() != nil {
			// Room view is gone; nobody is left to notify.
			return
		}
		metrics.ResponderAttempts.WithLabelValues("fallback").Inc()
		s.Log.Warn().Err(err).Str("room", roomID).Msg("automated reply failed, inserting fallback notice")
		s.insertNotice(ctx, roomID, s.fallbackText(err))
		return
	}

	_, err = s.Store.Insert(ctx, domain.Message{
		Identity:  domain.NewPendingIdentity(),
		RoomID:    roomID,
		Sender:    s.botName(),
		Content:   reply,
		Automated: true,
		ClientTag: uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		metrics.ResponderAttempts.WithLabelValues("fallback").Inc()
		s.Log.Warn().Err(err).Str("room", roomID).Msg("automated reply insert failed")
		s.insertNotice(ctx, roomID, s.fallbackText(err))
		return
	}
	metrics.ResponderAttempts.WithLabelValues("replied").Inc()
}

func (s *ResponderService) generate(ctx context.Context, roomID string) (string, error) {
	prompt, err := s.buildContext(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("build context: %w", err)
	}
	reply, err := s.Gen.Reply(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if strings.TrimSpace(reply) == "" {
		return "", genai.ErrMalformed
	}
	return reply, nil
}

// buildContext fetches the most recent messages, filters system notices and
// (unless configured otherwise) prior automated replies, and renders
// "sender: content" lines oldest-first.
func (s *ResponderService) buildContext(ctx context.Context, roomID string) (string, error) {
	history, err := s.Store.History(ctx, roomID, s.contextLimit())
	if err != nil {
		return "", err
	}
	sortByCreation(history)

	lines := make([]string, 0, len(history))
	for _, m := range history {
		if m.System {
			continue
		}
		if m.Automated && !s.IncludeAutomated {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", s.displayName(m), m.Content))
	}
	return strings.Join(lines, "\n"), nil
}

// displayName applies the viewer's nickname override when one exists.
func (s *ResponderService) displayName(m domain.Message) string {
	if s.Nickname != nil && m.AuthorID != "" {
		if nick := s.Nickname(m.AuthorID); nick != "" {
			return nick
		}
	}
	return m.Sender
}

// insertNotice writes a system message; a failure here is only logged, never
// propagated.
func (s *ResponderService) insertNotice(ctx context.Context, roomID, text string) {
	_, err := s.Store.Insert(ctx, domain.Message{
		Identity:  domain.NewPendingIdentity(),
		RoomID:    roomID,
		Sender:    s.botName(),
		Content:   text,
		System:    true,
		ClientTag: uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.Log.Error().Err(err).Str("room", roomID).Msg("failed to insert system notice")
	}
}

func (s *ResponderService) fallbackText(err error) string {
	if errors.Is(err, genai.ErrBlocked) {
		return fmt.Sprintf("%s can't help with that one.", s.botName())
	}
	return fmt.Sprintf("%s couldn't come up with a reply, sorry.", s.botName())
}

func (s *ResponderService) contextLimit() int {
	if s.ContextLimit > 0 {
		return s.ContextLimit
	}
	return defaultContextLimit
}

func (s *ResponderService) botName() string {
	if s.BotName != "" {
		return s.BotName
	}
	return defaultBotName
}
