// Package genai defines the reply-generation collaborator contract used by
// the automated responder, plus the implementations shipped with the client.
// The responder treats the collaborator as a black box: it hands over a
// formatted room context and gets back either text or a distinguishable
// error (blocked vs. malformed vs. transport).
package genai

import (
	"context"
	"errors"
)

var (
	// ErrBlocked indicates the collaborator refused to produce a reply for
	// this context (content policy, moderation, etc.).
	ErrBlocked = errors.New("reply blocked")

	// ErrMalformed indicates the collaborator answered but the response was
	// unusable (no choices, empty text).
	ErrMalformed = errors.New("malformed generation response")
)

// Generator produces a reply for a formatted room context. Implementations
// must honor ctx cancellation.
type Generator interface {
	Reply(ctx context.Context, prompt string) (string, error)
}

// Static is a canned Generator for tests and offline use. It returns Text
// when Err is nil, otherwise Err.
type Static struct {
	Text string
	Err  error
}

// Reply implements Generator.
func (s Static) Reply(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Err != nil {
		return "", s.Err
	}
	return s.Text, nil
}
