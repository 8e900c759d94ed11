// Package domain defines the client-side data model shared across the sync
// engine: messages with their dual pending/confirmed identity, and the event
// records delivered by the remote store's change feed and broadcast channels.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IdentityKind discriminates a locally generated identity from a
// server-assigned one.
type IdentityKind int

const (
	// IdentityPending marks an optimistic, not yet durably written message.
	// Only TempID is meaningful.
	IdentityPending IdentityKind = iota

	// IdentityConfirmed marks a message the remote store has persisted.
	// Only ID is meaningful.
	IdentityConfirmed
)

// Identity is the tagged identity union carried by every message. A message
// starts out pending with a client-generated TempID and is swapped to a
// confirmed identity once the store assigns its integer ID. The two halves
// are never valid at the same time.
type Identity struct {
	Kind   IdentityKind
	TempID string // client UUID, set when Kind == IdentityPending
	ID     int64  // server-assigned, set when Kind == IdentityConfirmed
}

// NewPendingIdentity returns a fresh pending identity with a random TempID.
func NewPendingIdentity() Identity {
	return Identity{Kind: IdentityPending, TempID: uuid.NewString()}
}

// ConfirmedIdentity returns a confirmed identity for a server-assigned id.
func ConfirmedIdentity(id int64) Identity {
	return Identity{Kind: IdentityConfirmed, ID: id}
}

// Pending reports whether the identity is still local-only.
func (i Identity) Pending() bool { return i.Kind == IdentityPending }

// Equal reports whether two identities name the same message. Identities of
// different kinds never compare equal; the pending-to-confirmed transition is
// resolved by the reconciliation rules, not here.
func (i Identity) Equal(o Identity) bool {
	if i.Kind != o.Kind {
		return false
	}
	if i.Kind == IdentityPending {
		return i.TempID != "" && i.TempID == o.TempID
	}
	return i.ID == o.ID
}

// String renders the identity for logs ("tmp:<uuid>" or "msg:<id>").
func (i Identity) String() string {
	if i.Pending() {
		return "tmp:" + i.TempID
	}
	return fmt.Sprintf("msg:%d", i.ID)
}

// Message is one entry in a room's visible sequence.
//
// Fields:
//   - Identity: pending or confirmed identity (see Identity).
//   - RoomID: the room the message belongs to.
//   - AuthorID: author identifier; empty for system and automated messages.
//   - Sender: display name rendered next to the content.
//   - Content: text content.
//   - Automated: true for replies produced by the automated responder.
//   - System: true for locally meaningful notices (fallbacks, placeholders).
//   - ClientTag: client-generated write token attached to optimistic sends
//     and echoed back by the store, so a feed insert can be matched to its
//     optimistic entry without guessing.
//   - CreatedAt: client clock while pending, server clock once confirmed.
type Message struct {
	Identity  Identity
	RoomID    string
	AuthorID  string
	Sender    string
	Content   string
	Automated bool
	System    bool
	ClientTag string
	CreatedAt time.Time
}

// ChangeKind discriminates change-feed notifications.
type ChangeKind int

const (
	// ChangeInsert announces a newly persisted message.
	ChangeInsert ChangeKind = iota
	// ChangeDelete announces the removal of a persisted message.
	ChangeDelete
)

// ChangeEvent is one insert/delete notification from a room's change feed.
// Inserts carry the full confirmed record; deletes carry only the id.
type ChangeEvent struct {
	Kind    ChangeKind
	Message Message // populated for ChangeInsert
	ID      int64   // populated for ChangeDelete
}

// TypingKind discriminates typing-presence broadcasts.
type TypingKind int

const (
	// TypingStart announces a user began (or is still) composing.
	TypingStart TypingKind = iota
	// TypingStop announces a user stopped composing.
	TypingStop
)

// TypingEvent is one ephemeral presence broadcast. These are fire-and-forget
// and never persisted; receivers must tolerate lost stops via expiry.
type TypingEvent struct {
	Kind   TypingKind
	UserID string
	Name   string
}
