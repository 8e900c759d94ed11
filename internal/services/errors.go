// Package services implements the sync engine: the change-feed subscription,
// the message reconciliation timeline, typing presence, the automated
// responder, and the room-view lifecycle that ties them together.
//
// This file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers. Failures
// of the remote store itself are returned as-is (wrapped where useful) so the
// caller keeps the underlying reason.
package services

import "errors"

var (
	// ErrEmptyContent is returned when an outgoing message is blank after
	// trimming.
	ErrEmptyContent = errors.New("content is empty")

	// ErrTooLong is returned when an outgoing message exceeds the maximum
	// configured rune length.
	ErrTooLong = errors.New("content too long")

	// ErrNoRoom is returned when an operation requires an open room view
	// and none is open.
	ErrNoRoom = errors.New("no room is open")
)
