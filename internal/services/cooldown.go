// Package services – CooldownGate
//
// This file implements the session-scoped rate limit for automated replies
// as a single token bucket (golang.org/x/time/rate) of depth one: one token
// per cooldown window is exactly the "no trigger while now − last < window"
// rule. The gate is an explicitly injected state object shared across rooms
// — the rate limit is deliberately global per session, not per room — and a
// consumed token is never refunded, so a failed generation still counts.
package services

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CooldownGate rate-limits automated responder triggers for one client
// session. Safe for concurrent use.
type CooldownGate struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	last    time.Time
}

// NewCooldownGate constructs a gate that grants at most one trigger per
// window. A window <= 0 disables the gate entirely.
func NewCooldownGate(window time.Duration) *CooldownGate {
	limit := rate.Inf
	if window > 0 {
		limit = rate.Every(window)
	}
	return &CooldownGate{limiter: rate.NewLimiter(limit, 1)}
}

// Allow consumes the gate if a token is available and records the trigger
// time immediately — before any asynchronous work begins — so a rapid burst
// of mentions yields exactly one grant.
func (g *CooldownGate) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.limiter.Allow() {
		return false
	}
	g.last = time.Now()
	return true
}

// LastTrigger returns when the gate last granted a trigger (zero if never).
func (g *CooldownGate) LastTrigger() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
