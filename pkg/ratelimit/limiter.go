// Package ratelimit provides an in-memory, per-caller fixed-window rate
// limiter for the HTTP surface. The window is one minute; a limit of
// zero disables limiting entirely.
package ratelimit

import (
	"sync"
	"time"
)

// Window is the fixed limiting window.
const Window = time.Minute

// Limiter counts requests per caller per window.
type Limiter struct {
	limit int
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	count     int
	windowEnd time.Time
}

// New creates a limiter allowing limit requests per caller per minute.
// limit <= 0 disables the limiter.
func New(limit int) *Limiter {
	return &Limiter{
		limit: limit,
		slots: make(map[string]*slot),
	}
}

// Result is one admission decision.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Allow records one request for the caller and reports whether it is
// admitted under the current window.
func (l *Limiter) Allow(caller string) Result {
	if l.limit <= 0 {
		return Result{Allowed: true, Remaining: -1}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	s, ok := l.slots[caller]
	if !ok || s.windowEnd.Before(now) {
		s = &slot{windowEnd: now.Add(Window)}
		l.slots[caller] = s
	}

	if s.count >= l.limit {
		return Result{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: time.Until(s.windowEnd),
		}
	}
	s.count++
	return Result{Allowed: true, Remaining: l.limit - s.count}
}

// Reset clears a caller's window.
func (l *Limiter) Reset(caller string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.slots, caller)
}

// Sweep drops expired windows. Call periodically to bound memory.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for caller, s := range l.slots {
		if s.windowEnd.Before(now) {
			delete(l.slots, caller)
		}
	}
}
