package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is the admission check the service runs before any credential
// operation. A denial carries a retry-after hint.
type Limiter interface {
	Admit(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
}

// FixedWindow admits up to max calls per key within a fixed window.
// Windows are created lazily and reset on first use after expiry.
type FixedWindow struct {
	max    int
	window time.Duration
	clock  func() time.Time

	mu        sync.Mutex
	windows   map[string]*windowState
	lastPrune time.Time
}

type windowState struct {
	count   int
	resetAt time.Time
}

// Option configures a FixedWindow.
type Option func(*FixedWindow)

// WithClock overrides the time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *FixedWindow) { l.clock = clock }
}

// NewFixedWindow creates a limiter admitting max calls per window per key.
func NewFixedWindow(max int, window time.Duration, opts ...Option) *FixedWindow {
	l := &FixedWindow{
		max:     max,
		window:  window,
		clock:   time.Now,
		windows: make(map[string]*windowState),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastPrune = l.clock()
	return l
}

// Admit implements Limiter. A denied call never grows the counter past
// the configured maximum.
func (l *FixedWindow) Admit(_ context.Context, key string) (bool, time.Duration, error) {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > l.window {
		l.pruneLocked(now)
	}

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		l.windows[key] = &windowState{count: 1, resetAt: now.Add(l.window)}
		return true, 0, nil
	}
	if w.count >= l.max {
		return false, w.resetAt.Sub(now), nil
	}
	w.count++
	return true, 0, nil
}

// pruneLocked drops windows whose reset time has passed. Callers hold mu.
func (l *FixedWindow) pruneLocked(now time.Time) {
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
		}
	}
	l.lastPrune = now
}
