// Package ledger suppresses duplicate firings of the same logical job
// within a time window. State is in-memory only and resets on restart,
// which is acceptable because recurrence is minute-grained.
package ledger

import (
	"sync"
	"time"
)

type Option func(*Ledger)

// WithClock injects a time source. Tests use this to avoid sleeping.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

type Ledger struct {
	mu     sync.Mutex
	window time.Duration
	clock  func() time.Time
	fired  map[string]time.Time
}

func New(window time.Duration, opts ...Option) *Ledger {
	if window <= 0 {
		window = 30 * time.Minute
	}
	l := &Ledger{
		window: window,
		clock:  time.Now,
		fired:  map[string]time.Time{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// HasFiredRecently reports whether key was marked fired within the window.
func (l *Ledger) HasFiredRecently(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	at, ok := l.fired[key]
	if !ok {
		return false
	}
	return l.clock().Sub(at) < l.window
}

// MarkFired records key as fired now. Call only after a successful send so
// a failed attempt is naturally retried on the next due occurrence.
func (l *Ledger) MarkFired(key string) {
	l.mu.Lock()
	l.fired[key] = l.clock()
	l.mu.Unlock()
}

// SetWindow updates the suppression window. Applied on config reload.
func (l *Ledger) SetWindow(window time.Duration) {
	if window <= 0 {
		return
	}
	l.mu.Lock()
	l.window = window
	l.mu.Unlock()
}

// Sweep drops entries older than the window and returns how many were
// removed. Optional; correctness never depends on it.
func (l *Ledger) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	removed := 0
	for k, at := range l.fired {
		if now.Sub(at) >= l.window {
			delete(l.fired, k)
			removed++
		}
	}
	return removed
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fired)
}
