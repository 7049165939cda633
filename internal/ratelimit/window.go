package ratelimit

import (
	"sync"
	"time"
)

// Window admits at most maxCalls calls in any trailing window.
// Its lock is private; callers never hold another lock across TryAcquire.
type Window struct {
	mu       sync.Mutex
	calls    []time.Time
	maxCalls int
	window   time.Duration
	now      func() time.Time

	// OnDenied is called outside the lock on every denial.
	OnDenied func()
}

type WindowOption func(*Window)

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) WindowOption {
	return func(w *Window) {
		if now != nil {
			w.now = now
		}
	}
}

// WithOnDenied sets a callback for every denied call, used for metrics.
func WithOnDenied(fn func()) WindowOption {
	return func(w *Window) { w.OnDenied = fn }
}

// NewWindow returns a limiter admitting maxCalls per window.
// Non-positive arguments fall back to 20 calls per minute.
func NewWindow(maxCalls int, window time.Duration, opts ...WindowOption) *Window {
	if maxCalls <= 0 {
		maxCalls = 20
	}
	if window <= 0 {
		window = time.Minute
	}
	w := &Window{
		calls:    make([]time.Time, 0, maxCalls),
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// TryAcquire prunes calls older than the window and admits if under budget.
// A call made at t stops counting at t+window.
func (w *Window) TryAcquire() bool {
	w.mu.Lock()
	now := w.now()
	w.pruneLocked(now)
	ok := len(w.calls) < w.maxCalls
	if ok {
		w.calls = append(w.calls, now)
	}
	w.mu.Unlock()

	if !ok && w.OnDenied != nil {
		w.OnDenied()
	}
	return ok
}

// Remaining reports how many calls would be admitted right now.
func (w *Window) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.now())
	return w.maxCalls - len(w.calls)
}

// RetryAfter reports how long until the next slot frees, zero if one is free.
func (w *Window) RetryAfter() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.pruneLocked(now)
	if len(w.calls) < w.maxCalls {
		return 0
	}
	return w.calls[0].Add(w.window).Sub(now)
}

// pruneLocked drops expired timestamps. calls is kept in admission order.
func (w *Window) pruneLocked(now time.Time) {
	i := 0
	for i < len(w.calls) && now.Sub(w.calls[i]) >= w.window {
		i++
	}
	if i > 0 {
		w.calls = append(w.calls[:0], w.calls[i:]...)
	}
}
