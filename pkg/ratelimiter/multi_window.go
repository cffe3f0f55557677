package ratelimiter

import (
	"sync"
	"time"
)

// WindowLimit describes a single rolling window constraint:
// at most Limit events within any interval of length Window.
type WindowLimit struct {
	Limit  int
	Window time.Duration
}

// MultiWindow enforces several rolling windows simultaneously (for example
// per-minute, per-hour, per-day and per-week posting quotas). An event is
// admitted only when every window has room, and it is recorded against all
// windows atomically. When two windows disagree on the next eligible slot,
// the most restrictive one wins.
//
// Each window keeps a log of admitted timestamps, which makes NextEligible
// exact at window boundaries. The log is bounded by the window limits, so
// memory stays proportional to the configured quotas.
type MultiWindow struct {
	windows []*windowLog
	mutex   sync.Mutex
}

// windowLog is the sliding-window-log state for one constraint.
type windowLog struct {
	limit  int
	window time.Duration
	log    []time.Time // admitted timestamps, ascending
}

// NewMultiWindow creates a MultiWindow from the given constraints.
// Constraints with a non-positive limit or window are ignored.
func NewMultiWindow(limits ...WindowLimit) *MultiWindow {
	mw := &MultiWindow{}
	for _, l := range limits {
		if l.Limit <= 0 || l.Window <= 0 {
			continue
		}
		mw.windows = append(mw.windows, &windowLog{limit: l.Limit, window: l.Window})
	}
	return mw
}

// Allow checks whether an event is admitted right now, recording it if so.
// It satisfies the RateLimiter interface.
func (mw *MultiWindow) Allow() bool {
	return mw.AllowAt(time.Now())
}

// AllowAt checks whether an event is admitted at the given instant.
// The event is recorded against every window only if all of them have room.
func (mw *MultiWindow) AllowAt(now time.Time) bool {
	mw.mutex.Lock()
	defer mw.mutex.Unlock()

	for _, w := range mw.windows {
		w.prune(now)
		if len(w.log) >= w.limit {
			return false
		}
	}
	for _, w := range mw.windows {
		w.log = append(w.log, now)
	}
	return true
}

// NextEligible returns the earliest instant at or after now at which all
// windows would admit an event. It does not record anything. If an event
// would be admitted immediately, now is returned unchanged.
func (mw *MultiWindow) NextEligible(now time.Time) time.Time {
	mw.mutex.Lock()
	defer mw.mutex.Unlock()

	eligible := now
	for _, w := range mw.windows {
		w.prune(now)
		if len(w.log) < w.limit {
			continue
		}
		// The window frees a slot when its (len-limit+1)-th oldest entry
		// slides out. With len >= limit that is log[len-limit].
		freeAt := w.log[len(w.log)-w.limit].Add(w.window)
		if freeAt.After(eligible) {
			eligible = freeAt
		}
	}
	return eligible
}

// prune drops timestamps that are outside the window relative to now.
func (w *windowLog) prune(now time.Time) {
	boundary := now.Add(-w.window)
	i := 0
	for i < len(w.log) && !w.log[i].After(boundary) {
		i++
	}
	if i > 0 {
		w.log = append(w.log[:0], w.log[i:]...)
	}
}
