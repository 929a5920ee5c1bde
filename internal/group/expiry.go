package group

import (
	"sync"
	"time"
)

// ExpiryWatcher fires a callback once an away member's deadline elapses,
// unless stopped first. It is safe for concurrent use.
type ExpiryWatcher struct {
	mu       sync.Mutex
	timer    *time.Timer
	deadline time.Time
	stopped  bool
}

// NewExpiryWatcher starts a watcher that calls onExpire at deadline.
// onExpire runs in its own goroutine.
//
// Precondition: onExpire must not be nil.
// Postcondition: onExpire is called once at or after deadline unless Stop is called first.
func NewExpiryWatcher(deadline time.Time, onExpire func()) *ExpiryWatcher {
	w := &ExpiryWatcher{deadline: deadline}
	w.timer = time.AfterFunc(time.Until(deadline), func() {
		w.mu.Lock()
		stopped := w.stopped
		w.stopped = true
		w.mu.Unlock()
		if !stopped {
			onExpire()
		}
	})
	return w
}

// Deadline returns the instant the watcher fires.
func (w *ExpiryWatcher) Deadline() time.Time {
	return w.deadline
}

// Stop cancels the watcher. Safe to call multiple times.
//
// Postcondition: onExpire will not start after Stop returns. Returns true if
// this call prevented the callback.
func (w *ExpiryWatcher) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	w.stopped = true
	w.timer.Stop()
	return true
}
