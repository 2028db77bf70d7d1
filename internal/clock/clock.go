// Package clock provides the timer collaborator: a
// one-shot, cancellable callback scheduled after a duration. internal/proto
// depends on the Timers interface, not this package directly, so tests can
// inject a scripted clock in its place.
package clock

import (
	"sync"
	"time"
)

// Handle is a single armed timer; Cancel is synchronous — once it
// returns, the timer's callback is guaranteed not to fire.
type Handle interface {
	Cancel()
}

// Timers registers one-shot timers. Register returns a Handle that can be
// cancelled before it fires.
type Timers interface {
	Register(d time.Duration, cb func()) Handle
}

// Real is the production Timers backed by time.AfterFunc.
type Real struct{}

type realHandle struct {
	mu       sync.Mutex
	canceled bool
	done     chan struct{}
	t        *time.Timer
}

// Cancel guards against time.AfterFunc's documented race: if t.Stop
// returns false, cb has already started running in its own goroutine, so
// Cancel must wait for it to finish before returning -- otherwise a timer
// that raced a cancel could still deliver its event after Cancel returns.
func (h *realHandle) Cancel() {
	h.mu.Lock()
	h.canceled = true
	h.mu.Unlock()
	if h.t.Stop() {
		return
	}
	<-h.done
}

// Register arms cb to run after d elapses, on its own goroutine (matching
// time.AfterFunc's contract). The caller (internal/proto's event loop) is
// responsible for getting back onto its serialized event channel, exactly
// as it must for the network/handshake/pipe collaborators.
func (Real) Register(d time.Duration, cb func()) Handle {
	h := &realHandle{done: make(chan struct{})}
	h.t = time.AfterFunc(d, func() {
		h.mu.Lock()
		canceled := h.canceled
		h.mu.Unlock()
		if !canceled {
			cb()
		}
		close(h.done)
	})
	return h
}
