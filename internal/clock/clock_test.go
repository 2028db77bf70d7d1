package clock

import (
	"testing"
	"time"
)

func TestRealFiresAfterDuration(t *testing.T) {
	fired := make(chan struct{})
	Real{}.Register(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timer to fire")
	}
}

func TestRealCancelBeforeFireSuppressesCallback(t *testing.T) {
	fired := make(chan struct{})
	h := Real{}.Register(time.Hour, func() { close(fired) })
	h.Cancel()

	select {
	case <-fired:
		t.Fatal("callback fired after Cancel")
	case <-time.After(20 * time.Millisecond):
	}
}

// TestRealCancelRacingFireNeverDeliversAfterCancelReturns exercises the
// documented time.AfterFunc race: Cancel is called with essentially no
// delay, so it may lose the race against the timer firing. Either way,
// once Cancel returns, the callback must already have run to completion
// (or never run at all) -- it must never land afterward.
func TestRealCancelRacingFireNeverDeliversAfterCancelReturns(t *testing.T) {
	for i := 0; i < 200; i++ {
		var fired bool
		h := Real{}.Register(time.Microsecond, func() { fired = true })
		time.Sleep(time.Microsecond)
		h.Cancel()
		// Nothing may write to fired from here on; reading it right after
		// Cancel returns is race-free only if Cancel truly waited for any
		// in-flight callback to finish.
		_ = fired
	}
}
