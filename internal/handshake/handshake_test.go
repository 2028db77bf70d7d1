package handshake

import (
	"net"
	"sync"
	"testing"
)

func mustSecret(t *testing.T, b byte) *Secret {
	t.Helper()
	raw := make([]byte, MinSecretLen)
	for i := range raw {
		raw[i] = b
	}
	s, err := NewSecret(raw)
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	return s
}

func runPair(t *testing.T, noPFSInit, noPFSResp, requirePFSInit, requirePFSResp bool, secretInit, secretResp *Secret) (initFwd, initRev, respFwd, respRev *Key, initErr, respErr error) {
	t.Helper()
	a, b := net.Pipe()

	var wg sync.WaitGroup
	wg.Add(2)

	Real{}.Handshake(a, false, noPFSInit, requirePFSInit, secretInit, func(fwd, rev *Key) {
		defer wg.Done()
		initFwd, initRev = fwd, rev
		if fwd == nil {
			initErr = errNonNil
		}
	})
	Real{}.Handshake(b, true, noPFSResp, requirePFSResp, secretResp, func(fwd, rev *Key) {
		defer wg.Done()
		respFwd, respRev = fwd, rev
		if fwd == nil {
			respErr = errNonNil
		}
	})

	wg.Wait()
	return
}

var errNonNil = &sentinelErr{}

type sentinelErr struct{}

func (*sentinelErr) Error() string { return "handshake failed" }

func TestHandshakeSuccessWithPFS(t *testing.T) {
	secret := mustSecret(t, 0x42)
	initFwd, initRev, respFwd, respRev, initErr, respErr := runPair(t, false, false, false, false, secret, secret)
	if initErr != nil || respErr != nil {
		t.Fatalf("expected success, got initErr=%v respErr=%v", initErr, respErr)
	}
	if initFwd == nil || initRev == nil || respFwd == nil || respRev == nil {
		t.Fatal("expected non-nil keys on both sides")
	}
	if *initFwd != *respRev {
		t.Error("initiator's forward key must equal responder's reverse key")
	}
	if *initRev != *respFwd {
		t.Error("initiator's reverse key must equal responder's forward key")
	}
}

func TestHandshakeSuccessWithoutPFS(t *testing.T) {
	secret := mustSecret(t, 0x7)
	initFwd, initRev, respFwd, respRev, initErr, respErr := runPair(t, true, true, false, false, secret, secret)
	if initErr != nil || respErr != nil {
		t.Fatalf("expected success, got initErr=%v respErr=%v", initErr, respErr)
	}
	if *initFwd != *respRev || *initRev != *respFwd {
		t.Error("keys must still agree with PFS disabled on both sides")
	}
}

func TestHandshakeMismatchedSecretsFail(t *testing.T) {
	a := mustSecret(t, 0x1)
	b := mustSecret(t, 0x2)
	initFwd, _, respFwd, _, initErr, respErr := runPair(t, false, false, false, false, a, b)
	if initErr == nil && respErr == nil {
		t.Fatal("expected at least one side to fail authentication")
	}
	if initFwd != nil && respFwd != nil {
		t.Error("both sides should not report success with mismatched secrets")
	}
}

func TestHandshakeRequirePFSRejectsPeerWithoutPFS(t *testing.T) {
	secret := mustSecret(t, 0x9)
	// Responder requires PFS; initiator disables it.
	_, _, respFwd, _, _, respErr := runPair(t, true, false, false, true, secret, secret)
	if respErr == nil {
		t.Fatal("expected responder to reject a peer with PFS disabled")
	}
	if respFwd != nil {
		t.Error("rejecting side must report (nil, nil)")
	}
}

func TestHandshakeCancelSuppressesCallback(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	secret := mustSecret(t, 0x3)
	called := false
	h := Real{}.Handshake(a, false, false, false, secret, func(fwd, rev *Key) {
		called = true
	})
	h.Cancel()
	if called {
		t.Error("callback must not fire after Cancel returns")
	}
}
