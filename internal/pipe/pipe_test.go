package pipe

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/account-login/spiped/internal/handshake"
)

func sampleKey(b byte) *handshake.Key {
	var k handshake.Key
	for i := range k {
		k[i] = b
	}
	return &k
}

// TestPipeRoundTrip wires an encrypting pipe's ciphertext output directly
// into a decrypting pipe's input and checks the plaintext survives.
func TestPipeRoundTrip(t *testing.T) {
	plainSrc, plainSrcPeer := net.Pipe()   // app writes plaintext into plainSrc
	cipherMid, cipherMidPeer := net.Pipe() // encrypt pipe writes ciphertext here, decrypt pipe reads it there
	plainDst, plainDstPeer := net.Pipe()   // decrypt pipe writes recovered plaintext here

	key := sampleKey(0xAB)

	encStatus := make(chan Status, 4)
	decStatus := make(chan Status, 4)

	Real{}.Start(plainSrcPeer, cipherMid, false, key, func(s Status) { encStatus <- s })
	Real{}.Start(cipherMidPeer, plainDstPeer, true, key, func(s Status) { decStatus <- s })

	if s := <-encStatus; s != StatusRunning {
		t.Fatalf("encrypt pipe initial status = %v, want Running", s)
	}
	if s := <-decStatus; s != StatusRunning {
		t.Fatalf("decrypt pipe initial status = %v, want Running", s)
	}

	msg := []byte("hello, encrypted world")
	go func() {
		_, _ = plainSrc.Write(msg)
	}()

	got := make([]byte, len(msg))
	if _, err := io.ReadFull(plainDst, got); err != nil {
		t.Fatalf("read recovered plaintext: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, msg)
	}

	_ = plainSrc.Close()

	select {
	case s := <-encStatus:
		if s != StatusClosed {
			t.Errorf("encrypt pipe final status = %v, want Closed", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for encrypt pipe to report closed")
	}
}

func TestPipeCancelSuppressesStatus(t *testing.T) {
	src, srcPeer := net.Pipe()
	dst, _ := net.Pipe()
	defer src.Close()
	defer srcPeer.Close()
	defer dst.Close()

	key := sampleKey(0x11)
	statuses := make(chan Status, 4)
	h := Real{}.Start(srcPeer, dst, false, key, func(s Status) { statuses <- s })

	if s := <-statuses; s != StatusRunning {
		t.Fatalf("initial status = %v, want Running", s)
	}

	h.Cancel()

	select {
	case s := <-statuses:
		t.Fatalf("unexpected status after Cancel: %v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPipeErrorOnBadMAC(t *testing.T) {
	plainSrcPeer, plainSrc := net.Pipe()
	cipherMid, cipherMidPeer := net.Pipe()
	plainDst, plainDstPeer := net.Pipe()

	keyA := sampleKey(0x01)
	keyB := sampleKey(0x02)

	decStatus := make(chan Status, 4)
	Real{}.Start(plainSrcPeer, cipherMid, false, keyA, func(Status) {})
	Real{}.Start(cipherMidPeer, plainDstPeer, true, keyB, func(s Status) { decStatus <- s })

	if s := <-decStatus; s != StatusRunning {
		t.Fatalf("initial status = %v, want Running", s)
	}

	go func() {
		_, _ = plainSrc.Write([]byte("this will fail to decrypt"))
	}()

	go func() {
		buf := make([]byte, 16)
		_, _ = plainDst.Read(buf) // drain, if anything arrives before the error
	}()

	select {
	case s := <-decStatus:
		if s != StatusError {
			t.Errorf("status = %v, want Error", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decrypt pipe to report an error")
	}
}
