// Package handshake implements the handshake collaborator: given a
// socket and a direction, complete mutually authenticated key
// agreement and deliver two directional session keys, or fail.
//
// The connection state machine consumes it as an opaque task producing
// two directional keys; this package is the concrete implementation the
// rest of the repository needs to actually run. It authenticates both
// ends with the shared secret (Secret) and, unless NoPFS is set, layers
// an ephemeral Curve25519 exchange on top via golang.org/x/crypto/
// nacl/box for perfect forward secrecy, deriving the two session keys
// from the shared material with golang.org/x/crypto/hkdf.
package handshake

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the width of a directional session key: 32 bytes, matching
// nacl/secretbox's key size so internal/pipe can use one directly.
const KeySize = 32

// Key is one directional session key.
type Key [KeySize]byte

const (
	version   byte = 1
	flagPFS   byte = 1 << 0
	frameLen       = 1 + 1 + 32 // version, flags, ephemeral pubkey (zero-filled if no PFS)
	tagLen         = 32         // blake2b-256 keyed MAC
)

// Handle represents one outstanding handshake. Cancel is synchronous:
// once it returns, the completion callback is guaranteed not to fire.
type Handle interface {
	Cancel()
}

// Handshaker starts a handshake on conn. decryptRole selects which side
// goes first on the wire (the decrypting/responding side reads before it
// writes, mirroring how the encrypting/initiating side is the one that
// just finished an outbound connect and speaks first). cb is invoked
// exactly once: with two non-nil keys on success, or two nils on protocol
// failure -- (non-nil, nil) or (nil, non-nil) never happens.
type Handshaker interface {
	Handshake(conn net.Conn, decryptRole, noPFS, requirePFS bool, secret *Secret, cb func(fwd, rev *Key)) Handle
}

// Real is the production Handshaker.
type Real struct{}

type op struct {
	mu       sync.Mutex
	canceled bool
	conn     net.Conn
	done     chan struct{}
}

func (o *op) Cancel() {
	o.mu.Lock()
	o.canceled = true
	o.mu.Unlock()
	// Force any blocked Read/Write on conn to return immediately; this is
	// the standard net.Conn cancellation idiom absent a context-aware
	// Conn wrapper.
	_ = o.conn.SetDeadline(time.Now())
	<-o.done
}

// Handshake runs the protocol in its own goroutine and reports the result
// through cb, delivered on that goroutine -- exactly like
// dialer.Real.ConnectBind, the caller (internal/proto's event loop) is
// responsible for getting back onto its own serialized event channel.
func (Real) Handshake(conn net.Conn, decryptRole, noPFS, requirePFS bool, secret *Secret, cb func(fwd, rev *Key)) Handle {
	o := &op{conn: conn, done: make(chan struct{})}

	go func() {
		defer close(o.done)

		fwd, rev, err := run(conn, decryptRole, noPFS, requirePFS, secret)

		o.mu.Lock()
		canceled := o.canceled
		o.mu.Unlock()
		if canceled {
			return
		}
		if err != nil {
			cb(nil, nil)
			return
		}
		cb(fwd, rev)
	}()

	return o
}

// run performs the actual wire protocol. It never returns a partial
// result: either both keys are non-nil, or err is non-nil.
func run(conn net.Conn, decryptRole, noPFS, requirePFS bool, secret *Secret) (fwd, rev *Key, err error) {
	var (
		priv, pub [32]byte
		havePFS   bool
	)
	if !noPFS {
		pub2, priv2, genErr := box.GenerateKey(rand.Reader)
		if genErr != nil {
			return nil, nil, errors.Wrap(genErr, "handshake: generate ephemeral key")
		}
		pub, priv = *pub2, *priv2
		havePFS = true
	}

	mine := encodeFrame(havePFS, pub)
	mac := keyedMAC(secret, mine)
	outgoing := append(append([]byte{}, mine...), mac...)

	var incoming []byte
	if decryptRole {
		// Responder: read the initiator's frame first.
		incoming, err = readFrame(conn)
		if err != nil {
			return nil, nil, err
		}
		if err = writeFrame(conn, outgoing); err != nil {
			return nil, nil, err
		}
	} else {
		// Initiator: speak first.
		if err = writeFrame(conn, outgoing); err != nil {
			return nil, nil, err
		}
		incoming, err = readFrame(conn)
		if err != nil {
			return nil, nil, err
		}
	}

	if len(incoming) != frameLen+tagLen {
		return nil, nil, errors.New("handshake: malformed peer frame")
	}
	peerFrame := incoming[:frameLen]
	peerTag := incoming[frameLen:]

	wantTag := keyedMAC(secret, peerFrame)
	if subtle.ConstantTimeCompare(wantTag, peerTag) != 1 {
		return nil, nil, errors.New("handshake: peer authentication failed (bad PSK MAC)")
	}

	peerHasPFS, peerPub, decodeErr := decodeFrame(peerFrame)
	if decodeErr != nil {
		return nil, nil, decodeErr
	}

	pfsActive := havePFS && peerHasPFS
	if requirePFS && !pfsActive {
		return nil, nil, errors.New("handshake: peer disabled perfect forward secrecy but it is required")
	}

	var shared [32]byte
	if pfsActive {
		box.Precompute(&shared, &peerPub, &priv)
	}

	// Transcript binds both frames into the key derivation so a replayed
	// or reordered handshake can't be spliced across sessions.
	var transcript []byte
	if decryptRole {
		transcript = concat(incoming, outgoing)
	} else {
		transcript = concat(outgoing, incoming)
	}

	keyA, keyB, err := deriveKeys(secret, shared[:], transcript)
	if err != nil {
		return nil, nil, err
	}

	// The responder (decryptRole) receives what the initiator sends with
	// keyA and sends back with keyB; the initiator is the mirror image.
	if decryptRole {
		return &keyB, &keyA, nil
	}
	return &keyA, &keyB, nil
}

func deriveKeys(secret *Secret, shared, transcript []byte) (keyA, keyB Key, err error) {
	ikm := concat(secret.raw, shared)
	h := hkdf.New(sha256.New, ikm, transcript, []byte("spiped directional keys v1"))
	if _, err = io.ReadFull(h, keyA[:]); err != nil {
		return Key{}, Key{}, errors.Wrap(err, "handshake: derive key A")
	}
	if _, err = io.ReadFull(h, keyB[:]); err != nil {
		return Key{}, Key{}, errors.Wrap(err, "handshake: derive key B")
	}
	return keyA, keyB, nil
}

func keyedMAC(secret *Secret, data []byte) []byte {
	mac, err := blake2b.New256(secret.raw)
	if err != nil {
		// blake2b.New256 only fails for an over-length key, and Secret's
		// constructor never produces one; a failure here is a bug, not a
		// runtime condition callers can handle.
		panic(errors.Wrap(err, "handshake: blake2b keyed MAC"))
	}
	mac.Write(data)
	return mac.Sum(nil)
}

func encodeFrame(havePFS bool, pub [32]byte) []byte {
	buf := make([]byte, frameLen)
	buf[0] = version
	if havePFS {
		buf[1] = flagPFS
		copy(buf[2:], pub[:])
	}
	return buf
}

func decodeFrame(buf []byte) (havePFS bool, pub [32]byte, err error) {
	if len(buf) != frameLen {
		return false, pub, errors.New("handshake: malformed frame length")
	}
	if buf[0] != version {
		return false, pub, errors.Errorf("handshake: unsupported protocol version %d", buf[0])
	}
	havePFS = buf[1]&flagPFS != 0
	copy(pub[:], buf[2:])
	return havePFS, pub, nil
}

func writeFrame(conn net.Conn, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "handshake: write frame length")
	}
	if _, err := conn.Write(data); err != nil {
		return errors.Wrap(err, "handshake: write frame")
	}
	return nil
}

func readFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, errors.Wrap(err, "handshake: read frame length")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	const maxFrame = 4096
	if n > maxFrame {
		return nil, errors.Errorf("handshake: frame too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, errors.Wrap(err, "handshake: read frame body")
	}
	return buf, nil
}

func concat(parts ...[]byte) []byte {
	var buf bytes.Buffer
	for _, p := range parts {
		buf.Write(p)
	}
	return buf.Bytes()
}
