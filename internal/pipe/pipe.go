// Package pipe implements the pipe collaborator: given
// source and destination sockets, a directional key, and a status
// callback, relay bytes forever, encrypting one way and decrypting the
// other, until EOF or error.
//
// The wire framing is length-prefixed, nacl/secretbox-sealed chunks with
// a random-prefix-plus-counter nonce; a pipe is cancelled by unblocking
// its relay goroutine with a deadline and waiting for it to exit.
package pipe

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/sys/unix"

	"github.com/account-login/spiped/internal/handshake"
)

// Status is the tri-valued signal a running pipe reports.
type Status int

const (
	StatusRunning Status = 1
	StatusClosed  Status = 0
	StatusError   Status = -1
)

const (
	maxPlaintextChunk = 64 * 1024
	nonceSize         = 24
	noncePrefixSize   = 16
	nonceCounterSize  = nonceSize - noncePrefixSize
	maxCiphertext     = maxPlaintextChunk + secretbox.Overhead
)

// Handle represents one running pipe. Cancel is synchronous: once it
// returns, the status callback is guaranteed not to fire again.
type Handle interface {
	Cancel()
}

// Pipe starts a directional relay from src to dst. If decrypt is true,
// src carries secretbox-framed ciphertext that is decrypted before being
// written to dst; otherwise plaintext read from src is encrypted before
// being written to dst. onStatus is invoked once per transition --
// StatusRunning, then exactly one of StatusClosed or StatusError -- and
// must not block.
type Pipe interface {
	Start(src, dst net.Conn, decrypt bool, key *handshake.Key, onStatus func(Status)) Handle
}

// Real is the production Pipe.
type Real struct{}

type op struct {
	mu       sync.Mutex
	canceled bool
	src, dst net.Conn
	done     chan struct{}
}

func (o *op) Cancel() {
	o.mu.Lock()
	o.canceled = true
	o.mu.Unlock()
	// Unblock whichever of src/dst the relay goroutine is stuck on.
	_ = o.src.SetDeadline(deadlineNow())
	_ = o.dst.SetDeadline(deadlineNow())
	<-o.done
}

func (Real) Start(src, dst net.Conn, decrypt bool, key *handshake.Key, onStatus func(Status)) Handle {
	o := &op{src: src, dst: dst, done: make(chan struct{})}
	onStatus(StatusRunning)

	go func() {
		defer close(o.done)

		var err error
		if decrypt {
			err = relayDecrypt(src, dst, key)
		} else {
			err = relayEncrypt(src, dst, key)
		}

		o.mu.Lock()
		canceled := o.canceled
		o.mu.Unlock()
		if canceled {
			return
		}

		if err == nil {
			onStatus(StatusClosed)
		} else {
			onStatus(StatusError)
		}
	}()

	return o
}

// relayEncrypt reads plaintext chunks from src, seals each with a fresh
// nonce under key, and writes the framed ciphertext to dst. On clean EOF
// from src it half-closes dst's write side: a pipe is responsible for
// closing its half of the byte stream cleanly, not for the socket's
// file descriptor.
func relayEncrypt(src, dst net.Conn, key *handshake.Key) error {
	prefix, err := randomNoncePrefix()
	if err != nil {
		return err
	}
	var counter uint64

	buf := make([]byte, maxPlaintextChunk)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			nonce := buildNonce(prefix, counter)

			var ctr [nonceCounterSize]byte
			binary.BigEndian.PutUint64(ctr[:], counter)
			counter++

			sealed := secretbox.Seal(nil, buf[:n], &nonce, (*[32]byte)(key))

			body := make([]byte, 0, noncePrefixSize+nonceCounterSize+len(sealed))
			if counter == 1 {
				// First chunk carries the nonce prefix so the peer can
				// reconstruct every subsequent nonce from just its
				// counter.
				body = append(body, prefix[:]...)
			}
			body = append(body, ctr[:]...)
			body = append(body, sealed...)

			if werr := writeChunk(dst, body); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				closeWrite(dst)
				return nil
			}
			return rerr
		}
	}
}

// relayDecrypt reads framed, sealed chunks from src, opens each under
// key, and writes the recovered plaintext to dst.
func relayDecrypt(src, dst net.Conn, key *handshake.Key) error {
	var counter uint64
	var prefix *[noncePrefixSize]byte

	for {
		chunk, rerr := readChunk(src)
		if rerr != nil {
			if rerr == io.EOF {
				closeWrite(dst)
				return nil
			}
			return rerr
		}

		if len(chunk) < nonceCounterSize {
			return errors.New("pipe: sealed chunk too short to carry a nonce counter")
		}
		// The sender's nonce prefix travels in-band on the first chunk
		// only; subsequent chunks carry just the 8-byte counter, saving
		// 16 bytes per chunk at the cost of one extra round of
		// bookkeeping here.
		if prefix == nil {
			if len(chunk) < noncePrefixSize+nonceCounterSize {
				return errors.New("pipe: first chunk too short to carry a nonce prefix")
			}
			var p [noncePrefixSize]byte
			copy(p[:], chunk[:noncePrefixSize])
			prefix = &p
			chunk = chunk[noncePrefixSize:]
		}

		var ctr [nonceCounterSize]byte
		copy(ctr[:], chunk[:nonceCounterSize])
		gotCounter := binary.BigEndian.Uint64(ctr[:])
		if gotCounter != counter {
			return errors.Errorf("pipe: nonce counter mismatch (got %d, want %d); replay or reorder", gotCounter, counter)
		}

		nonce := buildNonce(*prefix, counter)
		counter++

		opened, ok := secretbox.Open(nil, chunk[nonceCounterSize:], &nonce, (*[32]byte)(key))
		if !ok {
			return errors.New("pipe: MAC verification failed")
		}
		if len(opened) > 0 {
			if _, werr := dst.Write(opened); werr != nil {
				return werr
			}
		}
	}
}

// Wire framing for a sealed chunk (as written by relayEncrypt and read by
// relayDecrypt): a big-endian uint32 length, followed by that many bytes
// of [nonce-counter (and, on the first chunk, nonce-prefix)] + ciphertext.
func writeChunk(dst net.Conn, sealed []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed)))
	if _, err := dst.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := dst.Write(sealed)
	return err
}

func readChunk(src io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(src, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > uint32(noncePrefixSize+nonceCounterSize+maxCiphertext) {
		return nil, errors.Errorf("pipe: chunk too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(src, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func buildNonce(prefix [noncePrefixSize]byte, counter uint64) [nonceSize]byte {
	var nonce [nonceSize]byte
	copy(nonce[:noncePrefixSize], prefix[:])
	binary.BigEndian.PutUint64(nonce[noncePrefixSize:], counter)
	return nonce
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

func randomNoncePrefix() ([noncePrefixSize]byte, error) {
	var prefix [noncePrefixSize]byte
	if _, err := rand.Read(prefix[:]); err != nil {
		return prefix, errors.Wrap(err, "pipe: generate nonce prefix")
	}
	return prefix, nil
}

func deadlineNow() time.Time {
	return time.Now()
}

// ApplySocketOptions toggles SO_KEEPALIVE and TCP_NODELAY on conn before
// a pipe starts relaying over it, ignoring errors since the socket may
// not be TCP. A *net.TCPConn
// goes through its typed setters; anything else (in practice, a UNIX
// domain socket, which has no keepalive/nodelay concept at all) falls
// back to raw setsockopt(2) via golang.org/x/sys/unix through
// SyscallConn, and any resulting error is dropped on the floor exactly
// as the typed-setter path does.
func ApplySocketOptions(conn net.Conn, keepalive bool) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(keepalive)
		_ = tc.SetNoDelay(true)
		return
	}

	sc, ok := conn.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		keepaliveVal := 0
		if keepalive {
			keepaliveVal = 1
		}
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, keepaliveVal)
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
}
