// Package proto implements the connection state machine: the core that
// orchestrates an outbound connect, a handshake, and two encrypted pipes
// around one already-accepted socket, funneling every error or timeout
// into a single teardown path.
//
// The four external collaborators (timer, network, handshake, pipe) are
// consumed as the Timers/Dialer/Handshaker/Pipe interfaces from
// internal/clock, internal/dialer, internal/handshake, and internal/pipe
// respectively, so tests can supply scripted fakes in place of the real
// ones, each with its own clock and mock behavior.
package proto

import (
	"fmt"
	"net"

	"github.com/account-login/spiped/internal/handshake"
)

// Role is which side of the tunnel this connection is: Encrypt means the
// inbound (accepted) side is plaintext and the outbound side is
// ciphertext; Decrypt is the mirror image.
type Role int

const (
	RoleEncrypt Role = iota
	RoleDecrypt
)

func (r Role) String() string {
	if r == RoleDecrypt {
		return "decrypt"
	}
	return "encrypt"
}

// Reason is the terminal drop cause delivered to OnDead exactly once per
// connection.
type Reason int

const (
	ReasonConnectFailed Reason = iota
	ReasonHandshakeFailed
	ReasonClosed
	ReasonError
)

func (r Reason) String() string {
	switch r {
	case ReasonConnectFailed:
		return "ConnectFailed"
	case ReasonHandshakeFailed:
		return "HandshakeFailed"
	case ReasonClosed:
		return "Closed"
	case ReasonError:
		return "Error"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// direction distinguishes the two pipes launched by launchPipes: forward
// runs accepted-socket -> outbound-socket, reverse the opposite.
type direction int

const (
	dirForward direction = iota
	dirReverse
)

// event is the sum type carried on conn.events -- every external
// collaborator callback is delivered as one of these, so the loop
// goroutine started by Create is the only thing that ever reads or
// writes conn's mutable fields, and no two callbacks for the same
// connection ever interleave.
type event interface{}

type connectDoneEvent struct {
	conn net.Conn
}

type connectTimeoutEvent struct{}

type handshakeDoneEvent struct {
	fwd, rev *handshake.Key
}

type handshakeTimeoutEvent struct{}

type pipeStatusEvent struct {
	dir    direction
	status int
}

// externalDropEvent carries an owner-initiated Drop request onto the
// same serialized channel every collaborator callback uses. Conn.Drop
// does not wait on
// a per-event reply here; it races the send against conn.doneCh so a
// Drop call issued after the connection has already torn itself down
// (following an internal error or timeout) never blocks.
type externalDropEvent struct {
	reason Reason
}
