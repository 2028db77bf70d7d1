package proto

import (
	"context"
	"net"
	"time"

	"github.com/account-login/ctxlog"

	"github.com/account-login/spiped/internal/clock"
	"github.com/account-login/spiped/internal/dialer"
	"github.com/account-login/spiped/internal/handshake"
	"github.com/account-login/spiped/internal/pipe"
	"github.com/account-login/spiped/internal/sockaddr"
)

// OnDeadFunc is the owner's teardown callback: invoked exactly once per
// connection, with the terminal Reason, returning a status the owner
// wants echoed back out of Drop.
type OnDeadFunc func(reason Reason) int

// Config bundles the arguments to Create. SockIn and Targets are taken
// over by the returned Conn; Secret is borrowed and must outlive it.
type Config struct {
	// Ctx carries the per-connection log tag (ctxlog.Pushf), following
	// local.go/remote.go's practice of threading a tagged context through
	// every goroutine spawned for a connection.
	Ctx context.Context

	SockIn   net.Conn
	Targets  []sockaddr.Address
	BindAddr *sockaddr.Address

	Role        Role
	NoPFS       bool
	RequirePFS  bool
	NoKeepalive bool

	Secret  *handshake.Secret
	Timeout time.Duration

	OnDead OnDeadFunc

	// Collaborators. Nil fields default to the production
	// implementation; tests supply scripted fakes here instead, each
	// with its own clock and mock behavior.
	Timers     clock.Timers
	Dialer     dialer.Dialer
	Handshaker handshake.Handshaker
	Pipe       pipe.Pipe
}

// Conn is a handle onto a running connection state machine. The state
// itself lives on the unexported conn value, driven exclusively by its
// own event-loop goroutine; Conn is just the thread-safe front door
// external callers use to request teardown.
type Conn struct {
	c *conn
}

// conn holds all per-connection state. Every field is mutated only from
// within loop's goroutine, which is the single-threaded cooperative
// scheduler that owns the connection; external collaborator callbacks
// are delivered as events on c.events instead of direct field writes,
// so no locking is needed here.
type conn struct {
	ctx context.Context

	role Role

	sockIn   net.Conn
	sockOut  net.Conn
	targets  []sockaddr.Address
	bindAddr *sockaddr.Address

	noPFS       bool
	requirePFS  bool
	noKeepalive bool

	secret  *handshake.Secret
	timeout time.Duration

	connectTask    dialer.Handle
	connectTimer   clock.Handle
	handshakeTask  handshake.Handle
	handshakeTimer clock.Handle
	pipeFwd        pipe.Handle
	pipeRev        pipe.Handle

	keyFwd, keyRev *handshake.Key

	statFwd, statRev int

	onDead OnDeadFunc

	timers     clock.Timers
	dialer     dialer.Dialer
	handshaker handshake.Handshaker
	pipeImpl   pipe.Pipe

	events chan event

	// doneCh is closed, and deadResult set, the instant drop finishes
	// running on_dead -- once. Conn.Drop races a send on events against
	// a receive on doneCh so a Drop call issued after the connection has
	// already torn itself down never blocks.
	doneCh     chan struct{}
	deadResult int
}

// Create starts the connection state machine. It takes ownership of
// cfg.SockIn and cfg.Targets. It launches the connection's event-loop
// goroutine and returns without waiting for it; that goroutine's first
// step (start) arms the connect timer and begins the outbound connect,
// and, if cfg.Role is RoleDecrypt, also starts a handshake on
// cfg.SockIn in parallel, avoiding an extra round trip on the
// decrypting side. No event is handled before that step completes.
//
// Timer and task registration cannot fail in this implementation
// (channel and goroutine creation are not something Go programs recover
// from), so Create always succeeds. The error return stays in the
// signature in case a future collaborator can fail synchronously: on
// such a failure, cfg.SockIn must not be closed by Create -- the caller
// retains that responsibility.
func Create(cfg Config) (*Conn, error) {
	if cfg.Ctx == nil {
		cfg.Ctx = context.Background()
	}
	if cfg.Timers == nil {
		cfg.Timers = clock.Real{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = dialer.Real{}
	}
	if cfg.Handshaker == nil {
		cfg.Handshaker = handshake.Real{}
	}
	if cfg.Pipe == nil {
		cfg.Pipe = pipe.Real{}
	}

	c := &conn{
		ctx:         cfg.Ctx,
		role:        cfg.Role,
		sockIn:      cfg.SockIn,
		targets:     cfg.Targets,
		bindAddr:    cfg.BindAddr,
		noPFS:       cfg.NoPFS,
		requirePFS:  cfg.RequirePFS,
		noKeepalive: cfg.NoKeepalive,
		secret:      cfg.Secret,
		timeout:     cfg.Timeout,
		onDead:      cfg.OnDead,
		timers:      cfg.Timers,
		dialer:      cfg.Dialer,
		handshaker:  cfg.Handshaker,
		pipeImpl:    cfg.Pipe,
		events:      make(chan event, 16),
		doneCh:      make(chan struct{}),
		statFwd:     int(pipe.StatusRunning),
		statRev:     int(pipe.StatusRunning),
	}

	go c.loop()
	return &Conn{c: c}, nil
}

// Drop requests teardown with the given reason and blocks until
// on_dead has run, returning its result. Safe to call more than once,
// and safe to call after the
// connection has already dropped itself following an internal error or
// timeout -- every caller observes the result of whichever drop
// actually ran.
func (h *Conn) Drop(reason Reason) int {
	select {
	case h.c.events <- externalDropEvent{reason: reason}:
	case <-h.c.doneCh:
		return h.c.deadResult
	}
	<-h.c.doneCh
	return h.c.deadResult
}

func (c *conn) loop() {
	c.start()
	for ev := range c.events {
		if c.handle(ev) {
			return
		}
	}
}

// start runs first on the loop goroutine, before any event is handled:
// arm the connect timer, begin the outbound connect, and -- for
// RoleDecrypt -- start the handshake on sock_in in parallel.
func (c *conn) start() {
	ctxlog.Debugf(c.ctx, "conn: starting role=%v targets=%d", c.role, len(c.targets))

	c.connectTimer = c.timers.Register(c.timeout, func() {
		c.events <- connectTimeoutEvent{}
	})
	c.connectTask = c.dialer.ConnectBind(c.targets, c.bindAddr, func(sock net.Conn) {
		c.events <- connectDoneEvent{conn: sock}
	})

	if c.role == RoleDecrypt {
		c.startHandshake(c.sockIn)
	}
}

// startHandshake arms a fresh handshake timer and starts the handshake
// task on sock. The caller picks sock: sock_in for RoleDecrypt, sock_out
// for RoleEncrypt.
func (c *conn) startHandshake(sock net.Conn) {
	c.handshakeTimer = c.timers.Register(c.timeout, func() {
		c.events <- handshakeTimeoutEvent{}
	})
	decryptRole := c.role == RoleDecrypt
	c.handshakeTask = c.handshaker.Handshake(sock, decryptRole, c.noPFS, c.requirePFS, c.secret, func(fwd, rev *handshake.Key) {
		c.events <- handshakeDoneEvent{fwd: fwd, rev: rev}
	})
}

// handle dispatches one event through the connection's state transitions
// and reports whether the connection has now dropped, in which case
// loop must stop reading further events.
func (c *conn) handle(ev event) bool {
	switch e := ev.(type) {
	case externalDropEvent:
		return c.drop(e.reason)
	case connectDoneEvent:
		return c.onConnectDone(e.conn)
	case connectTimeoutEvent:
		return c.onConnectTimeout()
	case handshakeDoneEvent:
		return c.onHandshakeDone(e.fwd, e.rev)
	case handshakeTimeoutEvent:
		return c.onHandshakeTimeout()
	case pipeStatusEvent:
		return c.onPipeStatus(e.dir, e.status)
	default:
		return false
	}
}

// onConnectDone implements the "connecting | ConnectDone(sock)" row.
func (c *conn) onConnectDone(sock net.Conn) bool {
	c.connectTask = nil
	c.targets = sockaddr.FreeList(c.targets)
	if c.connectTimer != nil {
		c.connectTimer.Cancel()
		c.connectTimer = nil
	}

	if sock == nil {
		return c.drop(ReasonConnectFailed)
	}

	c.sockOut = sock
	if c.role == RoleEncrypt {
		c.startHandshake(c.sockOut)
	}
	if c.keyFwd != nil && c.keyRev != nil {
		c.launchPipes()
	}
	return false
}

// onConnectTimeout implements "connecting | ConnectTimeout". Targets
// are deliberately not freed here -- drop releases them after
// cancelling the pending connect, since the in-flight connect may
// still be reading the slice.
func (c *conn) onConnectTimeout() bool {
	c.connectTimer = nil
	return c.drop(ReasonError)
}

// onHandshakeDone implements "handshaking | HandshakeDone(kf, kr)".
func (c *conn) onHandshakeDone(fwd, rev *handshake.Key) bool {
	c.handshakeTask = nil
	if c.handshakeTimer != nil {
		c.handshakeTimer.Cancel()
		c.handshakeTimer = nil
	}

	if fwd == nil && rev == nil {
		return c.drop(ReasonHandshakeFailed)
	}
	if fwd == nil || rev == nil {
		// The handshake collaborator's contract forbids this shape; a
		// violation here is a protocol-implementation bug, not a
		// runtime condition to recover from.
		panic("proto: handshake produced exactly one nil key")
	}

	c.keyFwd, c.keyRev = fwd, rev
	if c.sockOut != nil {
		c.launchPipes()
	}
	return false
}

// onHandshakeTimeout implements "handshaking | HandshakeTimeout".
func (c *conn) onHandshakeTimeout() bool {
	c.handshakeTimer = nil
	return c.drop(ReasonError)
}

// onPipeStatus handles a status change reported by either pipe.
func (c *conn) onPipeStatus(dir direction, status int) bool {
	if dir == dirForward {
		c.statFwd = status
	} else {
		c.statRev = status
	}

	if c.statFwd == int(pipe.StatusError) || c.statRev == int(pipe.StatusError) {
		return c.drop(ReasonError)
	}
	if c.statFwd == int(pipe.StatusClosed) && c.statRev == int(pipe.StatusClosed) {
		return c.drop(ReasonClosed)
	}
	return false
}

// launchPipes toggles keepalive/nodelay on both sockets, then starts the
// forward pipe (sock_in -> sock_out, keyed by key_fwd) and the reverse
// pipe (sock_out -> sock_in, keyed by key_rev). It runs strictly after
// both sock_out and both keys are present, from whichever of
// onConnectDone / onHandshakeDone observes that second precondition
// become true.
func (c *conn) launchPipes() {
	pipe.ApplySocketOptions(c.sockIn, !c.noKeepalive)
	pipe.ApplySocketOptions(c.sockOut, !c.noKeepalive)

	// The forward pipe's crypto direction is the connection's role
	// directly; the reverse pipe is role's mirror image.
	fwdDecrypt := c.role == RoleDecrypt
	c.pipeFwd = c.pipeImpl.Start(c.sockIn, c.sockOut, fwdDecrypt, c.keyFwd, func(s pipe.Status) {
		c.events <- pipeStatusEvent{dir: dirForward, status: int(s)}
	})
	c.pipeRev = c.pipeImpl.Start(c.sockOut, c.sockIn, !fwdDecrypt, c.keyRev, func(s pipe.Status) {
		c.events <- pipeStatusEvent{dir: dirReverse, status: int(s)}
	})
}

// drop tears the connection down in a fixed order. It runs exactly once
// per connection: every code path that reaches it returns
// true, which makes loop stop reading further events, so a second call
// can never happen from within this goroutine.
func (c *conn) drop(reason Reason) bool {
	ctxlog.Debugf(c.ctx, "conn: dropping reason=%v", reason)

	// 1. Close sock_in, then sock_out if present.
	_ = c.sockIn.Close()
	if c.sockOut != nil {
		_ = c.sockOut.Close()
	}

	// 2. Cancel connect_task if present.
	if c.connectTask != nil {
		c.connectTask.Cancel()
		c.connectTask = nil
	}

	// 3. Release targets.
	c.targets = sockaddr.FreeList(c.targets)

	// 4. Cancel handshake_task and both pipes if present.
	if c.handshakeTask != nil {
		c.handshakeTask.Cancel()
		c.handshakeTask = nil
	}
	if c.pipeFwd != nil {
		c.pipeFwd.Cancel()
		c.pipeFwd = nil
	}
	if c.pipeRev != nil {
		c.pipeRev.Cancel()
		c.pipeRev = nil
	}

	// 5. Cancel connect_timer and handshake_timer if present.
	if c.connectTimer != nil {
		c.connectTimer.Cancel()
		c.connectTimer = nil
	}
	if c.handshakeTimer != nil {
		c.handshakeTimer.Cancel()
		c.handshakeTimer = nil
	}

	// 6. Release key_fwd, key_rev.
	c.keyFwd, c.keyRev = nil, nil

	// 7. Invoke on_dead(reason), capture its return value.
	result := 0
	if c.onDead != nil {
		result = c.onDead(reason)
	}
	c.deadResult = result

	// 8-9. Release the ConnectionState (nothing to do explicitly in Go;
	// the garbage collector reclaims c once the last event drains and
	// the Conn handle is dropped) and unblock every Drop waiter with
	// the captured value.
	close(c.doneCh)

	return true
}
