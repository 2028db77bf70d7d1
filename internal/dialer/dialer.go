// Package dialer implements the network collaborator: asynchronous
// connect to each address in a target list until one succeeds,
// optionally bound to a source address, cancellable. Cancel is
// synchronous via a goroutine-plus-done-channel handshake with the
// dial goroutine.
package dialer

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/account-login/spiped/internal/sockaddr"
)

// Handle represents one outstanding connect attempt across the target
// list. Cancel is synchronous: once it returns, the completion callback
// is guaranteed not to fire.
type Handle interface {
	Cancel()
}

// Dialer starts an asynchronous connect. cb is invoked exactly once, with
// a non-nil net.Conn on success or nil if every target was exhausted.
type Dialer interface {
	ConnectBind(targets []sockaddr.Address, bind *sockaddr.Address, cb func(net.Conn)) Handle
}

// Real is the production Dialer, backed by net.Dialer.
type Real struct {
	// PerTargetTimeout bounds each individual target attempt; the overall
	// connect timeout is enforced by internal/proto's connect timer, not
	// here -- the timer collaborator owns the connection-wide timeout,
	// not the dialer.
	PerTargetTimeout time.Duration
}

type op struct {
	mu       sync.Mutex
	canceled bool
	cancelFn context.CancelFunc
	done     chan struct{}
}

func (o *op) Cancel() {
	o.mu.Lock()
	o.canceled = true
	o.mu.Unlock()
	o.cancelFn()
	<-o.done
}

// ConnectBind attempts each target in order rather than racing them in
// parallel, matching the original's network_connect_bind, so that the
// first reachable address wins deterministically rather than whichever
// happens to win a race.
func (r Real) ConnectBind(targets []sockaddr.Address, bind *sockaddr.Address, cb func(net.Conn)) Handle {
	perTarget := r.PerTargetTimeout
	if perTarget <= 0 {
		perTarget = 10 * time.Second
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	o := &op{cancelFn: cancelFn, done: make(chan struct{})}

	go func() {
		defer close(o.done)

		conn := dialTargets(ctx, targets, bind, perTarget)

		o.mu.Lock()
		canceled := o.canceled
		o.mu.Unlock()
		if canceled {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		cb(conn)
	}()

	return o
}

func dialTargets(ctx context.Context, targets []sockaddr.Address, bind *sockaddr.Address, perTarget time.Duration) net.Conn {
	d := &net.Dialer{Timeout: perTarget}
	if bind != nil {
		localAddr, err := resolveLocal(*bind)
		if err == nil {
			d.LocalAddr = localAddr
		}
	}

	for _, target := range targets {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn, err := d.DialContext(ctx, target.Network(), string(target.Name))
		if err == nil {
			return conn
		}
	}
	return nil
}

func resolveLocal(bind sockaddr.Address) (net.Addr, error) {
	if bind.Network() == "unix" {
		return net.ResolveUnixAddr("unix", string(bind.Name))
	}
	return net.ResolveTCPAddr("tcp", string(bind.Name))
}
