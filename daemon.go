package spiped

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/account-login/ctxlog"
	"github.com/pkg/errors"

	"github.com/account-login/spiped/internal/handshake"
	"github.com/account-login/spiped/internal/proto"
	"github.com/account-login/spiped/internal/sockaddr"
)

// Options bundles the runtime configuration shared by cmd/spiped
// (Role=RoleDecrypt) and cmd/spipe (Role=RoleEncrypt) -- the two
// binaries the original spiped project ships, fixing the role per
// binary rather than per connection.
type Options struct {
	Role Role

	// Listen is the accepted-socket address: a "host:port" (any form
	// EnsurePort accepts) or, if it starts with "/", a UNIX socket path.
	Listen string
	// Targets is a comma-separated ordered candidate list, resolved
	// once at startup and cloned per connection: each connection owns
	// its own copy of the list until connect succeeds or it drops.
	Targets string
	// Bind is an optional local address the outbound socket binds to.
	Bind string

	KeyFile string
	Timeout time.Duration

	NoPFS       bool
	RequirePFS  bool
	NoKeepalive bool
	PreferIPv4  bool
}

// Role re-exports proto.Role so cmd/ packages don't need to import
// internal/proto directly just to name a role.
type Role = proto.Role

const (
	RoleEncrypt = proto.RoleEncrypt
	RoleDecrypt = proto.RoleDecrypt
)

// Serve loads opt's key file and target list, opens the listening
// socket, and starts the accept loop in the background. It returns once
// the listener is up; accept errors and per-connection drops are only
// logged, not returned.
func Serve(ctx context.Context, opt Options) error {
	secret, err := handshake.LoadSecretFile(opt.KeyFile)
	if err != nil {
		return err
	}

	targets, err := sockaddr.ResolveList(opt.Targets)
	if err != nil {
		return err
	}
	if opt.PreferIPv4 {
		targets = sockaddr.SortPreferIPv4(targets)
	}

	var bindAddr *sockaddr.Address
	if opt.Bind != "" {
		b, err := sockaddr.Resolve(opt.Bind)
		if err != nil {
			return err
		}
		bindAddr = &b
	}

	network := "tcp"
	if strings.HasPrefix(opt.Listen, "/") {
		network = "unix"
	}
	listener, err := net.Listen(network, sockaddr.EnsurePort(opt.Listen))
	if err != nil {
		return errors.Wrap(err, "spiped: listen")
	}

	go acceptLoop(ctx, listener, opt, secret, targets, bindAddr)
	return nil
}

func acceptLoop(ctx context.Context, listener net.Listener, opt Options, secret *handshake.Secret, targets []sockaddr.Address, bindAddr *sockaddr.Address) {
	defer SafeClose(ctx, listener)

	var session uint64
	var active int64
	for {
		conn, err := listener.Accept()
		if err != nil {
			ctxlog.Errorf(ctx, "accept: %v", err)
			return
		}
		session++

		connCtx := ctxlog.Pushf(ctx, "[session:%v][from:%v]", session, conn.RemoteAddr())
		n := atomic.AddInt64(&active, 1)
		ctxlog.Infof(connCtx, "accepted, active=%v", n)

		_, err = proto.Create(proto.Config{
			Ctx:         connCtx,
			SockIn:      conn,
			Targets:     sockaddr.CloneList(targets),
			BindAddr:    bindAddr,
			Role:        opt.Role,
			NoPFS:       opt.NoPFS,
			RequirePFS:  opt.RequirePFS,
			NoKeepalive: opt.NoKeepalive,
			Secret:      secret,
			Timeout:     opt.Timeout,
			OnDead: func(reason proto.Reason) int {
				left := atomic.AddInt64(&active, -1)
				ctxlog.Infof(connCtx, "dropped reason=%v active=%v", reason, left)
				return 0
			},
		})
		if err != nil {
			ctxlog.Errorf(connCtx, "create: %v", err)
			SafeClose(connCtx, conn)
		}
	}
}
