// Package spiped holds the ambient helpers shared by cmd/spiped and
// cmd/spipe: the pprof debug server and the close-and-log idiom used
// throughout this repository's accept loops.
package spiped

import _ "net/http/pprof"
import (
	"context"
	"io"
	"net/http"

	"github.com/account-login/ctxlog"
)

// SafeClose closes closer and logs any error at Error level instead of
// discarding it, matching every defer safeClose(ctx, conn) call site in
// this repository's accept loops.
func SafeClose(ctx context.Context, closer io.Closer) {
	if err := closer.Close(); err != nil {
		ctxlog.Errorf(ctx, "close: %v", err)
	}
}

// StartDebugServer starts a pprof HTTP server on addr, matching the
// -debug flag in both cmd/spiped and cmd/spipe. Registration of the
// pprof handlers happens via net/http/pprof's package-level init.
func StartDebugServer(ctx context.Context, addr string) (server *http.Server) {
	server = &http.Server{Addr: addr, Handler: nil}
	go func() {
		err := server.ListenAndServe()
		if err != nil {
			ctxlog.Errorf(ctx, "StartDebugServer: %v", err)
		}
	}()
	return
}
