// Command spipe encrypts: it listens for the plaintext side of a
// tunnel and relays the ciphertext to a remote spiped's address list.
// This is the mirror image of cmd/spiped -- same core, opposite role,
// fixed for the lifetime of the process.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/account-login/ctxlog"
	"github.com/pkg/errors"

	spiped "github.com/account-login/spiped"
	"github.com/account-login/spiped/internal/config"
)

func main() {
	log.SetFlags(log.Flags() | log.Lmicroseconds)
	ctx := context.Background()

	listenAddr := flag.String("listen", "127.0.0.1:8023", "listen for plaintext connections on this address")
	targetAddr := flag.String("target", "127.0.0.1:8022", "comma-separated ciphertext target address list")
	bindAddr := flag.String("bind", "", "bind the outbound socket to this local address")
	keyFile := flag.String("k", "", "shared secret key file (required)")
	timeoutSecs := flag.Int("t", 5, "connect and handshake timeout, in seconds")
	noPFS := flag.Bool("F", false, "disable perfect forward secrecy")
	requirePFS := flag.Bool("f", false, "require perfect forward secrecy from the peer")
	noKeepalive := flag.Bool("n", false, "disable TCP keepalive on both sockets")
	preferIPv4 := flag.Bool("4", false, "prefer ipv4 targets")
	configPath := flag.String("config", "", "optional YAML config file, overridden by any flag set explicitly")
	debugAddr := flag.String("debug", "", "debug server addr")
	logfile := flag.String("log", "", "log file")
	flag.Parse()

	visited := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { visited[f.Name] = true })

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			ctxlog.Fatal(ctx, err)
			return
		}
		if !visited["listen"] && cfg.Listen != "" {
			*listenAddr = cfg.Listen
		}
		if !visited["target"] && cfg.Target != "" {
			*targetAddr = cfg.Target
		}
		if !visited["bind"] && cfg.Bind != "" {
			*bindAddr = cfg.Bind
		}
		if !visited["k"] && cfg.KeyFile != "" {
			*keyFile = cfg.KeyFile
		}
		if !visited["t"] && cfg.TimeoutSecs != 0 {
			*timeoutSecs = cfg.TimeoutSecs
		}
		if !visited["F"] && cfg.NoPFS {
			*noPFS = true
		}
		if !visited["f"] && cfg.RequirePFS {
			*requirePFS = true
		}
		if !visited["n"] && cfg.NoKeepalive {
			*noKeepalive = true
		}
		if !visited["4"] && cfg.PreferIPv4 {
			*preferIPv4 = true
		}
		if !visited["debug"] && cfg.Debug != "" {
			*debugAddr = cfg.Debug
		}
		if !visited["log"] && cfg.Log != "" {
			*logfile = cfg.Log
		}
	}

	if *logfile != "" {
		f, err := os.OpenFile(*logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err == nil {
			defer f.Close()
			log.SetOutput(f)
		}
	}

	if *debugAddr != "" {
		_ = spiped.StartDebugServer(ctx, *debugAddr)
	}

	if *keyFile == "" {
		ctxlog.Fatal(ctx, errors.New("spipe: -k keyfile is required"))
		return
	}

	err := spiped.Serve(ctx, spiped.Options{
		Role:        spiped.RoleEncrypt,
		Listen:      *listenAddr,
		Targets:     *targetAddr,
		Bind:        *bindAddr,
		KeyFile:     *keyFile,
		Timeout:     time.Duration(*timeoutSecs) * time.Second,
		NoPFS:       *noPFS,
		RequirePFS:  *requirePFS,
		NoKeepalive: *noKeepalive,
		PreferIPv4:  *preferIPv4,
	})
	if err != nil {
		ctxlog.Fatal(ctx, err)
		return
	}
	ctxlog.Infof(ctx, "listening on %v, relaying to %v", *listenAddr, *targetAddr)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	ctxlog.Infof(ctx, "exiting")
}
