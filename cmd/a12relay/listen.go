package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/chronologos/a12relay/internal/a12"
	"github.com/chronologos/a12relay/internal/relay"
	"github.com/chronologos/a12relay/internal/transport"
)

// runListen accepts a12 peers and attaches each to the local connection
// point. With --stdio a single peer is served over stdin/stdout.
func runListen(inv *invocation) error {
	cp := inv.args[0]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cs := newConns()
	go cs.shutdownOn(ctx)
	defer cs.wait()

	if inv.stdio {
		ep, err := transport.Stdio()
		if err != nil {
			return err
		}
		cs.goRelay(ep, func(ep *transport.Endpoint) {
			inv.listenOne(cp, ep, inv.log.With("remote", ep.Remote))
		})
		return nil
	}

	ln, err := transport.Listen(inv.cfg.Mode(), inv.cfg.Port)
	if err != nil {
		return err
	}
	defer ln.Close()
	inv.log.Info("listening", "port", ln.Port(), "transport", inv.cfg.Transport, "connpoint", cp)

	for n := 1; ; n++ {
		ep, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			inv.log.Warn("accept failed", "error", err)
			continue
		}
		log := inv.log.With("conn", n, "remote", ep.Remote)
		cs.goRelay(ep, func(ep *transport.Endpoint) {
			inv.listenOne(cp, ep, log)
		})
	}
}

// listenOne relays one network peer in the segment-client role.
func (inv *invocation) listenOne(cp string, ep *transport.Endpoint, log *slog.Logger) {
	st, err := inv.newState(a12.RoleServer, log)
	if err != nil {
		log.Error("protocol setup failed", "error", err)
		return
	}

	log.Info("relay started")
	ps, err := relay.RunListener(st, cp, ep.In, ep.Out, inv.cfg.RelayOptions(log))
	switch {
	case errors.Is(err, relay.ErrInvalidConnectionPoint), errors.Is(err, relay.ErrSegmentUnavailable):
		log.Warn("connection point unavailable", "connpoint", cp, "error", err)
	case errors.Is(err, relay.ErrAuthFailed):
		log.Warn("authentication failed", "error", err)
	case errors.Is(err, relay.ErrClosed):
		log.Info("relay ended", "reason", err, "pending", ps.String())
	default:
		log.Error("relay failed", "error", err, "pending", ps.String())
	}
}
