package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/chronologos/a12relay/internal/a12"
	"github.com/chronologos/a12relay/internal/relay"
	"github.com/chronologos/a12relay/internal/segment"
	"github.com/chronologos/a12relay/internal/transport"
)

const dialTimeout = 10 * time.Second

// runPush hosts a connection point and relays every segment that attaches
// to it to a remote a12 server. With --stdio a single segment is relayed
// over stdin/stdout instead of dialing.
func runPush(inv *invocation) error {
	cp, host := inv.args[0], inv.args[1]

	ln, err := segment.Listen(inv.cfg.ConnPath, cp, segment.ListenConfig{Logger: inv.log})
	if err != nil {
		return err
	}
	defer ln.Close()
	inv.log.Info("connection point ready", "path", ln.Path(), "remote", host, "transport", inv.cfg.Transport)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cs := newConns()
	go cs.shutdownOn(ctx)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	defer cs.wait()

	for n := 1; ; n++ {
		seg, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			inv.log.Warn("segment accept failed", "error", err)
			continue
		}
		log := inv.log.With("conn", n)

		ep, err := inv.dial(ctx, host)
		if err != nil {
			log.Warn("dial failed", "error", err)
			seg.Release()
			continue
		}
		cs.goRelay(ep, func(ep *transport.Endpoint) {
			inv.pushOne(seg, ep, log.With("remote", ep.Remote))
		})
		if inv.stdio {
			return nil
		}
	}
}

func (inv *invocation) dial(ctx context.Context, host string) (*transport.Endpoint, error) {
	if inv.stdio {
		return transport.Stdio()
	}
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return transport.Dial(ctx, inv.cfg.Mode(), host, inv.cfg.Port)
}

// pushOne relays one segment in the segment-server role.
func (inv *invocation) pushOne(seg *segment.Segment, ep *transport.Endpoint, log *slog.Logger) {
	st, err := inv.newState(a12.RoleClient, log)
	if err != nil {
		log.Error("protocol setup failed", "error", err)
		seg.Release()
		return
	}
	opts := inv.cfg.RelayOptions(log)

	log.Info("relay started")
	err = relay.Run(st, seg, ep.In, ep.Out, opts)
	// Run keeps the segment when the handshake fails.
	seg.Release()
	switch {
	case errors.Is(err, relay.ErrAuthFailed):
		log.Warn("authentication failed", "error", err)
	case errors.Is(err, relay.ErrClosed):
		log.Info("relay ended", "reason", err)
	default:
		log.Error("relay failed", "error", err)
	}
}
