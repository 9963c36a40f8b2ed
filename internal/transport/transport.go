// Package transport produces the byte-stream endpoints a relay borrows:
// non-blocking descriptors for reading and writing the a12 stream.
//
// TCP endpoints are the socket itself. QUIC endpoints splice one
// bidirectional stream into a local socketpair so the relay can poll a
// plain descriptor. The a12 protocol authenticates and seals every frame,
// so TCP carries no TLS and the QUIC certificate is never verified.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/chronologos/a12relay/internal/duplex"
)

// Mode selects the network carrier.
type Mode string

const (
	ModeTCP  Mode = "tcp"
	ModeQUIC Mode = "quic"
	ModeDual Mode = "dual" // listen on both; dial uses QUIC
)

// ErrUnknownMode is returned for a carrier name other than tcp, quic or dual.
var ErrUnknownMode = errors.New("unknown transport mode")

// ParseMode parses a carrier name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeTCP, ModeQUIC, ModeDual:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Endpoint is a pair of non-blocking descriptors plus whatever keeps them
// alive. In and Out may be the same descriptor.
type Endpoint struct {
	In     duplex.FD
	Out    duplex.FD
	Remote string

	closeOnce sync.Once
	closers   []io.Closer
	err       error
}

func newEndpoint(in, out duplex.FD, remote string, closers ...io.Closer) *Endpoint {
	return &Endpoint{In: in, Out: out, Remote: remote, closers: closers}
}

// Close closes the descriptors and the carrier behind them. It is safe to
// call more than once.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		var errs []error
		errs = append(errs, e.In.Close())
		if e.Out != e.In {
			errs = append(errs, e.Out.Close())
		}
		for _, c := range e.closers {
			errs = append(errs, c.Close())
		}
		e.err = errors.Join(errs...)
	})
	return e.err
}

// Listener accepts network peers as endpoints.
type Listener interface {
	Accept(ctx context.Context) (*Endpoint, error)
	Port() int
	Close() error
}

// Listen binds a listener for mode on port. Port 0 picks a free port.
func Listen(mode Mode, port int) (Listener, error) {
	switch mode {
	case ModeTCP:
		return listenTCP(port)
	case ModeQUIC:
		cert, err := GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("generate TLS cert: %w", err)
		}
		return listenQUIC(port, cert)
	case ModeDual:
		return ListenDual(port)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
}

// Dial connects to host:port over mode.
func Dial(ctx context.Context, mode Mode, host string, port int) (*Endpoint, error) {
	switch mode {
	case ModeTCP:
		return dialTCP(ctx, host, port)
	case ModeQUIC, ModeDual:
		return dialQUIC(ctx, host, port)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// acceptCtx runs accept on a goroutine so ctx can interrupt it. A result
// that arrives after cancellation is closed.
func acceptCtx[T io.Closer](ctx context.Context, accept func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := accept()
		ch <- result{v, err}
	}()

	select {
	case res := <-ch:
		return res.v, res.err
	case <-ctx.Done():
		// The goroutine unblocks once the caller closes the listener.
		go func() {
			if res := <-ch; res.err == nil {
				res.v.Close()
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}

// Shutdown shuts down both directions of a socket endpoint without
// closing the descriptors, so a relay polling them sees the peer close on
// its next iteration. It is a no-op for descriptors that are not sockets.
func (e *Endpoint) Shutdown() {
	unix.Shutdown(int(e.In), unix.SHUT_RDWR)
	if e.Out != e.In {
		unix.Shutdown(int(e.Out), unix.SHUT_RDWR)
	}
}
