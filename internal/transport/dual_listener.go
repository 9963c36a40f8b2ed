package transport

import (
	"context"
	"fmt"
)

// dualListener accepts peers from both a QUIC (UDP) and a TCP listener on
// the same port number. Accept returns whichever arrives first.
type dualListener struct {
	quic *quicListener
	tcp  *tcpListener
	port int

	// endpoints receives accepted peers from both accept loops.
	endpoints chan acceptRes
	// cancel stops both accept loops on Close.
	cancel context.CancelFunc
}

type acceptRes struct {
	ep  *Endpoint
	err error
}

// ListenDual creates a QUIC and a TCP listener on the same port.
// Bind order: QUIC first (gets random port from OS), then TCP on the same port.
func ListenDual(port int) (Listener, error) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}

	ql, err := listenQUIC(port, cert)
	if err != nil {
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	// UDP and TCP port spaces don't conflict.
	tl, err := listenTCP(ql.Port())
	if err != nil {
		ql.Close()
		return nil, fmt.Errorf("TCP listen on port %d: %w", ql.Port(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	dl := &dualListener{
		quic:      ql,
		tcp:       tl,
		port:      ql.Port(),
		endpoints: make(chan acceptRes, 4),
		cancel:    cancel,
	}

	go dl.acceptLoop(ctx, ql)
	go dl.acceptLoop(ctx, tl)

	return dl, nil
}

// acceptLoop forwards peers from one listener until it fails or ctx ends.
func (dl *dualListener) acceptLoop(ctx context.Context, l Listener) {
	for {
		ep, err := l.Accept(ctx)
		select {
		case dl.endpoints <- acceptRes{ep: ep, err: err}:
		case <-ctx.Done():
			if ep != nil {
				ep.Close()
			}
			return
		}
		if err != nil {
			return
		}
	}
}

// Accept returns the next peer from either carrier.
func (dl *dualListener) Accept(ctx context.Context) (*Endpoint, error) {
	select {
	case res := <-dl.endpoints:
		return res.ep, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Port returns the port number both listeners are bound to.
func (dl *dualListener) Port() int {
	return dl.port
}

// Close shuts down both listeners.
func (dl *dualListener) Close() error {
	dl.cancel()
	tcpErr := dl.tcp.Close()
	quicErr := dl.quic.Close()
	if quicErr != nil {
		return quicErr
	}
	return tcpErr
}
