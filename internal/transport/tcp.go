package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/chronologos/a12relay/internal/duplex"
)

// tcpListener accepts plain TCP peers.
type tcpListener struct {
	ln   *net.TCPListener
	port int
}

func listenTCP(port int) (*tcpListener, error) {
	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("listen TCP: %w", err)
	}
	return &tcpListener{
		ln:   ln,
		port: ln.Addr().(*net.TCPAddr).Port,
	}, nil
}

// Port returns the TCP port the listener is bound to.
func (l *tcpListener) Port() int { return l.port }

// Accept waits for the next TCP peer.
func (l *tcpListener) Accept(ctx context.Context) (*Endpoint, error) {
	conn, err := acceptCtx(ctx, l.ln.AcceptTCP)
	if err != nil {
		return nil, fmt.Errorf("accept TCP connection: %w", err)
	}
	return tcpEndpoint(conn)
}

// Close stops accepting. Endpoints already handed out stay open.
func (l *tcpListener) Close() error { return l.ln.Close() }

func dialTCP(ctx context.Context, host string, port int) (*Endpoint, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp4", joinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("TCP dial: %w", err)
	}
	return tcpEndpoint(conn.(*net.TCPConn))
}

// tcpEndpoint moves the socket out of the runtime poller into a raw
// descriptor used for both directions.
func tcpEndpoint(conn *net.TCPConn) (*Endpoint, error) {
	defer conn.Close()
	conn.SetNoDelay(true)

	fd, err := duplex.Dup(conn)
	if err != nil {
		return nil, fmt.Errorf("detach TCP socket: %w", err)
	}
	return newEndpoint(fd, fd, conn.RemoteAddr().String()), nil
}
