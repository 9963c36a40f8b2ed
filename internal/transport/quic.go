package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sys/unix"

	"github.com/chronologos/a12relay/internal/duplex"
)

var quicConfig = &quic.Config{
	MaxIdleTimeout:    30 * time.Second,
	KeepAlivePeriod:   10 * time.Second,
	InitialPacketSize: 1200, // Tailscale MTU is 1280; default 1350 gets dropped
}

// quicListener accepts QUIC connections and takes the first stream of each
// as the a12 byte stream.
type quicListener struct {
	tr   *quic.Transport
	ln   *quic.Listener
	port int
}

func listenQUIC(port int, cert tls.Certificate) (*quicListener, error) {
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(ServerTLSConfig(cert), quicConfig)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	return &quicListener{
		tr:   tr,
		ln:   ln,
		port: udpConn.LocalAddr().(*net.UDPAddr).Port,
	}, nil
}

// Port returns the UDP port the listener is bound to.
func (l *quicListener) Port() int { return l.port }

// Accept waits for a QUIC connection and its first stream. The dialer's
// stream only becomes visible once it carries data; both a12 roles send
// their hello right away.
func (l *quicListener) Accept(ctx context.Context) (*Endpoint, error) {
	qconn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept QUIC connection: %w", err)
	}
	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		qconn.CloseWithError(1, "no stream")
		return nil, fmt.Errorf("accept stream: %w", err)
	}
	ep, err := splice(stream, qconn, nil)
	if err != nil {
		qconn.CloseWithError(1, "splice failed")
		return nil, err
	}
	return ep, nil
}

// Close shuts down the listener and its UDP socket.
func (l *quicListener) Close() error {
	l.ln.Close()
	return l.tr.Close()
}

func dialQUIC(ctx context.Context, host string, port int) (*Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp4", joinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("resolve address: %w", err)
	}
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}
	tr := &quic.Transport{Conn: udpConn}

	qconn, err := tr.Dial(ctx, addr, ClientTLSConfig(), quicConfig)
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("QUIC dial: %w", err)
	}
	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(1, "open stream failed")
		tr.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	ep, err := splice(stream, qconn, tr)
	if err != nil {
		qconn.CloseWithError(1, "splice failed")
		tr.Close()
		return nil, err
	}
	return ep, nil
}

// splice connects stream to one end of a socketpair with two copy
// goroutines and returns the other end as the endpoint. A stream FIN
// becomes a half-close the relay reads as EOF; closing the endpoint ends
// the stream.
func splice(stream *quic.Stream, qconn *quic.Conn, tr *quic.Transport) (*Endpoint, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}
	local := duplex.FD(fds[0])
	if err := local.SetNonblock(); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, fmt.Errorf("set nonblock: %w", err)
	}

	f := os.NewFile(uintptr(fds[1]), "quic-splice")
	c, err := net.FileConn(f)
	f.Close()
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("wrap splice socket: %w", err)
	}
	peer := c.(*net.UnixConn)

	// remote -> relay
	go func() {
		io.Copy(peer, stream)
		peer.CloseWrite()
	}()
	// relay -> remote
	go func() {
		io.Copy(stream, peer)
		stream.Close()
	}()

	s := &quicStream{stream: stream, qconn: qconn, tr: tr, peer: peer}
	return newEndpoint(local, local, qconn.RemoteAddr().String(), s), nil
}

// quicStream tears down the splice and the QUIC connection.
type quicStream struct {
	stream *quic.Stream
	qconn  *quic.Conn
	tr     *quic.Transport // nil when the listener owns the transport
	peer   *net.UnixConn
}

func (s *quicStream) Close() error {
	s.peer.Close()
	s.stream.CancelRead(0)
	s.stream.Close()
	err := s.qconn.CloseWithError(0, "closed")
	if s.tr != nil {
		s.tr.Close()
	}
	return err
}
