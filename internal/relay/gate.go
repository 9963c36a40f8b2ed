package relay

import (
	"errors"
	"fmt"

	"github.com/chronologos/a12relay/internal/a12"
	"github.com/chronologos/a12relay/internal/duplex"
)

// gateChunk is the read size during the handshake.
const gateChunk = 4096

// WaitForAuth drives p's handshake with blocking reads and writes until p
// is authenticated or fails. It never touches a segment. On failure the
// caller should close the transport.
//
// There is no timeout; a caller that needs one closes the descriptors
// from outside.
func WaitForAuth(p Protocol, in, out duplex.Conn) bool {
	return authenticate(p, in, out) == nil
}

// authenticate is WaitForAuth with the reason for failure. Rejections wrap
// ErrAuthFailed; a transport that ends mid-handshake wraps ErrClosed.
func authenticate(p Protocol, in, out duplex.Conn) error {
	buf := make([]byte, gateChunk)
	for {
		if err := writeAll(out, p.Output()); err != nil {
			return err
		}
		switch p.Phase() {
		case a12.Active:
			return nil
		case a12.Authenticating:
		default:
			return fmt.Errorf("%w: protocol %v", ErrAuthFailed, p.Phase())
		}

		n, err := readSome(in, buf)
		if err != nil {
			return err
		}
		if _, err := p.Feed(buf[:n]); err != nil {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
	}
}

// writeAll writes p, waiting for writability when the descriptor is
// non-blocking.
func writeAll(out duplex.Conn, p []byte) error {
	for len(p) > 0 {
		n, err := out.Write(p)
		p = p[max(n, 0):]
		switch {
		case err == nil:
			if n == 0 {
				return fmt.Errorf("%w: zero-byte write during handshake", ErrClosed)
			}
		case duplex.IsTransient(err):
			if werr := duplex.WaitWritable(out, -1); werr != nil {
				return fmt.Errorf("%w: %v", ErrFatal, werr)
			}
		default:
			return handshakeIOError("write", err)
		}
	}
	return nil
}

// readSome reads at least one byte, waiting for readability when the
// descriptor is non-blocking.
func readSome(in duplex.Conn, buf []byte) (int, error) {
	for {
		n, err := in.Read(buf)
		if n > 0 {
			return n, nil
		}
		switch {
		case err == nil:
			return 0, fmt.Errorf("%w: zero-byte read during handshake", ErrClosed)
		case duplex.IsTransient(err):
			if werr := duplex.WaitReadable(in, -1); werr != nil {
				return 0, fmt.Errorf("%w: %v", ErrFatal, werr)
			}
		default:
			return 0, handshakeIOError("read", err)
		}
	}
}

func handshakeIOError(op string, err error) error {
	if duplex.IsClosed(err) || errors.Is(err, duplex.ErrClosed) {
		return fmt.Errorf("%w: %s during handshake: %v", ErrClosed, op, err)
	}
	return fmt.Errorf("%w: %s during handshake: %v", ErrFatal, op, err)
}
