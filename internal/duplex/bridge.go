// Package duplex moves bytes between an in-process queue and a
// non-blocking descriptor.
//
// The descriptor may be registered edge-triggered, so one "no progress"
// result does not prove the kernel side is drained. Both pumps therefore
// make up to two passes per call and report MoreWorkPending when the second
// pass still made progress. The caller reschedules; the bridge never
// blocks and never spins.
package duplex

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultChunkSize is the read size used when Config.ChunkSize is zero.
const DefaultChunkSize = 64 * 1024

// passes is the number of read or write attempts per pump call.
const passes = 2

var (
	// ErrClosed means the peer shut down its end of the descriptor.
	ErrClosed = errors.New("peer closed")
	// ErrFatal means the descriptor failed in a way retrying cannot fix.
	ErrFatal = errors.New("descriptor failure")
)

// State is the outcome of a pump call.
type State int

const (
	// Idle means nothing is left to do until the descriptor signals again.
	Idle State = iota
	// MoreWorkPending means data remains (outbound) or may remain
	// (inbound). Call the pump again once the descriptor is ready.
	MoreWorkPending
	// Closed is terminal: the peer shut down.
	Closed
	// Fatal is terminal: unexpected descriptor error.
	Fatal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case MoreWorkPending:
		return "more-work-pending"
	case Closed:
		return "closed"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends the bridge.
func (s State) Terminal() bool { return s == Closed || s == Fatal }

// Conn is the descriptor side of a bridge. Reads and writes are expected
// to be non-blocking and to report EAGAIN rather than wait.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// vectorWriter is implemented by conns that can write both halves of a
// wrapped ring at once (FD on Linux).
type vectorWriter interface {
	Writev(bufs [][]byte) (int, error)
}

// OverflowPolicy decides what Enqueue does when the queue is full.
type OverflowPolicy int

const (
	// OverflowFail rejects the write with ErrOverflow. Use this for
	// structured protocol streams where losing bytes corrupts framing.
	OverflowFail OverflowPolicy = iota
	// OverflowDrop silently discards the whole write and counts it.
	// Only for best-effort streams such as terminal output.
	OverflowDrop
)

// Config tunes a Bridge. The zero value is usable.
type Config struct {
	Limit     int // outbound queue limit in bytes
	ChunkSize int // bytes per read pass
	Overflow  OverflowPolicy
}

// Stats counts traffic through a bridge.
type Stats struct {
	Written uint64
	Read    uint64
	Dropped uint64
	Pending int
}

// Bridge relays bytes between a Ring and a pair of descriptors. in and out
// may be the same socket.
//
// Bridge is not safe for concurrent use; one relay loop owns it.
type Bridge struct {
	in       Conn
	out      Conn
	ring     *Ring
	chunk    []byte
	overflow OverflowPolicy

	state State // Closed or Fatal once terminated, Idle otherwise
	err   error

	written uint64
	read    uint64
	dropped uint64
}

// New creates a bridge reading from in and writing to out.
func New(in, out Conn, cfg Config) *Bridge {
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	return &Bridge{
		in:       in,
		out:      out,
		ring:     NewRing(cfg.Limit),
		chunk:    make([]byte, chunk),
		overflow: cfg.Overflow,
	}
}

// Enqueue appends p to the outbound queue. p is copied. It returns
// ErrOverflow when p does not fit (under OverflowFail), and the terminal
// error once the bridge is closed.
func (b *Bridge) Enqueue(p []byte) error {
	if b.state.Terminal() {
		return b.err
	}
	if err := b.ring.Push(p); err != nil {
		if b.overflow == OverflowDrop {
			b.dropped += uint64(len(p))
			return nil
		}
		return err
	}
	return nil
}

// Fits reports whether n more bytes can be enqueued right now.
func (b *Bridge) Fits(n int) bool { return n <= b.ring.Free() }

// Free returns how many bytes can be enqueued right now.
func (b *Bridge) Free() int { return b.ring.Free() }

// Pending returns the number of queued outbound bytes.
func (b *Bridge) Pending() int { return b.ring.Len() }

// State returns Closed or Fatal after termination, Idle otherwise.
func (b *Bridge) State() State { return b.state }

// Err returns the terminal error, or nil while the bridge is alive.
func (b *Bridge) Err() error { return b.err }

// Stats returns traffic counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Written: b.written,
		Read:    b.read,
		Dropped: b.dropped,
		Pending: b.ring.Len(),
	}
}

// PumpOutput writes queued bytes to the descriptor. It returns Idle when
// the queue is empty and MoreWorkPending when bytes remain after two
// passes or the descriptor would block. A zero-byte write is treated as
// the peer closing.
func (b *Bridge) PumpOutput() (State, error) {
	if b.state.Terminal() {
		return b.state, b.err
	}
	for range passes {
		vec := b.ring.Peek()
		if vec == nil {
			return Idle, nil
		}
		n, err := b.write(vec)
		if n > 0 {
			b.ring.Pull(n)
			b.written += uint64(n)
		}
		switch classify(err) {
		case classNone:
			if n == 0 {
				return b.terminate(Closed, fmt.Errorf("%w: zero-byte write", ErrClosed))
			}
		case classInterrupted:
			// counts as a pass
		case classWouldBlock:
			return b.outputState(), nil
		case classClosed:
			return b.terminate(Closed, fmt.Errorf("%w: write: %v", ErrClosed, err))
		default:
			return b.terminate(Fatal, fmt.Errorf("%w: write: %v", ErrFatal, err))
		}
	}
	return b.outputState(), nil
}

// PumpInput reads from the descriptor and hands each chunk to sink as soon
// as it is read. The chunk aliases an internal buffer; sink must copy what
// it keeps. It returns Idle when the descriptor has nothing now and
// MoreWorkPending when both passes delivered data.
//
// A sink error terminates the bridge as Fatal and is returned unwrapped so
// the caller can inspect it.
func (b *Bridge) PumpInput(sink func([]byte) error) (State, error) {
	if b.state.Terminal() {
		return b.state, b.err
	}
	for range passes {
		n, err := b.in.Read(b.chunk)
		if n > 0 {
			b.read += uint64(n)
			if serr := sink(b.chunk[:n]); serr != nil {
				return b.terminate(Fatal, serr)
			}
		}
		switch classify(err) {
		case classNone:
			if n == 0 {
				return b.terminate(Closed, fmt.Errorf("%w: zero-byte read", ErrClosed))
			}
		case classInterrupted, classWouldBlock:
			return Idle, nil
		case classClosed:
			return b.terminate(Closed, fmt.Errorf("%w: read: %v", ErrClosed, err))
		default:
			return b.terminate(Fatal, fmt.Errorf("%w: read: %v", ErrFatal, err))
		}
	}
	return MoreWorkPending, nil
}

func (b *Bridge) write(vec [][]byte) (int, error) {
	if len(vec) > 1 {
		if vw, ok := b.out.(vectorWriter); ok {
			return vw.Writev(vec)
		}
	}
	return b.out.Write(vec[0])
}

func (b *Bridge) outputState() State {
	if b.ring.Len() > 0 {
		return MoreWorkPending
	}
	return Idle
}

func (b *Bridge) terminate(s State, err error) (State, error) {
	b.state = s
	b.err = err
	return s, err
}

type errClass int

const (
	classNone errClass = iota
	classInterrupted
	classWouldBlock
	classClosed
	classFatal
)

func classify(err error) errClass {
	switch {
	case err == nil:
		return classNone
	case errors.Is(err, unix.EINTR):
		return classInterrupted
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK),
		errors.Is(err, os.ErrDeadlineExceeded):
		return classWouldBlock
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrClosed),
		errors.Is(err, unix.EPIPE), errors.Is(err, unix.ECONNRESET):
		return classClosed
	default:
		return classFatal
	}
}

// IsTransient reports whether err is would-block or an interrupted call.
func IsTransient(err error) bool {
	c := classify(err)
	return c == classInterrupted || c == classWouldBlock
}

// IsClosed reports whether err is an orderly or reset peer shutdown.
func IsClosed(err error) bool { return classify(err) == classClosed }
