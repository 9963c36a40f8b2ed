package relay

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/chronologos/a12relay/internal/duplex"
)

// PollState says which I/O surfaces have work. Bits combine.
type PollState uint8

const (
	// SegmentWork: the segment has events or output not yet handled.
	SegmentWork PollState = 1 << iota
	// OutboundPending: bytes are queued for the transport.
	OutboundPending
	// InboundPending: the transport may have more input right now.
	InboundPending
)

func (s PollState) String() string {
	if s == 0 {
		return "idle"
	}
	var parts []string
	if s&SegmentWork != 0 {
		parts = append(parts, "segment")
	}
	if s&OutboundPending != 0 {
		parts = append(parts, "out")
	}
	if s&InboundPending != 0 {
		parts = append(parts, "in")
	}
	return strings.Join(parts, "|")
}

// noFDBackoff is the wait used when nothing has a pollable descriptor.
const noFDBackoff = time.Millisecond

// wait blocks until one of the relay's descriptors is ready or timeout
// passes. A descriptor closed underneath the relay is reported as
// ErrClosed.
func (r *Relay) wait(ps PollState, timeout time.Duration) error {
	if ps&InboundPending != 0 {
		return nil
	}
	var fds []unix.PollFd
	add := func(fd int, events int16) {
		if fd >= 0 {
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
		}
	}
	segEvents := int16(unix.POLLIN)
	if r.seg.Pending() > 0 {
		segEvents |= unix.POLLOUT
	}
	add(int(r.seg.Fd()), segEvents)
	add(fdOf(r.in), unix.POLLIN)
	if ps&OutboundPending != 0 {
		add(fdOf(r.out), unix.POLLOUT)
	}
	if dl, ok := r.audio.Deadline(); ok {
		timeout = min(timeout, max(time.Until(dl), 0))
	}
	if len(fds) == 0 {
		time.Sleep(min(timeout, noFDBackoff))
		return nil
	}
	for {
		_, err := unix.Poll(fds, int(timeout/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: poll: %v", ErrFatal, err)
		}
		break
	}
	for _, f := range fds {
		if f.Revents&unix.POLLNVAL != 0 {
			return fmt.Errorf("%w: descriptor %d closed", ErrClosed, f.Fd)
		}
	}
	return nil
}

func fdOf(c duplex.Conn) int {
	if f, ok := c.(duplex.Fder); ok {
		return int(f.Fd())
	}
	return -1
}
