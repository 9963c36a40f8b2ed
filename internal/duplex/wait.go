package duplex

import (
	"time"

	"golang.org/x/sys/unix"
)

// noFDBackoff is how long Wait sleeps for conns without a descriptor.
const noFDBackoff = time.Millisecond

// Fder is implemented by conns backed by a pollable descriptor.
type Fder interface {
	Fd() uintptr
}

// WaitReadable blocks until c has input or timeout elapses. A negative
// timeout waits forever. Conns without a descriptor get a short sleep.
func WaitReadable(c Conn, timeout time.Duration) error {
	return wait(c, unix.POLLIN, timeout)
}

// WaitWritable blocks until c can accept output or timeout elapses.
func WaitWritable(c Conn, timeout time.Duration) error {
	return wait(c, unix.POLLOUT, timeout)
}

func wait(c Conn, events int16, timeout time.Duration) error {
	f, ok := c.(Fder)
	if !ok {
		time.Sleep(noFDBackoff)
		return nil
	}
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	fds := []unix.PollFd{{Fd: int32(f.Fd()), Events: events}}
	for {
		_, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}
