package duplex

import (
	"fmt"
	"io"
	"syscall"

	"golang.org/x/sys/unix"
)

// FD is a raw file descriptor used in non-blocking mode. Unlike *os.File it
// is not registered with the Go runtime poller, so EAGAIN reaches the
// caller instead of parking the goroutine.
type FD int

// Read reads into p. A zero-length read from the kernel is reported as
// io.EOF.
func (fd FD) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := unix.Read(int(fd), p)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write writes p and returns the number of bytes the kernel accepted.
func (fd FD) Write(p []byte) (int, error) {
	n, err := unix.Write(int(fd), p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Fd returns the descriptor number.
func (fd FD) Fd() uintptr { return uintptr(fd) }

// Close closes the descriptor.
func (fd FD) Close() error { return unix.Close(int(fd)) }

// SetNonblock switches the descriptor to non-blocking mode.
func (fd FD) SetNonblock() error { return unix.SetNonblock(int(fd), true) }

// Dup duplicates the descriptor behind sc (a *net.TCPConn, *net.UnixConn,
// *os.File, ...) and returns the copy in non-blocking, close-on-exec mode.
// The caller owns both descriptors afterwards.
func Dup(sc syscall.Conn) (FD, error) {
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("syscall conn: %w", err)
	}
	dupFD, dupErr := -1, error(nil)
	if err := raw.Control(func(fd uintptr) {
		dupFD, dupErr = unix.Dup(int(fd))
	}); err != nil {
		return -1, fmt.Errorf("control: %w", err)
	}
	if dupErr != nil {
		return -1, fmt.Errorf("dup: %w", dupErr)
	}
	unix.CloseOnExec(dupFD)
	if err := unix.SetNonblock(dupFD, true); err != nil {
		unix.Close(dupFD)
		return -1, fmt.Errorf("set nonblock: %w", err)
	}
	return FD(dupFD), nil
}
