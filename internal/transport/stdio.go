package transport

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/chronologos/a12relay/internal/duplex"
)

// Stdio returns an endpoint reading fd 0 and writing fd 1. The descriptors
// are duplicated, but O_NONBLOCK lives on the shared open file, so the
// parent's stdio turns non-blocking too.
func Stdio() (*Endpoint, error) {
	in, err := dupNonblock(0)
	if err != nil {
		return nil, fmt.Errorf("stdin: %w", err)
	}
	out, err := dupNonblock(1)
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("stdout: %w", err)
	}
	return newEndpoint(in, out, "stdio"), nil
}

func dupNonblock(fd int) (duplex.FD, error) {
	d, err := unix.Dup(fd)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(d)
	if err := unix.SetNonblock(d, true); err != nil {
		unix.Close(d)
		return -1, err
	}
	return duplex.FD(d), nil
}
