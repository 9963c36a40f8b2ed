package duplex

import "golang.org/x/sys/unix"

// Writev writes both halves of a wrapped ring in one syscall.
func (fd FD) Writev(bufs [][]byte) (int, error) {
	n, err := unix.Writev(int(fd), bufs)
	if n < 0 {
		n = 0
	}
	return n, err
}
