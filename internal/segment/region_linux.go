//go:build linux

package segment

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// createRegion makes an anonymous shared memory file of size bytes and
// maps it. The caller closes the descriptor once it has been passed on.
func createRegion(name string, size int) (int, []byte, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return -1, nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("ftruncate: %w", err)
	}
	region, err := mapRegion(fd, size)
	if err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	return fd, region, nil
}

func mapRegion(fd, size int) ([]byte, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("fstat region: %w", err)
	}
	if st.Size < int64(size) {
		return nil, fmt.Errorf("region is %d bytes, need %d", st.Size, size)
	}
	region, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return region, nil
}
