//go:build !linux

package segment

import "errors"

var errNoMemfd = errors.New("shared memory segments need memfd_create (linux)")

func createRegion(name string, size int) (int, []byte, error) { return -1, nil, errNoMemfd }

func mapRegion(fd, size int) ([]byte, error) { return nil, errNoMemfd }
