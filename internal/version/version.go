// Package version carries build identification for a12relay.
package version

import (
	"fmt"

	"github.com/chronologos/a12relay/internal/a12"
)

// Version and Commit are set at build time via:
//
//	go build -ldflags "-X ...version.Version=0.1.0 -X ...version.Commit=abc123"
var (
	Version = "dev"
	Commit  = "dev"
)

// String returns the version line printed by "a12relay version".
func String() string {
	return fmt.Sprintf("a12relay %s (%s) a12 protocol v%d", Version, Commit, a12.Version)
}
