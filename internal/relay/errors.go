package relay

import (
	"errors"
	"fmt"

	"github.com/chronologos/a12relay/internal/a12"
	"github.com/chronologos/a12relay/internal/duplex"
	"github.com/chronologos/a12relay/internal/segment"
)

var (
	// ErrClosed is an orderly end: the peer, the segment or the protocol
	// shut down. It is not an application failure.
	ErrClosed = errors.New("relay closed")
	// ErrFatal is an unexpected descriptor, segment or protocol error.
	ErrFatal = errors.New("relay failed")
	// ErrInvalidConnectionPoint means the connection point name is
	// malformed or nothing is listening under it.
	ErrInvalidConnectionPoint = errors.New("invalid connection point")
	// ErrSegmentUnavailable means the connection point exists but no
	// segment could be attached to it.
	ErrSegmentUnavailable = errors.New("segment unavailable")
	// ErrAuthFailed means the handshake was rejected. No segment was
	// touched.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrInvalidOptions means Options failed validation.
	ErrInvalidOptions = errors.New("invalid relay options")
)

// classify maps an error from the bridge, the segment or the protocol to
// ErrClosed or ErrFatal.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrClosed), errors.Is(err, ErrFatal):
		return err
	case errors.Is(err, duplex.ErrClosed),
		errors.Is(err, segment.ErrReleased),
		errors.Is(err, a12.ErrClosed):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	default:
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
}
