package relay

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/chronologos/a12relay/internal/a12"
	"github.com/chronologos/a12relay/internal/congestion"
	"github.com/chronologos/a12relay/internal/segment"
)

// DefaultPollTimeout bounds one wait in Run and RunListener.
const DefaultPollTimeout = time.Second

// maxQueuedFrames is how many remote frames the segment-client role holds
// while the local buffer is busy.
const maxQueuedFrames = 8

// VideoEvaluator picks the codec for a frame leaving the local segment.
type VideoEvaluator func(channel uint8, f segment.Frame) a12.Codec

// Options configures a relay. The zero value is usable.
type Options struct {
	// VideoEvaluator chooses the wire codec per frame. Nil sends raw.
	VideoEvaluator VideoEvaluator
	// CongestionTolerance is the number of unacknowledged frames allowed
	// in flight (vframe_block). Zero disables the limit.
	CongestionTolerance int
	// Congestion replaces the default threshold policy.
	Congestion congestion.Controller
	// RedirectExit, when set, turns a remote request to close the segment
	// into a device hint towards this connection point.
	RedirectExit string
	// DeviceHintPoint is announced to the segment as its alternate
	// connection point at start.
	DeviceHintPoint string
	// OutboundLimit bounds bytes queued for the transport.
	OutboundLimit int
	// PollTimeout bounds one wait. Zero selects DefaultPollTimeout.
	PollTimeout time.Duration
	// AudioDelay is how long audio is batched before it is sent.
	AudioDelay time.Duration
	// ConnDir is the directory holding connection points for
	// RunListener. Empty selects segment.DefaultDir.
	ConnDir string
	Logger  *slog.Logger
}

func (o *Options) validate() error {
	if o.CongestionTolerance < 0 {
		return fmt.Errorf("%w: negative congestion tolerance %d", ErrInvalidOptions, o.CongestionTolerance)
	}
	if o.OutboundLimit < 0 {
		return fmt.Errorf("%w: negative outbound limit %d", ErrInvalidOptions, o.OutboundLimit)
	}
	if o.RedirectExit != "" && !segment.ValidName(o.RedirectExit) {
		return fmt.Errorf("%w: redirect point %q", ErrInvalidOptions, o.RedirectExit)
	}
	if o.DeviceHintPoint != "" && !segment.ValidName(o.DeviceHintPoint) {
		return fmt.Errorf("%w: device hint point %q", ErrInvalidOptions, o.DeviceHintPoint)
	}
	return nil
}

func (o *Options) withDefaults() Options {
	c := *o
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.Congestion == nil {
		c.Congestion = congestion.NewThreshold(c.CongestionTolerance)
	}
	if c.VideoEvaluator == nil {
		c.VideoEvaluator = func(uint8, segment.Frame) a12.Codec { return a12.CodecRaw }
	}
	if c.ConnDir == "" {
		c.ConnDir = segment.DefaultDir()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}
