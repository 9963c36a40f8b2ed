// Package segment is the local side of the relay: a client surface made
// of a unix stream socket carrying CBOR events and a shared memory region
// holding one video frame at a time.
//
// A Listener hosts a connection point and accepts segments (the display
// server side). Open attaches to a connection point (the client side).
// Only the client side publishes frames; the server side reads them and
// releases each with a FrameAck.
package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/chronologos/a12relay/internal/codec"
	"github.com/chronologos/a12relay/internal/duplex"
)

// MaxEventSize bounds one encoded event on the socket.
const MaxEventSize = 1 << 20

const lengthSize = 4

var (
	ErrBusy        = errors.New("frame buffer busy")
	ErrNotProducer = errors.New("segment side does not publish frames")
	ErrFrameSize   = errors.New("frame does not fit the shared region")
	ErrEventSize   = errors.New("event exceeds maximum size")
	ErrReleased    = errors.New("segment released")
)

// Segment is one attached client surface. It is not safe for concurrent
// use; one relay loop owns it.
type Segment struct {
	fd       duplex.FD
	bridge   *duplex.Bridge
	region   []byte
	maxW     uint16
	maxH     uint16
	producer bool
	log      *slog.Logger

	inbuf  []byte
	events []Event

	published uint64 // seq of the frame the consumer still holds, 0 if free
	released  bool
}

func newSegment(fd duplex.FD, region []byte, maxW, maxH uint16, producer bool, log *slog.Logger) *Segment {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Segment{
		fd:       fd,
		bridge:   duplex.New(fd, fd, duplex.Config{}),
		region:   region,
		maxW:     maxW,
		maxH:     maxH,
		producer: producer,
		log:      log,
	}
}

// Fd returns the socket descriptor for readiness polling.
func (s *Segment) Fd() uintptr { return s.fd.Fd() }

// MaxSize returns the largest frame the shared region holds.
func (s *Segment) MaxSize() (w, h uint16) { return s.maxW, s.maxH }

// Producer reports whether this side publishes frames.
func (s *Segment) Producer() bool { return s.producer }

// Process flushes queued outbound events and reads whatever the socket
// has. It reports whether decoded events are waiting for Peek. The error
// wraps duplex.ErrClosed when the other side went away.
func (s *Segment) Process() (bool, error) {
	if s.released {
		return false, ErrReleased
	}
	if _, err := s.bridge.PumpOutput(); err != nil {
		return len(s.events) > 0, err
	}
	if _, err := s.bridge.PumpInput(s.decode); err != nil {
		return len(s.events) > 0, err
	}
	return len(s.events) > 0, nil
}

// Pending returns the number of outbound bytes not yet written.
func (s *Segment) Pending() int { return s.bridge.Pending() }

func (s *Segment) decode(p []byte) error {
	s.inbuf = append(s.inbuf, p...)
	off := 0
	for len(s.inbuf)-off >= lengthSize {
		n := int(binary.BigEndian.Uint32(s.inbuf[off:]))
		if n > MaxEventSize {
			return fmt.Errorf("%w: %d bytes", ErrEventSize, n)
		}
		if len(s.inbuf)-off < lengthSize+n {
			break
		}
		var ev Event
		if err := codec.Unmarshal(s.inbuf[off+lengthSize:off+lengthSize+n], &ev); err != nil {
			return fmt.Errorf("segment event: %w", err)
		}
		off += lengthSize + n
		if ev.Kind == KindFrameAck && s.producer && ev.Seq == s.published {
			s.published = 0
		}
		s.events = append(s.events, ev)
	}
	s.inbuf = s.inbuf[:copy(s.inbuf, s.inbuf[off:])]
	return nil
}

// Peek returns the oldest unconsumed event without removing it.
func (s *Segment) Peek() (Event, bool) {
	if len(s.events) == 0 {
		return Event{}, false
	}
	return s.events[0], true
}

// Pop removes the event returned by Peek.
func (s *Segment) Pop() {
	if len(s.events) == 0 {
		return
	}
	s.events[0] = Event{}
	s.events = s.events[1:]
	if len(s.events) == 0 {
		s.events = nil
	}
}

// Send queues ev for the other side and tries to write it right away.
func (s *Segment) Send(ev Event) error {
	if s.released {
		return ErrReleased
	}
	p, err := codec.Marshal(ev)
	if err != nil {
		return fmt.Errorf("segment event: %w", err)
	}
	if len(p) > MaxEventSize {
		return fmt.Errorf("%w: %d bytes", ErrEventSize, len(p))
	}
	buf := make([]byte, lengthSize, lengthSize+len(p))
	binary.BigEndian.PutUint32(buf, uint32(len(p)))
	if err := s.bridge.Enqueue(append(buf, p...)); err != nil {
		return err
	}
	if st, err := s.bridge.PumpOutput(); st.Terminal() {
		return err
	}
	return nil
}

// FrameBuffer returns the region slice holding a w×h frame. On the
// consumer side it is only valid between a Frame event and its FrameAck.
func (s *Segment) FrameBuffer(w, h uint16) ([]byte, error) {
	if s.released {
		return nil, ErrReleased
	}
	n := FrameSize(w, h)
	if w > s.maxW || h > s.maxH || n > len(s.region) {
		return nil, fmt.Errorf("%w: %dx%d, max %dx%d", ErrFrameSize, w, h, s.maxW, s.maxH)
	}
	return s.region[:n], nil
}

// PublishFrame copies f into the shared region and announces it. It
// fails with ErrBusy while the previous frame is unacknowledged.
func (s *Segment) PublishFrame(f Frame) error {
	if !s.producer {
		return ErrNotProducer
	}
	if s.published != 0 {
		return ErrBusy
	}
	if f.Seq == 0 {
		return fmt.Errorf("segment: frame sequence must be non-zero")
	}
	buf, err := s.FrameBuffer(f.Width, f.Height)
	if err != nil {
		return err
	}
	if len(f.Pixels) != len(buf) {
		return fmt.Errorf("%w: %d pixel bytes for %dx%d", ErrFrameSize, len(f.Pixels), f.Width, f.Height)
	}
	copy(buf, f.Pixels)
	if err := s.Send(Event{Kind: KindFrame, Seq: f.Seq, Width: f.Width, Height: f.Height}); err != nil {
		return err
	}
	s.published = f.Seq
	return nil
}

// Busy reports whether a published frame is still held by the consumer.
func (s *Segment) Busy() bool { return s.published != 0 }

// Release unmaps the region and closes the socket. It is idempotent.
func (s *Segment) Release() error {
	if s.released {
		return nil
	}
	s.released = true
	s.events = nil
	var errs []error
	if s.region != nil {
		if err := unix.Munmap(s.region); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
		s.region = nil
	}
	if err := s.fd.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	s.log.Debug("segment released")
	return errors.Join(errs...)
}
