// Package relay bridges one local segment and one a12 connection.
//
// Two roles exist. In the segment-server role (Run) this process hosts
// the segment and the remote peer drives it: frames flow out, subject to
// congestion control, and input flows in. In the segment-client role
// (RunListener) an accepted a12 connection is mapped onto a named local
// connection point and frames flow in.
//
// Every connection is handled by its own Relay. Relays share nothing and
// spawn no goroutines; a connection is driven by calling Step, or by Run
// and RunListener which loop over Step and poll the descriptors.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chronologos/a12relay/internal/a12"
	"github.com/chronologos/a12relay/internal/coalesce"
	"github.com/chronologos/a12relay/internal/congestion"
	"github.com/chronologos/a12relay/internal/duplex"
	"github.com/chronologos/a12relay/internal/segment"
)

// Protocol is the per-connection protocol state the relay drives.
// *a12.State implements it.
type Protocol interface {
	Phase() a12.Phase
	Feed(p []byte) ([]a12.Message, error)
	Output() []byte
	SendEvent(ch uint8, ev segment.Event) error
	SendVideo(ch uint8, f segment.Frame, c a12.Codec) (uint64, error)
	SendAudio(ch uint8, samples []byte) error
	AckVideo(ch uint8, seq uint64) error
	Shutdown()
}

// Segment is the local surface. *segment.Segment implements it.
type Segment interface {
	Fd() uintptr
	Process() (bool, error)
	Peek() (segment.Event, bool)
	Pop()
	Send(ev segment.Event) error
	FrameBuffer(w, h uint16) ([]byte, error)
	PublishFrame(f segment.Frame) error
	Busy() bool
	Pending() int
	Release() error
}

type role int

const (
	roleServer role = iota // hosts the segment, remote a12 server drives it
	roleClient             // attached to a local connection point
)

func (r role) String() string {
	if r == roleServer {
		return "segment-server"
	}
	return "segment-client"
}

// Relay is one steady-state connection. It is not safe for concurrent use.
type Relay struct {
	role  role
	p     Protocol
	seg   Segment
	in    duplex.Conn
	out   duplex.Conn
	net   *duplex.Bridge
	opts  Options
	ctrl  congestion.Controller
	audio *coalesce.Coalescer
	log   *slog.Logger

	carry    []byte // protocol output that did not fit the bridge yet
	started  bool
	withheld bool
	inState  duplex.State

	// segment-client role
	frames     []segment.Frame // remote frames waiting for the local buffer
	localSeq   uint64          // last seq published to the segment
	pendingAck uint64          // remote seq of the frame the segment holds

	err error
}

// NewServer prepares the segment-server role for seg. If p is still
// authenticating the handshake runs first, blocking; on failure the
// segment is left untouched and the error wraps ErrAuthFailed.
func NewServer(p Protocol, seg Segment, in, out duplex.Conn, opts Options) (*Relay, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := gate(p, in, out); err != nil {
		return nil, err
	}
	r := newRelay(roleServer, p, seg, in, out, opts)
	if r.opts.DeviceHintPoint != "" {
		if err := seg.Send(segment.Event{Kind: segment.KindDeviceHint, Target: r.opts.DeviceHintPoint}); err != nil {
			r.Close()
			return nil, classify(err)
		}
	}
	return r, nil
}

// NewListener prepares the segment-client role: the connection point is
// resolved before any transport I/O, then the handshake runs if needed,
// then the segment is attached.
func NewListener(p Protocol, cp string, in, out duplex.Conn, opts Options) (*Relay, error) {
	return newListener(p, cp, in, out, opts, openSegment)
}

type opener func(path string, log *slog.Logger) (Segment, error)

func openSegment(path string, log *slog.Logger) (Segment, error) {
	s, err := segment.Open(path, log)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newListener(p Protocol, cp string, in, out duplex.Conn, opts Options, open opener) (*Relay, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	o := opts.withDefaults()
	path, err := segment.Resolve(o.ConnDir, cp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConnectionPoint, err)
	}
	if err := gate(p, in, out); err != nil {
		return nil, err
	}
	seg, err := open(path, o.Logger)
	if err != nil {
		p.Shutdown()
		writeAll(out, p.Output())
		return nil, fmt.Errorf("%w: %v", ErrSegmentUnavailable, err)
	}
	r := newRelay(roleClient, p, seg, in, out, opts)
	r.log = r.log.With("cp", cp)
	return r, nil
}

func gate(p Protocol, in, out duplex.Conn) error {
	if p.Phase() == a12.Active {
		return nil
	}
	return authenticate(p, in, out)
}

func newRelay(ro role, p Protocol, seg Segment, in, out duplex.Conn, opts Options) *Relay {
	o := opts.withDefaults()
	r := &Relay{
		role:  ro,
		p:     p,
		seg:   seg,
		in:    in,
		out:   out,
		net:   duplex.New(in, out, duplex.Config{Limit: o.OutboundLimit}),
		opts:  o,
		ctrl:  o.Congestion,
		audio: coalesce.New(o.AudioDelay, 0),
		log:   o.Logger.With("role", ro.String()),
	}
	r.log.Info("relay active")
	return r
}

// Run relays between the hosted segment seg and the remote peer over
// in/out until either side ends. It performs the handshake if p is still
// authenticating. The segment is released on return unless the handshake
// failed; in and out are never closed.
//
// An orderly end returns an error wrapping ErrClosed.
func Run(p Protocol, seg Segment, in, out duplex.Conn, opts Options) error {
	r, err := NewServer(p, seg, in, out, opts)
	if err != nil {
		return err
	}
	_, err = r.loop()
	return err
}

// RunListener maps the a12 connection p onto the connection point cp and
// relays until either side ends. It returns the surfaces that still had
// work when the relay stopped.
//
// A malformed or missing cp fails with ErrInvalidConnectionPoint before
// any transport I/O. A cp that cannot be attached fails with
// ErrSegmentUnavailable.
func RunListener(p Protocol, cp string, in, out duplex.Conn, opts Options) (PollState, error) {
	r, err := NewListener(p, cp, in, out, opts)
	if err != nil {
		return 0, err
	}
	return r.loop()
}

func (r *Relay) loop() (PollState, error) {
	for {
		ps, err := r.Step()
		if err != nil {
			return ps, err
		}
		if err := r.wait(ps, r.opts.PollTimeout); err != nil {
			return r.fail(err)
		}
	}
}

// Step runs one non-blocking iteration: segment to protocol, transport
// to protocol to segment, protocol to transport. It returns the surfaces
// with pending work. After a terminal error the segment is released and
// every later call returns the same error.
func (r *Relay) Step() (PollState, error) {
	if r.err != nil {
		return 0, r.err
	}
	if !r.started {
		r.started = true
		// Frames that arrived with the end of the handshake.
		if err := r.feed(nil); err != nil {
			return r.fail(err)
		}
	}

	if _, err := r.seg.Process(); err != nil {
		return r.fail(fmt.Errorf("segment: %w", err))
	}
	if err := r.drainSegment(); err != nil {
		return r.fail(err)
	}
	if r.audio.Due(time.Now()) {
		if err := r.flushAudio(); err != nil {
			return r.fail(err)
		}
	}

	st, err := r.net.PumpInput(r.feed)
	if err != nil {
		return r.fail(err)
	}
	r.inState = st
	if r.p.Phase() == a12.Closed {
		r.log.Info("peer shut down")
		return r.fail(fmt.Errorf("%w: peer shut down", ErrClosed))
	}
	// Acks that just arrived may admit a withheld frame.
	if r.withheld {
		if err := r.drainSegment(); err != nil {
			return r.fail(err)
		}
	}

	if r.role == roleClient {
		if err := r.publishFrames(); err != nil {
			return r.fail(err)
		}
	}

	if err := r.flushProtocol(); err != nil {
		return r.fail(err)
	}
	if _, err := r.net.PumpOutput(); err != nil {
		return r.fail(err)
	}
	// Room freed by the write takes more of the carry.
	if err := r.flushProtocol(); err != nil {
		return r.fail(err)
	}
	return r.pollState(), nil
}

func (r *Relay) pollState() PollState {
	var ps PollState
	if _, ok := r.seg.Peek(); ok || r.seg.Pending() > 0 || r.audio.Pending() > 0 {
		ps |= SegmentWork
	}
	if r.net.Pending() > 0 || len(r.carry) > 0 {
		ps |= OutboundPending
	}
	if r.inState == duplex.MoreWorkPending {
		ps |= InboundPending
	}
	return ps
}

// drainSegment hands queued segment events to the protocol until the
// queue is empty or a frame has to be withheld. A withheld frame stays at
// the head so later events keep their order behind it.
func (r *Relay) drainSegment() error {
	r.withheld = false
	for {
		ev, ok := r.seg.Peek()
		if !ok {
			return nil
		}
		switch ev.Kind {
		case segment.KindFrame:
			if r.role == roleClient {
				r.log.Debug("ignoring frame from consumer side")
				break
			}
			if len(r.carry) > 0 || !r.ctrl.Admit() {
				if !r.withheld {
					r.log.Debug("frame withheld", "seq", ev.Seq, "watermark", r.ctrl.Watermark())
				}
				r.withheld = true
				return nil
			}
			if err := r.sendFrame(ev); err != nil {
				return err
			}

		case segment.KindFrameAck:
			if r.role == roleClient && r.pendingAck != 0 {
				if err := r.p.AckVideo(a12.ChannelPrimary, r.pendingAck); err != nil {
					return err
				}
				r.pendingAck = 0
			}

		case segment.KindAudio:
			if r.audio.Add(ev.Data, time.Now()) {
				if err := r.flushAudio(); err != nil {
					return err
				}
			}

		case segment.KindClipboard:
			if err := r.p.SendEvent(a12.ChannelClipboard, ev); err != nil {
				return err
			}

		default:
			r.log.Debug("segment event", "kind", ev.Kind)
			if err := r.p.SendEvent(a12.ChannelPrimary, ev); err != nil {
				return err
			}
		}
		r.seg.Pop()
	}
}

func (r *Relay) sendFrame(ev segment.Event) error {
	pixels, err := r.seg.FrameBuffer(ev.Width, ev.Height)
	if err != nil {
		return err
	}
	f := segment.Frame{Seq: ev.Seq, Width: ev.Width, Height: ev.Height, Pixels: pixels}
	codec := r.opts.VideoEvaluator(a12.ChannelPrimary, f)
	seq, err := r.p.SendVideo(a12.ChannelPrimary, f, codec)
	if err != nil {
		return err
	}
	r.ctrl.Submitted(seq)
	r.log.Debug("frame submitted", "seq", seq, "codec", codec, "width", f.Width, "height", f.Height)
	// SendVideo copied the pixels, so the segment may reuse the buffer.
	return r.seg.Send(segment.Event{Kind: segment.KindFrameAck, Seq: ev.Seq})
}

func (r *Relay) flushAudio() error {
	if data := r.audio.Flush(); data != nil {
		return r.p.SendAudio(a12.ChannelPrimary, data)
	}
	return nil
}

// feed is the transport input sink.
func (r *Relay) feed(p []byte) error {
	msgs, err := r.p.Feed(p)
	for _, m := range msgs {
		if aerr := r.apply(m); aerr != nil {
			return aerr
		}
	}
	if err != nil {
		return fmt.Errorf("protocol: %w", err)
	}
	return nil
}

// apply delivers one inbound protocol message.
func (r *Relay) apply(m a12.Message) error {
	switch m := m.(type) {
	case *a12.Ack:
		r.ctrl.Ack(m.Seq)
		return nil

	case *a12.Event:
		return r.applyEvent(m.Event)

	case *a12.Video:
		if r.role != roleClient {
			r.log.Debug("ignoring remote video in segment-server role", "seq", m.Frame.Seq)
			return nil
		}
		r.frames = append(r.frames, m.Frame)
		if len(r.frames) > maxQueuedFrames {
			// Drop the oldest and acknowledge it so the peer keeps moving.
			old := r.frames[0]
			r.frames = r.frames[1:]
			r.log.Debug("dropping queued frame", "seq", old.Seq)
			return r.p.AckVideo(a12.ChannelPrimary, old.Seq)
		}
		return nil

	case *a12.Audio:
		return r.seg.Send(segment.Event{Kind: segment.KindAudio, Data: m.Samples})

	case *a12.Shutdown:
		return nil

	default:
		r.log.Debug("ignoring protocol message", "type", m.Type())
		return nil
	}
}

// applyEvent applies the translation policy to a remote event before it
// reaches the segment.
func (r *Relay) applyEvent(ev segment.Event) error {
	switch ev.Kind {
	case segment.KindFrame, segment.KindFrameAck:
		// Buffer management stays local.
		r.log.Debug("ignoring remote buffer event", "kind", ev.Kind)
		return nil
	case segment.KindExit:
		if r.role == roleServer && r.opts.RedirectExit != "" {
			r.log.Warn("remote exit redirected", "target", r.opts.RedirectExit)
			ev = segment.Event{Kind: segment.KindDeviceHint, Target: r.opts.RedirectExit}
		}
	}
	return r.seg.Send(ev)
}

// publishFrames moves the next queued remote frame into the segment once
// the previous one has been released.
func (r *Relay) publishFrames() error {
	for len(r.frames) > 0 && !r.seg.Busy() && r.pendingAck == 0 {
		f := r.frames[0]
		r.frames[0] = segment.Frame{}
		r.frames = r.frames[1:]

		r.localSeq++
		err := r.seg.PublishFrame(segment.Frame{Seq: r.localSeq, Width: f.Width, Height: f.Height, Pixels: f.Pixels})
		if errors.Is(err, segment.ErrFrameSize) {
			r.log.Warn("remote frame does not fit segment", "seq", f.Seq, "width", f.Width, "height", f.Height)
			if err := r.p.AckVideo(a12.ChannelPrimary, f.Seq); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		r.pendingAck = f.Seq
	}
	return nil
}

// flushProtocol moves protocol output into the bridge, carrying whatever
// does not fit.
func (r *Relay) flushProtocol() error {
	if out := r.p.Output(); len(out) > 0 {
		if len(r.carry) == 0 {
			r.carry = out
		} else {
			r.carry = append(r.carry, out...)
		}
	}
	if len(r.carry) == 0 {
		return nil
	}
	n := min(len(r.carry), r.net.Free())
	if n == 0 {
		return nil
	}
	if err := r.net.Enqueue(r.carry[:n]); err != nil {
		return err
	}
	if n == len(r.carry) {
		r.carry = nil
	} else {
		r.carry = r.carry[n:]
	}
	return nil
}

// fail records the terminal error, tears down and returns it.
func (r *Relay) fail(err error) (PollState, error) {
	err = classify(err)
	r.err = err
	ps := r.pollState()
	if errors.Is(err, ErrFatal) {
		r.log.Error("relay failed", "error", err)
	} else {
		r.log.Info("relay closed", "reason", err)
	}
	r.teardown()
	return ps, err
}

// teardown tells a still-active peer the relay is going away, with one
// best-effort non-blocking write, then releases the segment.
func (r *Relay) teardown() {
	if r.p.Phase() == a12.Active {
		r.p.Shutdown()
		if r.flushProtocol() == nil {
			r.net.PumpOutput()
		}
	}
	if err := r.seg.Release(); err != nil {
		r.log.Debug("segment release", "error", err)
	}
}

// Close ends the relay. It is safe to call after a terminal Step.
func (r *Relay) Close() error {
	if r.err == nil {
		r.fail(fmt.Errorf("%w: closed locally", ErrClosed))
	}
	return nil
}

// Err returns the terminal error, or nil while the relay is running.
func (r *Relay) Err() error { return r.err }

// Watermark returns the congestion controller's current watermark.
func (r *Relay) Watermark() congestion.Watermark { return r.ctrl.Watermark() }
