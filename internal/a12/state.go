package a12

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chronologos/a12relay/internal/auth"
	"github.com/chronologos/a12relay/internal/codec"
	"github.com/chronologos/a12relay/internal/segment"
)

var (
	ErrAuthFailed = errors.New("a12 authentication failed")
	ErrNotActive  = errors.New("a12 connection not active")
	ErrClosed     = errors.New("a12 connection closed")
)

// Phase is the lifecycle of a connection: Authenticating, then Active,
// then Closed. Failed is terminal and means no session was established.
type Phase int

const (
	Authenticating Phase = iota
	Active
	Closed
	Failed
)

func (p Phase) String() string {
	switch p {
	case Authenticating:
		return "authenticating"
	case Active:
		return "active"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config configures a State.
type Config struct {
	Role   Role
	Key    auth.Key
	Logger *slog.Logger
}

// State is the protocol state for one connection. It is not safe for
// concurrent use.
type State struct {
	role   Role
	psk    auth.Key
	macKey auth.Key
	log    *slog.Logger

	phase Phase
	err   error

	local     hello
	peer      *hello
	sentAuth  bool
	tx        *sealer
	rx        *sealer
	inbuf     []byte
	out       []byte
	videoSeq  uint64
	sentClose bool
}

// New creates a State and queues its hello, so Output is non-empty
// immediately.
func New(cfg Config) (*State, error) {
	if cfg.Role != RoleClient && cfg.Role != RoleServer {
		return nil, fmt.Errorf("a12: invalid role %d", cfg.Role)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &State{
		role:   cfg.Role,
		psk:    cfg.Key,
		macKey: auth.DeriveMACKey(cfg.Key),
		log:    log,
		local:  hello{version: Version, role: cfg.Role},
	}
	if _, err := rand.Read(s.local.nonce[:]); err != nil {
		return nil, fmt.Errorf("a12: nonce: %w", err)
	}
	s.out = appendPlain(s.out, MsgHello, ChannelPrimary, s.local.marshal())
	return s, nil
}

// Phase returns the current phase.
func (s *State) Phase() Phase { return s.phase }

// Err returns the error that moved the state to Failed, if any.
func (s *State) Err() error { return s.err }

// Role returns the local role.
func (s *State) Role() Role { return s.role }

// Output returns and clears the bytes waiting to be sent.
func (s *State) Output() []byte {
	out := s.out
	s.out = nil
	return out
}

// Feed consumes received bytes. Complete frames are decoded and returned;
// a partial frame is kept for the next call. Handshake responses are
// queued to Output. Any error is terminal.
//
// Feed returns as soon as the handshake completes. Frames received after
// it stay buffered until the next call, which may pass nil.
func (s *State) Feed(p []byte) ([]Message, error) {
	if s.phase == Failed {
		return nil, s.err
	}
	s.inbuf = append(s.inbuf, p...)

	var msgs []Message
	off := 0
	for {
		rest := s.inbuf[off:]
		if len(rest) < HeaderSize {
			break
		}
		n := binary.BigEndian.Uint32(rest[0:4])
		if n > MaxPayloadSize+sealOverhead {
			return msgs, s.fail(ErrPayloadTooLarge)
		}
		total := HeaderSize + int(n)
		if len(rest) < total {
			break
		}
		off += total
		before := s.phase
		msg, err := s.handle(rest[:HeaderSize], rest[HeaderSize:total])
		if err != nil {
			return msgs, s.fail(err)
		}
		if msg != nil {
			msgs = append(msgs, msg)
		}
		if before == Authenticating && s.phase == Active {
			break
		}
	}
	s.inbuf = s.inbuf[:copy(s.inbuf, s.inbuf[off:])]
	return msgs, nil
}

func (s *State) handle(hdr, payload []byte) (Message, error) {
	typ := MessageType(hdr[4])
	ch := hdr[5]

	switch s.phase {
	case Authenticating:
		return nil, s.handshake(typ, payload)
	case Closed:
		return nil, nil
	}

	plain, err := s.rx.open(hdr, payload)
	if err != nil {
		return nil, err
	}
	msg, err := decodeMessage(typ, ch, plain)
	if err != nil {
		return nil, err
	}
	if _, ok := msg.(*Shutdown); ok {
		s.log.Info("peer shut down")
		s.phase = Closed
	}
	return msg, nil
}

func (s *State) handshake(typ MessageType, payload []byte) error {
	switch typ {
	case MsgHello:
		if s.peer != nil {
			return fmt.Errorf("%w: duplicate hello", ErrAuthFailed)
		}
		h, err := decodeHello(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		if h.version != Version {
			return fmt.Errorf("%w: peer version %d, want %d", ErrAuthFailed, h.version, Version)
		}
		if h.role == s.role || (h.role != RoleClient && h.role != RoleServer) {
			return fmt.Errorf("%w: peer role %v conflicts with local %v", ErrAuthFailed, h.role, s.role)
		}
		s.peer = h
		s.out = appendPlain(s.out, MsgAuth, ChannelPrimary, s.tag(s.role))
		s.sentAuth = true
		return nil

	case MsgAuth:
		if s.peer == nil {
			return fmt.Errorf("%w: auth before hello", ErrAuthFailed)
		}
		if len(payload) < AuthSize {
			return fmt.Errorf("%w: %v", ErrAuthFailed, ErrShortPayload)
		}
		var tag auth.Tag
		copy(tag[:], payload[:AuthSize])
		cn, sn := s.nonces()
		if !auth.VerifyTag(s.macKey, tag, []byte{byte(s.peer.role)}, cn, sn) {
			return fmt.Errorf("%w: bad tag", ErrAuthFailed)
		}
		return s.activate()

	default:
		return fmt.Errorf("%w: %v frame during handshake", ErrAuthFailed, typ)
	}
}

func (s *State) tag(r Role) []byte {
	cn, sn := s.nonces()
	t := auth.ComputeTag(s.macKey, []byte{byte(r)}, cn, sn)
	return t[:]
}

// nonces returns (client nonce, server nonce).
func (s *State) nonces() ([]byte, []byte) {
	if s.role == RoleClient {
		return s.local.nonce[:], s.peer.nonce[:]
	}
	return s.peer.nonce[:], s.local.nonce[:]
}

func (s *State) activate() error {
	cn, sn := s.nonces()
	c2s, s2c, err := deriveSessionKeys(s.psk, cn, sn)
	if err != nil {
		return err
	}
	txKey, rxKey := c2s, s2c
	if s.role == RoleServer {
		txKey, rxKey = s2c, c2s
	}
	if s.tx, err = newSealer(txKey); err != nil {
		return err
	}
	if s.rx, err = newSealer(rxKey); err != nil {
		return err
	}
	s.phase = Active
	s.log.Info("authenticated", "role", s.role)
	return nil
}

func (s *State) fail(err error) error {
	if s.phase == Authenticating {
		s.log.Warn("handshake failed", "error", err)
	}
	s.phase = Failed
	s.err = err
	return err
}

func (s *State) send(typ MessageType, ch uint8, plain []byte) error {
	switch s.phase {
	case Active:
	case Closed:
		return ErrClosed
	case Failed:
		return s.err
	default:
		return ErrNotActive
	}
	if len(plain) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	s.out = s.tx.seal(s.out, typ, ch, plain)
	return nil
}

// SendEvent queues a segment event for the peer.
func (s *State) SendEvent(ch uint8, ev segment.Event) error {
	p, err := codec.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.send(MsgEvent, ch, p)
}

// SendVideo compresses and queues a frame and returns the sequence number
// the peer will acknowledge. c is a preference: incompressible frames
// are sent raw.
func (s *State) SendVideo(ch uint8, f segment.Frame, c Codec) (uint64, error) {
	if len(f.Pixels) != segment.FrameSize(f.Width, f.Height) {
		return 0, fmt.Errorf("a12: frame is %d bytes, %dx%d needs %d",
			len(f.Pixels), f.Width, f.Height, segment.FrameSize(f.Width, f.Height))
	}
	used, data := compress(c, f.Pixels)
	seq := s.videoSeq + 1
	p := append(encodeVideoHeader(seq, f.Width, f.Height, used), data...)
	if err := s.send(MsgVideo, ch, p); err != nil {
		return 0, err
	}
	s.videoSeq = seq
	return seq, nil
}

// SendAudio queues PCM samples.
func (s *State) SendAudio(ch uint8, samples []byte) error {
	return s.send(MsgAudio, ch, samples)
}

// AckVideo tells the peer its frame seq has been consumed.
func (s *State) AckVideo(ch uint8, seq uint64) error {
	var p [AckSize]byte
	binary.BigEndian.PutUint64(p[:], seq)
	return s.send(MsgAck, ch, p[:])
}

// Shutdown queues a shutdown message and closes the state. Calling it
// again, or before the connection is active, only moves to Closed.
func (s *State) Shutdown() {
	if s.phase == Active && !s.sentClose {
		s.out = s.tx.seal(s.out, MsgShutdown, ChannelPrimary, nil)
		s.sentClose = true
	}
	if s.phase != Failed {
		s.phase = Closed
	}
}

func appendPlain(dst []byte, typ MessageType, ch uint8, payload []byte) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	hdr[4] = byte(typ)
	hdr[5] = ch
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}
