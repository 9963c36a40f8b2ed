package a12

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chronologos/a12relay/internal/codec"
	"github.com/chronologos/a12relay/internal/segment"
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrUnknownMessage  = errors.New("unknown message type")
	ErrShortPayload    = errors.New("payload too short for message type")
)

// Message is a decoded inbound message returned by State.Feed.
type Message interface {
	Type() MessageType
}

// Event carries a segment event for Channel.
type Event struct {
	Channel uint8
	Event   segment.Event
}

// Video is a decoded video frame. Frame.Seq is the sender's protocol
// sequence number, which is what AckVideo must echo.
type Video struct {
	Channel uint8
	Codec   Codec
	Frame   segment.Frame
}

// Audio carries PCM samples.
type Audio struct {
	Channel uint8
	Samples []byte
}

// Ack releases every video frame up to and including Seq.
type Ack struct {
	Channel uint8
	Seq     uint64
}

// Shutdown is the peer ending the connection.
type Shutdown struct{}

func (*Event) Type() MessageType    { return MsgEvent }
func (*Video) Type() MessageType    { return MsgVideo }
func (*Audio) Type() MessageType    { return MsgAudio }
func (*Ack) Type() MessageType      { return MsgAck }
func (*Shutdown) Type() MessageType { return MsgShutdown }

type hello struct {
	version byte
	role    Role
	nonce   [NonceSize]byte
}

func (h *hello) marshal() []byte {
	p := make([]byte, HelloSize)
	p[0] = h.version
	p[1] = byte(h.role)
	copy(p[2:], h.nonce[:])
	return p
}

func decodeHello(payload []byte) (*hello, error) {
	if len(payload) < HelloSize {
		return nil, ErrShortPayload
	}
	h := &hello{version: payload[0], role: Role(payload[1])}
	copy(h.nonce[:], payload[2:HelloSize])
	return h, nil
}

func encodeVideoHeader(seq uint64, w, h uint16, c Codec) []byte {
	p := make([]byte, VideoHeaderSize)
	binary.BigEndian.PutUint64(p[0:8], seq)
	binary.BigEndian.PutUint16(p[8:10], w)
	binary.BigEndian.PutUint16(p[10:12], h)
	p[12] = byte(c)
	return p
}

// decodeMessage decodes a sealed message's plaintext.
func decodeMessage(typ MessageType, ch uint8, payload []byte) (Message, error) {
	switch typ {
	case MsgEvent:
		m := &Event{Channel: ch}
		if err := codec.Unmarshal(payload, &m.Event); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		return m, nil

	case MsgVideo:
		if len(payload) < VideoHeaderSize {
			return nil, ErrShortPayload
		}
		m := &Video{Channel: ch, Codec: Codec(payload[12])}
		m.Frame.Seq = binary.BigEndian.Uint64(payload[0:8])
		m.Frame.Width = binary.BigEndian.Uint16(payload[8:10])
		m.Frame.Height = binary.BigEndian.Uint16(payload[10:12])
		pixels, err := decompress(m.Codec, payload[VideoHeaderSize:], segment.FrameSize(m.Frame.Width, m.Frame.Height))
		if err != nil {
			return nil, fmt.Errorf("decode video %d: %w", m.Frame.Seq, err)
		}
		m.Frame.Pixels = pixels
		return m, nil

	case MsgAudio:
		return &Audio{Channel: ch, Samples: payload}, nil

	case MsgAck:
		if len(payload) < AckSize {
			return nil, ErrShortPayload
		}
		return &Ack{Channel: ch, Seq: binary.BigEndian.Uint64(payload[0:8])}, nil

	case MsgShutdown:
		return &Shutdown{}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, byte(typ))
	}
}
