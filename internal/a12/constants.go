// Package a12 implements the protocol state for one a12 connection: the
// PSK handshake, sealed framing and message codecs. It does no I/O; the
// caller feeds received bytes in and drains produced bytes out.
package a12

// Wire format version.
const Version = 1

// Header: [4B payload_length big-endian][1B message_type][1B channel]
const HeaderSize = 6

// Maximum plaintext payload size (64 MB), large enough for one raw 4K frame.
const MaxPayloadSize = 64 * 1024 * 1024

// NonceSize is the size of the handshake nonce each side contributes.
const NonceSize = 32

// MessageType identifies the type of a framed message.
type MessageType byte

const (
	// Handshake, sent in the clear.
	MsgHello MessageType = 0x01
	MsgAuth  MessageType = 0x02

	// Sealed, only after both sides are authenticated.
	MsgEvent    MessageType = 0x10
	MsgVideo    MessageType = 0x11
	MsgAudio    MessageType = 0x12
	MsgAck      MessageType = 0x13
	MsgShutdown MessageType = 0x14
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "hello"
	case MsgAuth:
		return "auth"
	case MsgEvent:
		return "event"
	case MsgVideo:
		return "video"
	case MsgAudio:
		return "audio"
	case MsgAck:
		return "ack"
	case MsgShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Channels multiplex sub-segments over one connection.
const (
	ChannelPrimary   uint8 = 0
	ChannelClipboard uint8 = 1
)

// Role is the side of the handshake. The two peers must differ.
type Role byte

const (
	// RoleClient dials out and fronts a locally hosted segment.
	RoleClient Role = 1
	// RoleServer accepts and maps peers onto local connection points.
	RoleServer Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "invalid"
	}
}

// Fixed message sizes (excluding header).
const (
	HelloSize       = 2 + NonceSize // version, role, nonce
	AuthSize        = 32            // tag
	AckSize         = 8             // u64 frame sequence
	VideoHeaderSize = 13            // u64 seq, u16 w, u16 h, u8 codec (data follows)
)
