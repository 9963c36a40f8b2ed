package segment

// Kind identifies a segment event.
type Kind uint8

const (
	KindInput      Kind = iota + 1 // keyboard, pointer or text input
	KindResize                     // display size change or client size hint
	KindClipboard                  // clipboard contents on the clipboard channel
	KindMessage                    // free-form text message
	KindExit                       // request to terminate the segment
	KindDeviceHint                 // rebind: connect to Target instead
	KindFrame                      // a video frame is ready in the shared region
	KindFrameAck                   // the consumer released frame Seq
	KindAudio                      // PCM samples in Data
	kindWelcome                    // first message on a new connection
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindResize:
		return "resize"
	case KindClipboard:
		return "clipboard"
	case KindMessage:
		return "message"
	case KindExit:
		return "exit"
	case KindDeviceHint:
		return "devicehint"
	case KindFrame:
		return "frame"
	case KindFrameAck:
		return "frame-ack"
	case KindAudio:
		return "audio"
	case kindWelcome:
		return "welcome"
	default:
		return "unknown"
	}
}

// Event is one message on a segment connection. Which fields are set
// depends on Kind.
type Event struct {
	Kind    Kind   `cbor:"1,keyasint"`
	Seq     uint64 `cbor:"2,keyasint,omitempty"`
	Width   uint16 `cbor:"3,keyasint,omitempty"`
	Height  uint16 `cbor:"4,keyasint,omitempty"`
	Code    int32  `cbor:"5,keyasint,omitempty"`
	Pressed bool   `cbor:"6,keyasint,omitempty"`
	X       int32  `cbor:"7,keyasint,omitempty"`
	Y       int32  `cbor:"8,keyasint,omitempty"`
	Target  string `cbor:"9,keyasint,omitempty"`
	Data    []byte `cbor:"10,keyasint,omitempty"`
}

// Frame is an RGBA video frame, 4 bytes per pixel, rows packed.
type Frame struct {
	Seq    uint64
	Width  uint16
	Height uint16
	Pixels []byte
}

// FrameSize returns the byte size of a w×h RGBA frame.
func FrameSize(w, h uint16) int {
	return int(w) * int(h) * 4
}
