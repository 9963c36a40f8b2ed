package a12

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/chronologos/a12relay/internal/auth"
	"github.com/chronologos/a12relay/internal/segment"
)

func newState(t *testing.T, role Role, key auth.Key) *State {
	t.Helper()
	s, err := New(Config{Role: role, Key: key})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// shuttle moves output between a and b until neither produces more,
// returning what each side decoded.
func shuttle(t *testing.T, a, b *State) (atB, btA []Message) {
	t.Helper()
	for range 10 {
		outA, outB := a.Output(), b.Output()
		if len(outA) == 0 && len(outB) == 0 {
			return atB, btA
		}
		if len(outA) > 0 {
			msgs, err := b.Feed(outA)
			if err != nil {
				t.Fatalf("b.Feed: %v", err)
			}
			atB = append(atB, msgs...)
		}
		if len(outB) > 0 {
			msgs, err := a.Feed(outB)
			if err != nil {
				t.Fatalf("a.Feed: %v", err)
			}
			btA = append(btA, msgs...)
		}
	}
	t.Fatal("handshake did not settle")
	return nil, nil
}

func activePair(t *testing.T) (*State, *State) {
	t.Helper()
	key := auth.Key{0xA1, 0x2}
	c := newState(t, RoleClient, key)
	s := newState(t, RoleServer, key)
	shuttle(t, c, s)
	if c.Phase() != Active || s.Phase() != Active {
		t.Fatalf("phases after handshake: client %v, server %v", c.Phase(), s.Phase())
	}
	return c, s
}

func TestHandshakeSucceeds(t *testing.T) {
	activePair(t)
}

func TestHelloQueuedImmediately(t *testing.T) {
	s := newState(t, RoleClient, auth.Key{})
	out := s.Output()
	if len(out) != HeaderSize+HelloSize || MessageType(out[4]) != MsgHello {
		t.Fatalf("initial output = %x", out)
	}
	if len(s.Output()) != 0 {
		t.Fatal("Output should clear the queue")
	}
}

func TestHandshakeWrongKeyFails(t *testing.T) {
	c := newState(t, RoleClient, auth.Key{1})
	s := newState(t, RoleServer, auth.Key{2})

	if _, err := s.Feed(c.Output()); err != nil {
		t.Fatal(err)
	}
	// The server's hello and tag reach the client; the tag does not verify.
	_, err := c.Feed(s.Output())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("client: %v", err)
	}
	if c.Phase() != Failed {
		t.Fatalf("client phase = %v", c.Phase())
	}

	// The client queued its own tag before failing; the server rejects it.
	if _, err := s.Feed(c.Output()); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("server: %v", err)
	}
	if _, err := s.Feed([]byte{0}); !errors.Is(err, ErrAuthFailed) {
		t.Fatal("failed state should keep returning its error")
	}
}

func TestHandshakeSameRoleFails(t *testing.T) {
	a := newState(t, RoleClient, auth.Key{})
	b := newState(t, RoleClient, auth.Key{})
	if _, err := b.Feed(a.Output()); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("same role: %v", err)
	}
}

func TestDataFrameDuringHandshakeFails(t *testing.T) {
	s := newState(t, RoleServer, auth.Key{})
	frame := appendPlain(nil, MsgEvent, ChannelPrimary, []byte{0xa0})
	if _, err := s.Feed(frame); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("event before auth: %v", err)
	}
}

func TestSendBeforeActive(t *testing.T) {
	s := newState(t, RoleClient, auth.Key{})
	if err := s.SendEvent(ChannelPrimary, segment.Event{Kind: segment.KindMessage}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("send before active: %v", err)
	}
}

func TestEventRoundTripByteByByte(t *testing.T) {
	c, s := activePair(t)
	ev := segment.Event{Kind: segment.KindClipboard, Data: []byte("copied text")}
	if err := c.SendEvent(ChannelClipboard, ev); err != nil {
		t.Fatal(err)
	}

	var got []Message
	for _, b := range c.Output() {
		msgs, err := s.Feed([]byte{b})
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, msgs...)
	}
	if len(got) != 1 {
		t.Fatalf("got %d messages", len(got))
	}
	m, ok := got[0].(*Event)
	if !ok {
		t.Fatalf("got %T", got[0])
	}
	if m.Channel != ChannelClipboard || m.Event.Kind != segment.KindClipboard || string(m.Event.Data) != "copied text" {
		t.Fatalf("event = %+v", m)
	}
}

func testFrame(seq uint64, w, h uint16, fill func([]byte)) segment.Frame {
	f := segment.Frame{Seq: seq, Width: w, Height: h, Pixels: make([]byte, segment.FrameSize(w, h))}
	fill(f.Pixels)
	return f
}

func TestVideoCodecs(t *testing.T) {
	c, s := activePair(t)
	flat := func(p []byte) {
		for i := range p {
			p[i] = byte(i % 4 * 60)
		}
	}

	for i, codec := range []Codec{CodecRaw, CodecZstd, CodecLZ4} {
		f := testFrame(99, 64, 32, flat)
		seq, err := c.SendVideo(ChannelPrimary, f, codec)
		if err != nil {
			t.Fatal(err)
		}
		if seq != uint64(i+1) {
			t.Fatalf("seq = %d, want %d", seq, i+1)
		}
		msgs, err := s.Feed(c.Output())
		if err != nil {
			t.Fatal(err)
		}
		v := msgs[0].(*Video)
		if v.Codec != codec {
			t.Fatalf("codec = %v, want %v", v.Codec, codec)
		}
		if v.Frame.Seq != seq || v.Frame.Width != 64 || v.Frame.Height != 32 {
			t.Fatalf("frame header = %+v", v.Frame)
		}
		if !bytes.Equal(v.Frame.Pixels, f.Pixels) {
			t.Fatalf("%v: pixels differ", codec)
		}
	}
}

func TestVideoIncompressibleFallsBackToRaw(t *testing.T) {
	c, s := activePair(t)
	f := testFrame(1, 32, 32, func(p []byte) { rand.Read(p) })
	if _, err := c.SendVideo(ChannelPrimary, f, CodecZstd); err != nil {
		t.Fatal(err)
	}
	msgs, err := s.Feed(c.Output())
	if err != nil {
		t.Fatal(err)
	}
	v := msgs[0].(*Video)
	if v.Codec != CodecRaw {
		t.Fatalf("codec = %v, want raw", v.Codec)
	}
	if !bytes.Equal(v.Frame.Pixels, f.Pixels) {
		t.Fatal("pixels differ")
	}
}

func TestVideoSizeMismatch(t *testing.T) {
	c, _ := activePair(t)
	f := segment.Frame{Width: 4, Height: 4, Pixels: make([]byte, 10)}
	if _, err := c.SendVideo(ChannelPrimary, f, CodecRaw); err == nil {
		t.Fatal("short pixel buffer should be rejected")
	}
}

func TestAckAudioShutdown(t *testing.T) {
	c, s := activePair(t)
	if err := s.AckVideo(ChannelPrimary, 7); err != nil {
		t.Fatal(err)
	}
	if err := s.SendAudio(ChannelPrimary, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	s.Shutdown()
	if s.Phase() != Closed {
		t.Fatalf("phase after shutdown = %v", s.Phase())
	}
	if err := s.SendAudio(ChannelPrimary, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after shutdown: %v", err)
	}

	msgs, err := c.Feed(s.Output())
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if a := msgs[0].(*Ack); a.Seq != 7 {
		t.Fatalf("ack = %+v", a)
	}
	if a := msgs[1].(*Audio); !bytes.Equal(a.Samples, []byte{1, 2, 3, 4}) {
		t.Fatalf("audio = %+v", a)
	}
	if _, ok := msgs[2].(*Shutdown); !ok {
		t.Fatalf("third message = %T", msgs[2])
	}
	if c.Phase() != Closed {
		t.Fatalf("peer phase = %v", c.Phase())
	}
}

func TestTamperedFrameRejected(t *testing.T) {
	c, s := activePair(t)
	if err := c.SendEvent(ChannelPrimary, segment.Event{Kind: segment.KindMessage, Data: []byte("hi")}); err != nil {
		t.Fatal(err)
	}
	out := c.Output()
	out[len(out)-1] ^= 0x01
	if _, err := s.Feed(out); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("tampered: %v", err)
	}
	if s.Phase() != Failed {
		t.Fatalf("phase = %v", s.Phase())
	}
}

func TestReplayedFrameRejected(t *testing.T) {
	c, s := activePair(t)
	c.SendEvent(ChannelPrimary, segment.Event{Kind: segment.KindMessage})
	out := c.Output()
	if _, err := s.Feed(out); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Feed(out); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("replay: %v", err)
	}
}

func TestOversizedHeaderRejected(t *testing.T) {
	s := newState(t, RoleServer, auth.Key{})
	hdr := []byte{0xff, 0xff, 0xff, 0xff, byte(MsgHello), 0}
	if _, err := s.Feed(hdr); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("oversized: %v", err)
	}
}

func TestParseCodec(t *testing.T) {
	for name, want := range map[string]Codec{"": CodecRaw, "raw": CodecRaw, "zstd": CodecZstd, "lz4": CodecLZ4} {
		got, err := ParseCodec(name)
		if err != nil || got != want {
			t.Errorf("ParseCodec(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseCodec("h264"); err == nil {
		t.Error("unknown codec should fail")
	}
}

func TestFeedStopsAtHandshakeBoundary(t *testing.T) {
	key := auth.Key{5}
	c := newState(t, RoleClient, key)
	s := newState(t, RoleServer, key)

	if _, err := s.Feed(c.Output()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Feed(s.Output()); err != nil {
		t.Fatal(err)
	}
	if c.Phase() != Active {
		t.Fatalf("client phase = %v", c.Phase())
	}
	// The client's tag and its first sealed event arrive together.
	if err := c.SendEvent(ChannelPrimary, segment.Event{Kind: segment.KindMessage, Data: []byte("early")}); err != nil {
		t.Fatal(err)
	}
	msgs, err := s.Feed(c.Output())
	if err != nil {
		t.Fatal(err)
	}
	if s.Phase() != Active || len(msgs) != 0 {
		t.Fatalf("phase %v, %d messages at the boundary", s.Phase(), len(msgs))
	}
	msgs, err = s.Feed(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || string(msgs[0].(*Event).Event.Data) != "early" {
		t.Fatalf("buffered frame not delivered: %v", msgs)
	}
}
