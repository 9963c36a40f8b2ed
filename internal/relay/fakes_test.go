package relay

import (
	"errors"
	"io"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/chronologos/a12relay/internal/a12"
	"github.com/chronologos/a12relay/internal/auth"
	"github.com/chronologos/a12relay/internal/duplex"
	"github.com/chronologos/a12relay/internal/segment"
)

// fakeProtocol is a scripted Protocol.
type fakeProtocol struct {
	phase     a12.Phase
	failAfter int // while authenticating, fail once this many bytes were fed
	fed       int
	out       []byte
	inbound   []a12.Message // returned by the next Feed

	feedCalls   int
	outputCalls int
	events      []segment.Event
	shutdown    bool
}

func (f *fakeProtocol) Phase() a12.Phase { return f.phase }

func (f *fakeProtocol) Feed(p []byte) ([]a12.Message, error) {
	f.feedCalls++
	f.fed += len(p)
	if f.phase == a12.Authenticating && f.failAfter > 0 && f.fed >= f.failAfter {
		f.phase = a12.Failed
		return nil, errors.New("bad tag")
	}
	msgs := f.inbound
	f.inbound = nil
	return msgs, nil
}

func (f *fakeProtocol) Output() []byte {
	f.outputCalls++
	out := f.out
	f.out = nil
	return out
}

func (f *fakeProtocol) SendEvent(ch uint8, ev segment.Event) error {
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeProtocol) SendVideo(uint8, segment.Frame, a12.Codec) (uint64, error) { return 1, nil }
func (f *fakeProtocol) SendAudio(uint8, []byte) error                              { return nil }
func (f *fakeProtocol) AckVideo(uint8, uint64) error                                { return nil }
func (f *fakeProtocol) Shutdown()                                                   { f.shutdown = true; f.phase = a12.Closed }

// fakeSegment records every call. It has no descriptor.
type fakeSegment struct {
	queue     []segment.Event
	sent      []segment.Event
	published []segment.Frame
	pixels    []byte
	busy      bool
	processErr error

	calls        int
	processCalls int
	released     bool
}

func (s *fakeSegment) Fd() uintptr { s.calls++; return ^uintptr(0) }

func (s *fakeSegment) Process() (bool, error) {
	s.calls++
	s.processCalls++
	return len(s.queue) > 0, s.processErr
}

func (s *fakeSegment) Peek() (segment.Event, bool) {
	s.calls++
	if len(s.queue) == 0 {
		return segment.Event{}, false
	}
	return s.queue[0], true
}

func (s *fakeSegment) Pop() {
	s.calls++
	if len(s.queue) > 0 {
		s.queue = s.queue[1:]
	}
}

func (s *fakeSegment) Send(ev segment.Event) error {
	s.calls++
	s.sent = append(s.sent, ev)
	return nil
}

func (s *fakeSegment) FrameBuffer(w, h uint16) ([]byte, error) {
	s.calls++
	n := segment.FrameSize(w, h)
	if len(s.pixels) < n {
		s.pixels = make([]byte, n)
	}
	return s.pixels[:n], nil
}

func (s *fakeSegment) PublishFrame(f segment.Frame) error {
	s.calls++
	if s.busy {
		return segment.ErrBusy
	}
	s.published = append(s.published, f)
	s.busy = true
	return nil
}

func (s *fakeSegment) Busy() bool   { s.calls++; return s.busy }
func (s *fakeSegment) Pending() int { s.calls++; return 0 }

func (s *fakeSegment) Release() error {
	s.calls++
	s.released = true
	return nil
}

// scriptConn returns queued chunks, then EOF, and records writes.
type scriptConn struct {
	chunks  [][]byte
	written []byte
	reads   int
	writes  int
}

func (c *scriptConn) Read(p []byte) (int, error) {
	c.reads++
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks = c.chunks[1:]
	return n, nil
}

func (c *scriptConn) Write(p []byte) (int, error) {
	c.writes++
	c.written = append(c.written, p...)
	return len(p), nil
}

// zeroReadConn reports a zero-byte read: the peer closed.
type zeroReadConn struct{ scriptConn }

func (c *zeroReadConn) Read(p []byte) (int, error) { c.reads++; return 0, nil }

func socketPair(t *testing.T) (duplex.FD, duplex.FD) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	a, b := duplex.FD(fds[0]), duplex.FD(fds[1])
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

var testKey = auth.Key{0x12, 0x34}

// activeStates returns an authenticated (client, server) pair.
func activeStates(t *testing.T) (*a12.State, *a12.State) {
	t.Helper()
	c, err := a12.New(a12.Config{Role: a12.RoleClient, Key: testKey})
	if err != nil {
		t.Fatal(err)
	}
	s, err := a12.New(a12.Config{Role: a12.RoleServer, Key: testKey})
	if err != nil {
		t.Fatal(err)
	}
	for range 4 {
		if _, err := s.Feed(c.Output()); err != nil {
			t.Fatal(err)
		}
		if _, err := c.Feed(s.Output()); err != nil {
			t.Fatal(err)
		}
	}
	if c.Phase() != a12.Active || s.Phase() != a12.Active {
		t.Fatalf("handshake: client %v, server %v", c.Phase(), s.Phase())
	}
	return c, s
}

// peer is the remote end of a relay, driven by the test.
type peer struct {
	t  *testing.T
	st *a12.State
	fd duplex.FD
}

func (p *peer) flush() {
	p.t.Helper()
	out := p.st.Output()
	for len(out) > 0 {
		n, err := p.fd.Write(out)
		out = out[n:]
		if err != nil {
			if !duplex.IsTransient(err) {
				p.t.Fatalf("peer write: %v", err)
			}
			duplex.WaitWritable(p.fd, time.Second)
		}
	}
}

// recv decodes whatever the relay has written so far.
func (p *peer) recv() []a12.Message {
	p.t.Helper()
	buf := make([]byte, 64*1024)
	var msgs []a12.Message
	for {
		n, err := p.fd.Read(buf)
		if n > 0 {
			m, ferr := p.st.Feed(buf[:n])
			if ferr != nil {
				p.t.Fatalf("peer feed: %v", ferr)
			}
			msgs = append(msgs, m...)
		}
		if err != nil {
			if duplex.IsTransient(err) {
				return msgs
			}
			p.t.Fatalf("peer read: %v", err)
		}
	}
}

// await receives until match accepts a message.
func (p *peer) await(match func(a12.Message) bool) a12.Message {
	p.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range p.recv() {
			if match(m) {
				return m
			}
		}
		duplex.WaitReadable(p.fd, 50*time.Millisecond)
	}
	p.t.Fatal("peer timed out")
	return nil
}
