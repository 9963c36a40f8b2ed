//go:build linux

package segment

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/chronologos/a12relay/internal/duplex"
)

// pair returns a connected (consumer, producer) segment pair.
func pair(t *testing.T) (*Segment, *Segment) {
	t.Helper()
	dir := t.TempDir()
	ln, err := Listen(dir, "test", ListenConfig{MaxWidth: 64, MaxHeight: 64})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	type result struct {
		seg *Segment
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		s, err := ln.Accept()
		accepted <- result{s, err}
	}()

	path, err := Resolve(dir, "test")
	if err != nil {
		t.Fatal(err)
	}
	producer, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := <-accepted
	if r.err != nil {
		t.Fatal(r.err)
	}
	t.Cleanup(func() {
		producer.Release()
		r.seg.Release()
	})
	return r.seg, producer
}

// next processes s until an event is available and pops it.
func next(t *testing.T, s *Segment) Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ready, err := s.Process()
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if ready {
			ev, _ := s.Peek()
			s.Pop()
			return ev
		}
		duplex.WaitReadable(s.fd, 50*time.Millisecond)
	}
	t.Fatal("timed out waiting for event")
	return Event{}
}

func TestOpenReceivesRegionSize(t *testing.T) {
	consumer, producer := pair(t)
	if w, h := producer.MaxSize(); w != 64 || h != 64 {
		t.Fatalf("producer max size %dx%d", w, h)
	}
	if !producer.Producer() || consumer.Producer() {
		t.Fatal("producer flag on wrong side")
	}
}

func TestEventsBothWays(t *testing.T) {
	consumer, producer := pair(t)

	if err := producer.Send(Event{Kind: KindMessage, Data: []byte("hello")}); err != nil {
		t.Fatal(err)
	}
	if ev := next(t, consumer); ev.Kind != KindMessage || string(ev.Data) != "hello" {
		t.Fatalf("consumer got %+v", ev)
	}

	if err := consumer.Send(Event{Kind: KindInput, Code: 65, Pressed: true}); err != nil {
		t.Fatal(err)
	}
	if err := consumer.Send(Event{Kind: KindResize, Width: 32, Height: 16}); err != nil {
		t.Fatal(err)
	}
	if ev := next(t, producer); ev.Kind != KindInput || ev.Code != 65 || !ev.Pressed {
		t.Fatalf("producer got %+v", ev)
	}
	if ev := next(t, producer); ev.Kind != KindResize || ev.Width != 32 {
		t.Fatalf("events out of order: %+v", ev)
	}
}

func TestFramePublishAndAck(t *testing.T) {
	consumer, producer := pair(t)

	pixels := bytes.Repeat([]byte{1, 2, 3, 4}, 8*8)
	if err := producer.PublishFrame(Frame{Seq: 1, Width: 8, Height: 8, Pixels: pixels}); err != nil {
		t.Fatal(err)
	}
	if !producer.Busy() {
		t.Fatal("producer should be busy until ack")
	}
	if err := producer.PublishFrame(Frame{Seq: 2, Width: 8, Height: 8, Pixels: pixels}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second publish: %v", err)
	}

	ev := next(t, consumer)
	if ev.Kind != KindFrame || ev.Seq != 1 {
		t.Fatalf("consumer got %+v", ev)
	}
	buf, err := consumer.FrameBuffer(ev.Width, ev.Height)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, pixels) {
		t.Fatal("shared region does not hold the published pixels")
	}

	if err := consumer.Send(Event{Kind: KindFrameAck, Seq: 1}); err != nil {
		t.Fatal(err)
	}
	if ev := next(t, producer); ev.Kind != KindFrameAck {
		t.Fatalf("producer got %+v", ev)
	}
	if producer.Busy() {
		t.Fatal("ack should free the buffer")
	}
}

func TestConsumerCannotPublish(t *testing.T) {
	consumer, _ := pair(t)
	err := consumer.PublishFrame(Frame{Seq: 1, Width: 1, Height: 1, Pixels: make([]byte, 4)})
	if !errors.Is(err, ErrNotProducer) {
		t.Fatalf("consumer publish: %v", err)
	}
}

func TestFrameTooLarge(t *testing.T) {
	_, producer := pair(t)
	if _, err := producer.FrameBuffer(65, 1); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("oversized frame: %v", err)
	}
}

func TestPeerReleaseIsClosed(t *testing.T) {
	consumer, producer := pair(t)
	producer.Release()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, err := consumer.Process()
		if err != nil {
			if !errors.Is(err, duplex.ErrClosed) {
				t.Fatalf("err = %v, want closed", err)
			}
			return
		}
		duplex.WaitReadable(consumer.fd, 50*time.Millisecond)
	}
	t.Fatal("consumer never saw the release")
}

func TestReleaseIdempotent(t *testing.T) {
	_, producer := pair(t)
	if err := producer.Release(); err != nil {
		t.Fatal(err)
	}
	if err := producer.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if err := producer.Send(Event{Kind: KindMessage}); !errors.Is(err, ErrReleased) {
		t.Fatalf("send after release: %v", err)
	}
}

func TestListenRejectsBadNameAndBusyPoint(t *testing.T) {
	dir := t.TempDir()
	if _, err := Listen(dir, "bad name", ListenConfig{}); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("bad name: %v", err)
	}
	ln, err := Listen(dir, "busy", ListenConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	if _, err := Listen(dir, "busy", ListenConfig{}); err == nil {
		t.Fatal("second listener on a live point should fail")
	}
}

func TestOpenWithoutListener(t *testing.T) {
	if _, err := Open(t.TempDir()+"/gone", nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("open missing: %v", err)
	}
}

func TestDecodeRejectsOversizedEvent(t *testing.T) {
	s := &Segment{}
	err := s.decode([]byte{0x7f, 0xff, 0xff, 0xff})
	if !errors.Is(err, ErrEventSize) {
		t.Fatalf("oversized: %v", err)
	}
}
