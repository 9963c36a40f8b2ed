package coalesce

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestAddAndFlush(t *testing.T) {
	c := New(0, 0)

	c.Add([]byte("hello"), epoch)
	if c.Pending() != 5 {
		t.Fatalf("expected 5 pending, got %d", c.Pending())
	}

	data := c.Flush()
	if string(data) != "hello" {
		t.Fatalf("expected 'hello', got %q", data)
	}

	// After flush, empty
	if c.Pending() != 0 {
		t.Fatalf("expected 0 pending after flush, got %d", c.Pending())
	}
	if c.Flush() != nil {
		t.Fatal("expected nil from second flush")
	}
	if _, ok := c.Deadline(); ok {
		t.Fatal("no deadline after flush")
	}
}

func TestThreshold(t *testing.T) {
	c := New(0, 4096)

	chunk := make([]byte, 1024)
	for range 3 {
		if c.Add(chunk, epoch) {
			t.Fatal("should not hit threshold yet")
		}
	}
	if !c.Add(chunk, epoch) {
		t.Fatal("should hit threshold")
	}
}

func TestDeadlineFromFirstAdd(t *testing.T) {
	c := New(2*time.Millisecond, 0)

	c.Add([]byte("first"), epoch)
	c.Add([]byte("second"), epoch.Add(time.Millisecond))

	dl, ok := c.Deadline()
	if !ok {
		t.Fatal("deadline should be set after Add")
	}
	if !dl.Equal(epoch.Add(2 * time.Millisecond)) {
		t.Fatalf("deadline = %v, want first add + delay", dl.Sub(epoch))
	}
	if c.Due(epoch.Add(time.Millisecond)) {
		t.Fatal("not due before the deadline")
	}
	if !c.Due(epoch.Add(2 * time.Millisecond)) {
		t.Fatal("due at the deadline")
	}
}

func TestDeadlineResetsAfterFlush(t *testing.T) {
	c := New(5*time.Millisecond, 0)

	c.Add([]byte("a"), epoch)
	c.Flush()
	later := epoch.Add(time.Second)
	c.Add([]byte("b"), later)

	dl, _ := c.Deadline()
	if !dl.Equal(later.Add(5 * time.Millisecond)) {
		t.Fatalf("new batch deadline = %v", dl.Sub(later))
	}
}

func TestEmptyAddIgnored(t *testing.T) {
	c := New(0, 0)
	if c.Add(nil, epoch) {
		t.Fatal("empty add should not trigger flush")
	}
	if c.Due(epoch.Add(time.Hour)) {
		t.Fatal("empty coalescer is never due")
	}
}

func TestFlushReturnsCopy(t *testing.T) {
	c := New(0, 0)
	c.Add([]byte("abc"), epoch)
	out := c.Flush()
	c.Add([]byte("xyz"), epoch)
	if string(out) != "abc" {
		t.Fatalf("flushed data aliased internal buffer: %q", out)
	}
}
