// Package coalesce batches small audio buffers into fewer, larger messages.
//
// A segment delivers audio in small buffers, each of which would otherwise
// become its own sealed a12 frame. The Coalescer accumulates samples and
// the relay flushes when:
//
//   - the deadline expires (measured from the first byte in the batch, NOT
//     reset by later adds: deadline semantics, not debounce)
//   - the threshold is reached
//   - an explicit Flush at shutdown
//
// It owns no timer. The relay loop reads Deadline to bound its poll
// timeout and calls Due after each wakeup.
package coalesce

import "time"

const (
	// DefaultDelay is the coalescing deadline from first byte in batch.
	DefaultDelay = 10 * time.Millisecond

	// DefaultThreshold triggers an immediate flush when reached.
	DefaultThreshold = 16 * 1024
)

// Coalescer accumulates bytes and flushes on deadline or threshold.
// All methods are used from a single goroutine (the relay loop).
type Coalescer struct {
	buf       []byte
	delay     time.Duration
	threshold int
	deadline  time.Time // zero when nothing is buffered
}

// New creates a Coalescer. Zero values select the defaults.
func New(delay time.Duration, threshold int) *Coalescer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Coalescer{
		buf:       make([]byte, 0, threshold+4096),
		delay:     delay,
		threshold: threshold,
	}
}

// Add appends data to the buffer. Returns true if the threshold was hit
// and the caller should flush immediately.
//
// The deadline is set on the first byte in a batch. Subsequent adds do
// NOT move it.
func (c *Coalescer) Add(data []byte, now time.Time) bool {
	if len(data) == 0 {
		return false
	}
	if len(c.buf) == 0 {
		c.deadline = now.Add(c.delay)
	}
	c.buf = append(c.buf, data...)
	return len(c.buf) >= c.threshold
}

// Due reports whether buffered data has reached its deadline.
func (c *Coalescer) Due(now time.Time) bool {
	return len(c.buf) > 0 && !now.Before(c.deadline)
}

// Deadline returns when the current batch must be flushed, and false when
// nothing is buffered.
func (c *Coalescer) Deadline() (time.Time, bool) {
	if len(c.buf) == 0 {
		return time.Time{}, false
	}
	return c.deadline, true
}

// Flush returns the accumulated data and resets the buffer.
// Returns nil if the buffer is empty. The returned slice is a copy
// that the caller owns.
func (c *Coalescer) Flush() []byte {
	if len(c.buf) == 0 {
		return nil
	}
	out := make([]byte, len(c.buf))
	copy(out, c.buf)
	c.buf = c.buf[:0]
	c.deadline = time.Time{}
	return out
}

// Pending returns the number of buffered bytes.
func (c *Coalescer) Pending() int {
	return len(c.buf)
}
