package duplex

import "errors"

// DefaultLimit bounds the outbound queue when Config.Limit is zero.
// Large enough for one uncompressed 4K frame plus framing.
const DefaultLimit = 64 * 1024 * 1024 // 64 MB

const minRingSize = 4096

// ErrOverflow is returned by Push when the bytes would exceed the limit.
var ErrOverflow = errors.New("outbound queue limit exceeded")

// Ring is a FIFO byte queue. Bytes go in at the tail and come out at the
// head. The backing array grows by doubling up to limit and is never
// shrunk, so steady-state traffic does not allocate.
//
// Ring is not safe for concurrent use.
type Ring struct {
	buf   []byte
	start int // index of the oldest byte
	used  int
	limit int
}

// NewRing creates an empty ring that will hold at most limit bytes.
func NewRing(limit int) *Ring {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Ring{limit: limit}
}

// Len returns the number of queued bytes.
func (r *Ring) Len() int { return r.used }

// Limit returns the maximum number of bytes the ring accepts.
func (r *Ring) Limit() int { return r.limit }

// Free returns how many more bytes Push would accept.
func (r *Ring) Free() int { return r.limit - r.used }

// Push appends p at the tail. Either all of p is queued or none of it is.
func (r *Ring) Push(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if len(p) > r.limit-r.used {
		return ErrOverflow
	}
	r.grow(r.used + len(p))

	end := (r.start + r.used) % len(r.buf)
	n := copy(r.buf[end:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
	}
	r.used += len(p)
	return nil
}

// Peek returns the queued bytes as at most two slices, head first. The
// slices alias the ring and are only valid until the next Push or Pull.
// Returns nil when the ring is empty.
func (r *Ring) Peek() [][]byte {
	if r.used == 0 {
		return nil
	}
	end := r.start + r.used
	if end <= len(r.buf) {
		return [][]byte{r.buf[r.start:end]}
	}
	return [][]byte{r.buf[r.start:], r.buf[:end-len(r.buf)]}
}

// Pull discards n bytes from the head.
func (r *Ring) Pull(n int) {
	if n >= r.used {
		r.start, r.used = 0, 0
		return
	}
	r.start = (r.start + n) % len(r.buf)
	r.used -= n
}

// grow makes room for need bytes, linearizing the contents.
func (r *Ring) grow(need int) {
	if need <= len(r.buf) {
		return
	}
	size := max(len(r.buf)*2, minRingSize)
	for size < need {
		size *= 2
	}
	size = min(size, r.limit)

	buf := make([]byte, size)
	off := 0
	for _, v := range r.Peek() {
		off += copy(buf[off:], v)
	}
	r.buf = buf
	r.start = 0
}
