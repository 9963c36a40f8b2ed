// Package congestion bounds the number of video frames in flight between
// submission to the peer and the peer's acknowledgment.
//
// The default policy is a fixed distance between the last submitted and the
// last acknowledged frame. Relays depend only on Controller, so another
// policy can be injected.
package congestion

import (
	"time"

	"github.com/eapache/queue"
)

// Controller decides whether a new video frame may be submitted.
type Controller interface {
	// Admit reports whether one more frame may be submitted now. A false
	// result means the caller withholds the frame and asks again later;
	// the frame is never dropped.
	Admit() bool
	// Submitted records that frame seq was handed to the protocol.
	Submitted(seq uint64)
	// Ack records a peer acknowledgment for frame seq.
	Ack(seq uint64)
	// Watermark returns the current acknowledged/submitted pair.
	Watermark() Watermark
}

// Watermark is the pair of last acknowledged and last submitted frame
// sequence numbers.
type Watermark struct {
	Acked     uint64
	Submitted uint64
}

// Distance returns the number of submitted frames not yet acknowledged.
func (w Watermark) Distance() uint64 {
	if w.Submitted <= w.Acked {
		return 0
	}
	return w.Submitted - w.Acked
}

// Stats reports in-flight timing observed by a Threshold controller.
type Stats struct {
	InFlight int
	LastRTT  time.Duration
	Withheld uint64 // number of Admit calls that returned false
}

// inflight is one submitted, unacknowledged frame.
type inflight struct {
	seq uint64
	at  time.Time
}

// Threshold withholds frames once Distance reaches the tolerance. A
// tolerance of zero admits every frame.
type Threshold struct {
	tolerance uint64
	wm        Watermark
	pending   *queue.Queue // of inflight, oldest first
	now       func() time.Time
	lastRTT   time.Duration
	withheld  uint64
}

// NewThreshold creates a controller that allows at most tolerance frames
// in flight.
func NewThreshold(tolerance int) *Threshold {
	return &Threshold{
		tolerance: uint64(max(tolerance, 0)),
		pending:   queue.New(),
		now:       time.Now,
	}
}

// Admit implements Controller.
func (t *Threshold) Admit() bool {
	if t.tolerance == 0 || t.wm.Distance() < t.tolerance {
		return true
	}
	t.withheld++
	return false
}

// Submitted implements Controller. Sequence numbers are expected to
// increase; a stale seq does not move the watermark backwards.
func (t *Threshold) Submitted(seq uint64) {
	if seq <= t.wm.Submitted {
		return
	}
	t.wm.Submitted = seq
	t.pending.Add(inflight{seq: seq, at: t.now()})
}

// Ack implements Controller. The acknowledged mark only moves forward and
// never passes the submitted mark.
func (t *Threshold) Ack(seq uint64) {
	seq = min(seq, t.wm.Submitted)
	if seq <= t.wm.Acked {
		return
	}
	t.wm.Acked = seq

	for t.pending.Length() > 0 {
		f := t.pending.Peek().(inflight)
		if f.seq > seq {
			break
		}
		t.pending.Remove()
		if f.seq == seq {
			t.lastRTT = t.now().Sub(f.at)
		}
	}
}

// Watermark implements Controller.
func (t *Threshold) Watermark() Watermark { return t.wm }

// Stats returns in-flight timing.
func (t *Threshold) Stats() Stats {
	return Stats{
		InFlight: t.pending.Length(),
		LastRTT:  t.lastRTT,
		Withheld: t.withheld,
	}
}
