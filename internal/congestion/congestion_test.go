package congestion

import (
	"testing"
	"time"
)

// submitNext admits and submits the next frame if the controller allows.
func submitNext(c Controller, seq uint64) bool {
	if !c.Admit() {
		return false
	}
	c.Submitted(seq)
	return true
}

func TestThresholdWithholdsBeyondTolerance(t *testing.T) {
	c := NewThreshold(3)

	var accepted []uint64
	next := uint64(1)
	for ; next <= 5; next++ {
		if !submitNext(c, next) {
			break
		}
		accepted = append(accepted, next)
	}
	if len(accepted) != 3 {
		t.Fatalf("expected frames 1..3 admitted, got %v", accepted)
	}
	if next != 4 {
		t.Fatalf("frame 4 should be the first withheld, stopped at %d", next)
	}
	if c.Admit() {
		t.Fatal("frame 5 must also be withheld while nothing is acknowledged")
	}

	c.Ack(1)
	if !submitNext(c, 4) {
		t.Fatal("frame 4 should be admitted after ack of frame 1")
	}
	if c.Admit() {
		t.Fatal("frame 5 should wait for another ack")
	}

	wm := c.Watermark()
	if wm.Acked != 1 || wm.Submitted != 4 {
		t.Fatalf("watermark = %+v", wm)
	}
}

func TestThresholdDistanceNeverExceedsTolerance(t *testing.T) {
	const tolerance = 4
	c := NewThreshold(tolerance)

	// A peer that acknowledges in irregular bursts, sometimes repeating or
	// going backwards.
	acks := []uint64{0, 0, 2, 1, 2, 5, 5, 3, 9, 12, 12, 20, 7, 30}
	next := uint64(1)
	for _, ack := range acks {
		for submitNext(c, next) {
			next++
			if d := c.Watermark().Distance(); d > tolerance {
				t.Fatalf("distance %d exceeds tolerance after seq %d", d, next-1)
			}
		}
		c.Ack(ack)
	}

	// Once the peer catches up fully nothing stays stalled.
	c.Ack(next - 1)
	if !c.Admit() {
		t.Fatal("controller stalled after peer acknowledged everything")
	}
}

func TestThresholdAckIsMonotonicAndClamped(t *testing.T) {
	c := NewThreshold(2)
	c.Submitted(1)
	c.Submitted(2)

	c.Ack(10) // peer acknowledges a frame we never sent
	if wm := c.Watermark(); wm.Acked != 2 {
		t.Fatalf("ack must clamp to submitted, got %+v", wm)
	}
	c.Ack(1)
	if wm := c.Watermark(); wm.Acked != 2 {
		t.Fatalf("ack moved backwards: %+v", wm)
	}
}

func TestThresholdZeroToleranceAdmitsAll(t *testing.T) {
	c := NewThreshold(0)
	for seq := uint64(1); seq <= 1000; seq++ {
		if !submitNext(c, seq) {
			t.Fatalf("zero tolerance withheld frame %d", seq)
		}
	}
}

func TestThresholdStats(t *testing.T) {
	c := NewThreshold(2)
	base := time.Unix(1000, 0)
	clock := base
	c.now = func() time.Time { return clock }

	c.Submitted(1)
	clock = clock.Add(10 * time.Millisecond)
	c.Submitted(2)
	clock = clock.Add(15 * time.Millisecond)

	if c.Admit() {
		t.Fatal("expected withhold at tolerance")
	}
	c.Ack(2)

	st := c.Stats()
	if st.InFlight != 0 {
		t.Fatalf("in flight = %d, want 0", st.InFlight)
	}
	if st.LastRTT != 15*time.Millisecond {
		t.Fatalf("rtt = %v, want 15ms", st.LastRTT)
	}
	if st.Withheld != 1 {
		t.Fatalf("withheld = %d, want 1", st.Withheld)
	}
}
