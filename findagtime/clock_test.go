package findagtime

import (
	"testing"
	"time"
)

// TestNowMonotone verifies that repeated calls never decrease (spec §8
// Time monotonicity invariant).
func TestNowMonotone(t *testing.T) {
	c := New()
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		next := c.Now()
		if next <= prev {
			t.Fatalf("Now() went backward: prev=%d next=%d", prev, next)
		}
		prev = next
	}
}

// TestNowCollapsesIdenticalInstants checks that repeated emissions for
// the same nominal wall instant are still unique (spec §3 invariant b).
func TestNowCollapsesIdenticalInstants(t *testing.T) {
	frozen := time.Unix(1_700_000_000, 0)
	c := NewWithSource(func() time.Time { return frozen })

	seen := make(map[FinDAGTime]bool)
	for i := 0; i < 100; i++ {
		v := c.Now()
		if seen[v] {
			t.Fatalf("duplicate FinDAGTime emitted: %d", v)
		}
		seen[v] = true
	}
}

// TestClockRegressionClamped is scenario S6: a system-time step backward
// must never be reflected in Now()'s output.
func TestClockRegressionClamped(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	cur := base
	c := NewWithSource(func() time.Time { return cur })

	for i := 0; i < 10; i++ {
		cur = cur.Add(time.Millisecond)
		_ = c.Now()
	}
	before := c.Now()

	// Step the system clock backwards by 10ms.
	cur = cur.Add(-10 * time.Millisecond)
	after := c.Now()

	if after <= before {
		t.Fatalf("FinDAGTime did not stay monotone across a clock regression: before=%d after=%d", before, after)
	}
}

// TestAdvancePastForcesFindagTimeAheadOfParents covers the boundary case
// in spec §8: a round/block built at exactly the parent's findag_time
// must advance by at least one unit.
func TestAdvancePastForcesFindagTimeAheadOfParents(t *testing.T) {
	frozen := time.UnixMicro(5_000_000)
	c := NewWithSource(func() time.Time { return frozen })

	parentTime := c.Now()
	next := c.AdvancePast(parentTime)
	if next <= parentTime {
		t.Fatalf("AdvancePast did not advance: parent=%d next=%d", parentTime, next)
	}
}

func TestAdjustPeerOffsetRejectsOutOfBoundSamples(t *testing.T) {
	c := New()
	c.AdjustPeerOffsetBound([]OffsetSample{
		{PeerID: "a", Offset: 2 * time.Millisecond},
		{PeerID: "b", Offset: 3 * time.Millisecond},
		{PeerID: "evil", Offset: 500 * time.Millisecond}, // rejected: beyond bound
	}, 5*time.Millisecond)

	c.mu.Lock()
	offset := c.offsetMicros
	c.mu.Unlock()

	if offset < 2000 || offset > 3000 {
		t.Fatalf("trimmed mean offset out of expected range: %dus", offset)
	}
}

func TestAdjustPeerOffsetNeverRollsNowBackward(t *testing.T) {
	c := New()
	prev := c.Now()
	c.AdjustPeerOffsetBound([]OffsetSample{
		{PeerID: "a", Offset: -4 * time.Millisecond},
		{PeerID: "b", Offset: -4 * time.Millisecond},
	}, 5*time.Millisecond)
	next := c.Now()
	if next <= prev {
		t.Fatalf("Now() went backward after a negative offset adjustment: prev=%d next=%d", prev, next)
	}
}
