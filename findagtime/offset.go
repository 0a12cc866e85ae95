package findagtime

import (
	"sort"
	"time"
)

// DefaultOffsetBound is the default maximum accepted peer offset sample
// (time_offset_bound_ms in spec §6).
const DefaultOffsetBound = 5 * time.Millisecond

// OffsetSample is one ping-pong round-trip measurement from the transport
// layer: how far this node's clock appears to be from a single peer's.
// Positive means the peer's clock reads ahead of ours.
type OffsetSample struct {
	PeerID string
	Offset time.Duration
}

// trimFraction discards this proportion of samples from each tail before
// averaging, so a handful of malicious or lagging peers can't skew the
// estimate.
const trimFraction = 0.2

// AdjustPeerOffset updates the long-running offset estimate from a fresh
// batch of peer samples using a trimmed mean, rejecting anything outside
// bound. It never causes Now() to roll backward: the new estimate only
// changes how much raw system time is nudged before being compared
// against last_emitted+1 (spec §4.1).
func (c *Clock) AdjustPeerOffset(samples []OffsetSample) {
	c.AdjustPeerOffsetBound(samples, DefaultOffsetBound)
}

// AdjustPeerOffsetBound is AdjustPeerOffset with an explicit bound,
// exposed so nodes can honor a configured time_offset_bound_ms.
func (c *Clock) AdjustPeerOffsetBound(samples []OffsetSample, bound time.Duration) {
	kept := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		if s.Offset > bound || s.Offset < -bound {
			continue
		}
		kept = append(kept, s.Offset)
	}
	if len(kept) == 0 {
		return
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i] < kept[j] })

	trim := int(float64(len(kept)) * trimFraction)
	lo, hi := trim, len(kept)-trim
	if lo >= hi {
		lo, hi = 0, len(kept)
	}

	var sum time.Duration
	for _, d := range kept[lo:hi] {
		sum += d
	}
	mean := sum / time.Duration(hi-lo)

	c.mu.Lock()
	c.offsetMicros = mean.Microseconds()
	c.mu.Unlock()
}
