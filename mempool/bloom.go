package mempool

import (
	"encoding/binary"
	"math"
	"sync"
)

// replayFilter is a fixed-size counting-free bloom filter guarding the
// replay horizon: a tx_id must be rejected as a duplicate as long as it
// remains within the admission horizon, even after it has been drained
// from its shard and is no longer present in the byID index (spec §4.2,
// "Duplicate" rejection reason). No bloom-filter library appears
// anywhere in the retrieval pack's dependency graph (only an indirect,
// unused bitset transitive dependency), so this is hand-rolled; its bit
// positions are derived from the bytes of the tx_id digest itself
// rather than from a separate hash function.
type replayFilter struct {
	mu    sync.Mutex
	bits  []uint64
	k     int
	nbits uint64
}

// newReplayFilter builds a filter sized for roughly n expected elements
// at the given false-positive rate using the standard bloom sizing
// formulas, rounded to a whole number of 64-bit words.
func newReplayFilter(n int, falsePositiveRate float64) *replayFilter {
	if n < 1 {
		n = 1
	}
	m := optimalBits(n, falsePositiveRate)
	k := optimalHashes(m, n)
	words := (m + 63) / 64
	return &replayFilter{
		bits:  make([]uint64, words),
		k:     k,
		nbits: uint64(words * 64),
	}
}

// optimalBits applies the standard bloom-filter sizing formula
// m = -(n*ln(p)) / (ln2)^2, floored at one 64-bit word.
func optimalBits(n int, p float64) int {
	m := -(float64(n) * math.Log(p)) / (math.Ln2 * math.Ln2)
	if m < 64 {
		m = 64
	}
	return int(math.Ceil(m))
}

func optimalHashes(m, n int) int {
	k := int(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return k
}

func (f *replayFilter) add(id [32]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h1, h2 := splitHash(id)
	for i := 0; i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % f.nbits
		f.bits[bit/64] |= 1 << (bit % 64)
	}
}

func (f *replayFilter) mightContain(id [32]byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	h1, h2 := splitHash(id)
	for i := 0; i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % f.nbits
		if f.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// splitHash derives two independent 64-bit hashes from a 32-byte tx_id
// using double hashing (Kirsch-Mitzenmacher), since the id is already a
// cryptographic digest and its halves are independent enough for this
// purpose.
func splitHash(id [32]byte) (uint64, uint64) {
	h1 := binary.LittleEndian.Uint64(id[0:8]) ^ binary.LittleEndian.Uint64(id[16:24])
	h2 := binary.LittleEndian.Uint64(id[8:16]) ^ binary.LittleEndian.Uint64(id[24:32])
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}
