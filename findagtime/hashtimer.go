package findagtime

import (
	"encoding/binary"

	"github.com/findag-project/findag/crypto"
)

// HashTimer is the 256-bit content hash over (FinDAGTime, proposer,
// nonce, payload digest) that pairs with FinDAGTime as the primary
// sort/tie-break key for every event in the ledger (spec §3).
type HashTimer [32]byte

// Compute returns the HashTimer for one emission. t must be a value this
// node's Clock actually returned for the event being stamped — passing it
// explicitly, rather than calling Now() again inside Compute, keeps a
// block's findag_time and hashtimer referring to the same instant.
func Compute(t FinDAGTime, proposerID [32]byte, nonce uint64, payloadDigest [32]byte) HashTimer {
	var buf [8 + 32 + 8 + 32]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(t))
	copy(buf[8:40], proposerID[:])
	binary.BigEndian.PutUint64(buf[40:48], nonce)
	copy(buf[48:80], payloadDigest[:])
	return HashTimer(crypto.Hash32(buf[:]))
}

// Less implements the canonical (findag_time, hashtimer) ordering used to
// sort finalizable blocks within a round (spec §3 Round invariant d).
func Less(aTime FinDAGTime, aHT HashTimer, bTime FinDAGTime, bHT HashTimer) bool {
	if aTime != bTime {
		return aTime < bTime
	}
	for i := range aHT {
		if aHT[i] != bHT[i] {
			return aHT[i] < bHT[i]
		}
	}
	return false
}
