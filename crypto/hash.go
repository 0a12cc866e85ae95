package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash returns the SHA-256 hash of data as a lowercase hex string.
func Hash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HashBytes returns the raw SHA-256 bytes of data.
func HashBytes(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// Hash32 returns the fixed-width SHA-256 digest of data. Every
// content-addressed identifier in the ledger (tx_id, block_id, round
// hashes, HashTimer) is a Hash32 so that they compose without
// length-prefixing.
func Hash32(data []byte) [32]byte {
	return sha256.Sum256(data)
}
