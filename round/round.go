// Package round implements the strictly sequential RoundChain that
// finalizes batches of DAG blocks under a committee quorum signature
// (spec §3 Round, §4.7, C7).
package round

import (
	"encoding/binary"
	"errors"

	"github.com/findag-project/findag/crypto"
	"github.com/findag-project/findag/findagtime"
)

// FinalizedBlock pairs a finalized block's id with the hashtimer it was
// stamped with, preserved so downstream verifiers can re-check ordering
// without re-fetching the full block (spec §3 Round: "block_hashtimers
// (parallel to blocks)").
type FinalizedBlock struct {
	BlockID   [32]byte
	HashTimer findagtime.HashTimer
}

// Round is a sealed, immutable record finalizing a canonically ordered
// batch of DAG blocks (spec §3 Round).
type Round struct {
	RoundNumber       uint64
	ParentRoundHash   [32]byte
	FinalizedBlocks   []FinalizedBlock
	FindagTime        findagtime.FinDAGTime
	Proposer          [32]byte
	ProposerPublicKey crypto.PublicKey
	ProposerSignature []byte // raw 64-byte ed25519 signature
	QuorumSignature   []byte
}

// headerBytes is the canonical, quorum-signature-excluded encoding
// (spec §6 wire form minus the trailing quorum_sig). A proposer
// signature that is not 64 bytes long is written as 64 zero bytes.
func (r *Round) headerBytes() []byte {
	buf := make([]byte, 0, 8+32+8+32+64+4+len(r.FinalizedBlocks)*64)
	buf = binary.LittleEndian.AppendUint64(buf, r.RoundNumber)
	buf = append(buf, r.ParentRoundHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.FindagTime))
	buf = append(buf, r.Proposer[:]...)
	sig := r.ProposerSignature
	if len(sig) != 64 {
		sig = make([]byte, 64)
	}
	buf = append(buf, sig...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.FinalizedBlocks)))
	for _, fb := range r.FinalizedBlocks {
		buf = append(buf, fb.BlockID[:]...)
		buf = append(buf, fb.HashTimer[:]...)
	}
	return buf
}

// Marshal returns the full sealed-round commit record (spec §6):
// round_number || parent_round_hash || findag_time || proposer ||
// proposer_sig || block_count || {block_hash || block_hashtimer}* ||
// quorum_sig.
func (r *Round) Marshal() []byte {
	out := r.headerBytes()
	out = append(out, r.QuorumSignature...)
	return out
}

// Hash returns the content hash of the round used as the next round's
// parent_round_hash (spec §3 invariant b).
func (r *Round) Hash() [32]byte {
	return crypto.Hash32(r.Marshal())
}

// Unmarshal decodes a sealed round from its commit-record wire form
// (spec §6 outbound sealed-round byte form), used both by persistence
// recovery and by the peer-facing round feed. The trailing quorum_sig
// is variable-width and consumes whatever bytes remain.
func Unmarshal(data []byte) (*Round, error) {
	const fixed = 8 + 32 + 8 + 32 + 64 + 4
	if len(data) < fixed {
		return nil, errors.New("round: frame too short")
	}
	r := &Round{}
	off := 0
	r.RoundNumber = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	copy(r.ParentRoundHash[:], data[off:off+32])
	off += 32
	r.FindagTime = findagtime.FinDAGTime(binary.LittleEndian.Uint64(data[off : off+8]))
	off += 8
	copy(r.Proposer[:], data[off:off+32])
	off += 32
	r.ProposerSignature = append([]byte(nil), data[off:off+64]...)
	off += 64
	blockCount := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	if len(data) < off+int(blockCount)*64 {
		return nil, errors.New("round: frame truncated before finalized blocks")
	}
	r.FinalizedBlocks = make([]FinalizedBlock, blockCount)
	for i := uint32(0); i < blockCount; i++ {
		var fb FinalizedBlock
		copy(fb.BlockID[:], data[off:off+32])
		off += 32
		copy(fb.HashTimer[:], data[off:off+32])
		off += 32
		r.FinalizedBlocks[i] = fb
	}
	r.QuorumSignature = append([]byte(nil), data[off:]...)
	return r, nil
}

// signingBytes is what the proposer signs: headerBytes with the
// proposer signature field written as 64 zero bytes.
func (r *Round) signingBytes() []byte {
	tmp := *r
	tmp.ProposerSignature = nil
	return tmp.headerBytes()
}

// Sign computes the proposer signature over the round header.
func (r *Round) Sign(priv crypto.PrivateKey) {
	r.ProposerSignature = crypto.SignRaw(priv, r.signingBytes())
}

// VerifyProposerSignature checks the proposer's signature over the
// round header, independent of the quorum signature.
func (r *Round) VerifyProposerSignature() error {
	return crypto.VerifyRaw(r.ProposerPublicKey, r.signingBytes(), r.ProposerSignature)
}

// blockHashesOrdered returns just the block ids, in the order stored
// (expected to already be canonical per spec §3 invariant d).
func (r *Round) blockHashesOrdered() [][32]byte {
	out := make([][32]byte, len(r.FinalizedBlocks))
	for i, fb := range r.FinalizedBlocks {
		out[i] = fb.BlockID
	}
	return out
}
