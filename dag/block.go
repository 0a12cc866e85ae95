// Package dag implements the BlockDAG producer's counterpart store: a
// multi-parent block type with its canonical wire encoding, and the
// engine that tracks tips and finalized blocks (spec §3, §4.4).
package dag

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/findag-project/findag/crypto"
	"github.com/findag-project/findag/findagtime"
)

const wireVersion = 1

// maxParents bounds the multi-parent fan-in of a single block (K in
// spec §4.3 step 2); producer.New clamps the configured K to at most
// this hard ceiling.
const maxParents = 255

// Block is a signed, multi-parent node in the DAG (spec §3 Block).
type Block struct {
	BlockID        [32]byte
	ParentBlockIDs [][32]byte
	TxIDs          [][32]byte
	FindagTime     findagtime.FinDAGTime
	HashTimer      findagtime.HashTimer
	Proposer       [32]byte
	ShardID        uint32
	MerkleRoot     [32]byte
	PublicKey      crypto.PublicKey
	Signature      []byte // raw 64-byte ed25519 signature
}

// MerkleRoot computes the Merkle root over an ordered list of tx_ids.
// Odd levels duplicate the last node, matching the standard Merkle tree
// construction used elsewhere in the pack's hashing utilities.
func MerkleRoot(txIDs [][32]byte) [32]byte {
	if len(txIDs) == 0 {
		return crypto.Hash32([]byte("empty"))
	}
	level := make([][32]byte, len(txIDs))
	copy(level, txIDs)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][32]byte, len(level)/2)
		for i := 0; i < len(next); i++ {
			var buf [64]byte
			copy(buf[:32], level[2*i][:])
			copy(buf[32:], level[2*i+1][:])
			next[i] = crypto.Hash32(buf[:])
		}
		level = next
	}
	return level[0]
}

// headerBytes returns the canonical, signature-excluded header encoding
// pinned in spec §6: version || shard_id || proposer || findag_time ||
// hashtimer || parent_count || parent_ids || merkle_root || tx_count ||
// tx_ids.
func (b *Block) headerBytes() ([]byte, error) {
	if len(b.ParentBlockIDs) == 0 || len(b.ParentBlockIDs) > maxParents {
		return nil, fmt.Errorf("dag: parent count %d out of range", len(b.ParentBlockIDs))
	}
	if len(b.TxIDs) > int(^uint32(0)) {
		return nil, errors.New("dag: too many transactions")
	}

	buf := make([]byte, 0, 1+4+32+8+32+1+32*len(b.ParentBlockIDs)+32+4+32*len(b.TxIDs))
	buf = append(buf, wireVersion)
	buf = binary.LittleEndian.AppendUint32(buf, b.ShardID)
	buf = append(buf, b.Proposer[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(b.FindagTime))
	buf = append(buf, b.HashTimer[:]...)
	buf = append(buf, byte(len(b.ParentBlockIDs)))
	for _, p := range b.ParentBlockIDs {
		buf = append(buf, p[:]...)
	}
	buf = append(buf, b.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b.TxIDs)))
	for _, id := range b.TxIDs {
		buf = append(buf, id[:]...)
	}
	return buf, nil
}

// Marshal returns the full wire form, header followed by the signature.
func (b *Block) Marshal() ([]byte, error) {
	header, err := b.headerBytes()
	if err != nil {
		return nil, err
	}
	sig := b.Signature
	if len(sig) != 64 {
		sig = make([]byte, 64)
	}
	out := make([]byte, 0, len(header)+64)
	out = append(out, header...)
	out = append(out, sig...)
	return out, nil
}

// Sign computes MerkleRoot-consistent header bytes, signs them, and sets
// BlockID to their hash.
func (b *Block) Sign(priv crypto.PrivateKey) error {
	header, err := b.headerBytes()
	if err != nil {
		return err
	}
	b.Signature = crypto.SignRaw(priv, header)
	b.BlockID = crypto.Hash32(header)
	return nil
}

// Unmarshal decodes a block from its full wire form (spec §6 inbound
// block byte layout) without verifying it; callers call Verify
// afterward. Returned errors indicate a structurally malformed frame.
func Unmarshal(data []byte) (*Block, error) {
	const fixedHeadUpTo = 1 + 4 + 32 + 8 + 32 + 1 // version..parent_count
	if len(data) < fixedHeadUpTo {
		return nil, errors.New("dag: block frame too short")
	}
	b := &Block{}
	off := 0
	version := data[off]
	off++
	if version != wireVersion {
		return nil, fmt.Errorf("dag: unsupported wire version %d", version)
	}
	b.ShardID = binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	copy(b.Proposer[:], data[off:off+32])
	off += 32
	b.FindagTime = findagtime.FinDAGTime(binary.LittleEndian.Uint64(data[off : off+8]))
	off += 8
	copy(b.HashTimer[:], data[off:off+32])
	off += 32
	parentCount := int(data[off])
	off++
	if parentCount < 1 || parentCount > maxParents {
		return nil, fmt.Errorf("dag: parent count %d out of range", parentCount)
	}
	if len(data) < off+32*parentCount+32+4 {
		return nil, errors.New("dag: block frame truncated before parents/merkle_root/tx_count")
	}
	b.ParentBlockIDs = make([][32]byte, parentCount)
	for i := 0; i < parentCount; i++ {
		copy(b.ParentBlockIDs[i][:], data[off:off+32])
		off += 32
	}
	copy(b.MerkleRoot[:], data[off:off+32])
	off += 32
	txCount := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	if len(data) < off+32*int(txCount)+64 {
		return nil, errors.New("dag: block frame truncated before tx_ids/signature")
	}
	b.TxIDs = make([][32]byte, txCount)
	for i := uint32(0); i < txCount; i++ {
		copy(b.TxIDs[i][:], data[off:off+32])
		off += 32
	}
	header := data[:off]
	b.Signature = append([]byte(nil), data[off:off+64]...)
	off += 64
	if off != len(data) {
		return nil, errors.New("dag: trailing bytes after block signature")
	}
	b.BlockID = crypto.Hash32(header)
	return b, nil
}

// Verify checks block_id, merkle_root, and signature consistency (spec
// §3 Block invariants); it does not check parent presence or
// findag_time ordering against parents, which are DAG-engine concerns
// requiring the rest of the local state.
func (b *Block) Verify() error {
	if got := MerkleRoot(b.TxIDs); got != b.MerkleRoot {
		return fmt.Errorf("dag: merkle root mismatch: got %x want %x", got, b.MerkleRoot)
	}
	header, err := b.headerBytes()
	if err != nil {
		return err
	}
	if got := crypto.Hash32(header); got != b.BlockID {
		return fmt.Errorf("dag: block_id mismatch: got %x want %x", got, b.BlockID)
	}
	return crypto.VerifyRaw(crypto.PublicKey(b.PublicKey), header, b.Signature)
}
