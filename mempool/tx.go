// Package mempool implements the shard-keyed, validated, deduplicated
// admission queue described in spec §4.2 (C2). Each shard owns a
// bounded, insertion-ordered sequence of pending transactions plus a
// lookup index by tx_id.
package mempool

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/findag-project/findag/crypto"
	"github.com/findag-project/findag/findagtime"
)

// assetCodeWidth is the fixed, null-padded width reserved for the asset
// symbol in the canonical transaction encoding (spec §6).
const assetCodeWidth = 16

// Transaction is the atomic unit of work submitted to the mempool
// (spec §3).
type Transaction struct {
	ID         [32]byte
	From       [32]byte // authorized handle / address
	To         [32]byte
	Amount     uint64
	Asset      string // symbol, must fit in assetCodeWidth bytes utf8-encoded
	ShardID    uint32
	Nonce      uint64
	FindagTime findagtime.FinDAGTime
	HashTimer  findagtime.HashTimer
	PublicKey  crypto.PublicKey
	Signature  []byte // raw 64-byte ed25519 signature
	Payload    []byte
}

// ErrOversizeAsset is returned by Marshal when Asset does not fit in the
// fixed-width wire field.
var ErrOversizeAsset = errors.New("mempool: asset code exceeds wire width")

// signingBytes returns the canonical encoding of tx with the signature
// field omitted, per spec §6: "Signature is Ed25519 over all bytes
// except the signature itself."
func (tx *Transaction) signingBytes() ([]byte, error) {
	assetBytes := make([]byte, assetCodeWidth)
	if len(tx.Asset) > assetCodeWidth {
		return nil, ErrOversizeAsset
	}
	copy(assetBytes, tx.Asset)

	buf := make([]byte, 0, 32+32+8+assetCodeWidth+4+8+8+32+32+4+len(tx.Payload))
	buf = append(buf, tx.From[:]...)
	buf = append(buf, tx.To[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Amount)
	buf = append(buf, assetBytes...)
	buf = binary.LittleEndian.AppendUint32(buf, tx.ShardID)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Nonce)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(tx.FindagTime))
	buf = append(buf, tx.HashTimer[:]...)
	buf = append(buf, tx.PublicKey...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Payload)))
	buf = append(buf, tx.Payload...)
	return buf, nil
}

// Marshal returns the full canonical wire form, signature included, as
// pinned in spec §6.
func (tx *Transaction) Marshal() ([]byte, error) {
	body, err := tx.signingBytes()
	if err != nil {
		return nil, err
	}
	// Wire layout interleaves signature before payload_len/payload, but
	// since payload is variable-length it must stay last for unambiguous
	// parsing; signature is fixed-width (64) so it is written right
	// after public_key, before the trailing payload_len/payload.
	out := make([]byte, 0, len(body)+64)
	fixedLen := 32 + 32 + 8 + assetCodeWidth + 4 + 8 + 8 + 32 + 32 // up to end of public_key
	out = append(out, body[:fixedLen]...)
	sig := tx.Signature
	if len(sig) != 64 {
		sig = make([]byte, 64)
	}
	out = append(out, sig...)
	out = append(out, body[fixedLen:]...)
	return out, nil
}

// Sign signs the transaction over the fields already set by the caller
// and sets ID to the hash of those signing bytes.
func (tx *Transaction) Sign(priv crypto.PrivateKey) error {
	body, err := tx.signingBytes()
	if err != nil {
		return err
	}
	tx.Signature = crypto.SignRaw(priv, body)
	tx.ID = crypto.Hash32(body)
	return nil
}

// Unmarshal decodes a transaction from its full canonical wire form
// (spec §6 inbound transaction byte layout) and sets its ID, without
// verifying the signature; callers call Verify afterward.
func Unmarshal(data []byte) (*Transaction, error) {
	const fixedLen = 32 + 32 + 8 + assetCodeWidth + 4 + 8 + 8 + 32 + 32 + 64
	if len(data) < fixedLen+4 {
		return nil, errors.New("mempool: tx frame too short")
	}
	tx := &Transaction{}
	off := 0
	copy(tx.From[:], data[off:off+32])
	off += 32
	copy(tx.To[:], data[off:off+32])
	off += 32
	tx.Amount = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	assetRaw := data[off : off+assetCodeWidth]
	off += assetCodeWidth
	tx.Asset = stripTrailingZeros(assetRaw)
	tx.ShardID = binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	tx.Nonce = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	tx.FindagTime = findagtime.FinDAGTime(binary.LittleEndian.Uint64(data[off : off+8]))
	off += 8
	copy(tx.HashTimer[:], data[off:off+32])
	off += 32
	tx.PublicKey = append([]byte(nil), data[off:off+32]...)
	off += 32
	sig := append([]byte(nil), data[off:off+64]...)
	off += 64
	payloadLen := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	if len(data) < off+int(payloadLen) {
		return nil, errors.New("mempool: tx frame truncated before payload")
	}
	tx.Payload = append([]byte(nil), data[off:off+int(payloadLen)]...)
	off += int(payloadLen)
	if off != len(data) {
		return nil, errors.New("mempool: trailing bytes after tx payload")
	}
	tx.Signature = sig

	body, err := tx.signingBytes()
	if err != nil {
		return nil, err
	}
	tx.ID = crypto.Hash32(body)
	return tx, nil
}

func stripTrailingZeros(b []byte) string {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return string(b[:i])
}

// Verify checks that the signature is valid over the canonical signing
// bytes and that ID matches their hash (spec §3 Transaction invariants).
func (tx *Transaction) Verify() error {
	body, err := tx.signingBytes()
	if err != nil {
		return err
	}
	if got := crypto.Hash32(body); got != tx.ID {
		return fmt.Errorf("mempool: tx_id mismatch: got %x want %x", got, tx.ID)
	}
	return crypto.VerifyRaw(crypto.PublicKey(tx.PublicKey), body, tx.Signature)
}
