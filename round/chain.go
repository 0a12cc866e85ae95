package round

import (
	"errors"
	"fmt"
	"sync"

	"github.com/findag-project/findag/crypto"
	"github.com/findag-project/findag/dag"
	"github.com/findag-project/findag/findagtime"
)

// Sentinel errors for Chain operations (spec §7 Validation taxonomy).
var (
	ErrOutOfOrder        = errors.New("round: round_number is not latest+1")
	ErrParentMismatch    = errors.New("round: parent_round_hash mismatch")
	ErrNonMonotoneTime   = errors.New("round: findag_time does not exceed previous round")
	ErrQuorumInvalid     = errors.New("round: quorum signature does not validate")
	ErrBlockAlreadyFinal = errors.New("round: block already finalized in a prior round")
)

// UnsignedRound is a built-but-not-yet-quorum-sealed round, awaiting
// the committee's combined signature (spec §4.7 build_round).
type UnsignedRound struct {
	round *Round
}

// Chain is the single-writer store of sealed rounds (spec §3 Ownership:
// "C7 owns rounds").
type Chain struct {
	mu                sync.RWMutex
	rounds            map[uint64]*Round
	latestRoundNumber uint64
	hasRounds         bool
	genesisParentHash [32]byte
	blockRoundIndex   map[[32]byte]uint64
}

// New constructs an empty Chain. genesisParentHash is the
// parent_round_hash expected for round 0 (conventionally the zero
// hash).
func New(genesisParentHash [32]byte) *Chain {
	return &Chain{
		rounds:            make(map[uint64]*Round),
		blockRoundIndex:   make(map[[32]byte]uint64),
		genesisParentHash: genesisParentHash,
	}
}

// Latest returns the highest appended round number and whether the
// chain has any rounds yet.
func (c *Chain) Latest() (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latestRoundNumber, c.hasRounds
}

// Get returns a sealed round by number.
func (c *Chain) Get(roundNumber uint64) (*Round, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rounds[roundNumber]
	return r, ok
}

// BuildRound assembles the next unsigned round from a canonically
// ordered block batch (spec §4.7 build_round). blocks must already be
// sorted by (findag_time, hashtimer, block_id), as returned by
// dag.Engine.CollectFinalizable.
func (c *Chain) BuildRound(blocks []*dag.Block, findagTime findagtime.FinDAGTime, proposer [32]byte) (*UnsignedRound, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	nextNumber := uint64(0)
	parentHash := c.genesisParentHash
	if c.hasRounds {
		nextNumber = c.latestRoundNumber + 1
		parentHash = c.rounds[c.latestRoundNumber].Hash()
		if findagTime <= c.rounds[c.latestRoundNumber].FindagTime {
			return nil, ErrNonMonotoneTime
		}
	}

	finalized := make([]FinalizedBlock, len(blocks))
	for i, b := range blocks {
		finalized[i] = FinalizedBlock{BlockID: b.BlockID, HashTimer: b.HashTimer}
	}

	r := &Round{
		RoundNumber:     nextNumber,
		ParentRoundHash: parentHash,
		FinalizedBlocks: finalized,
		FindagTime:      findagTime,
		Proposer:        proposer,
	}
	return &UnsignedRound{round: r}, nil
}

// Sign signs the unsigned round's header with the proposer key and
// public key, returning the same UnsignedRound for chaining.
func (u *UnsignedRound) Sign(priv crypto.PrivateKey, pub crypto.PublicKey) *UnsignedRound {
	u.round.ProposerPublicKey = pub
	u.round.Sign(priv)
	return u
}

// AttachQuorum combines an unsigned round with its collected quorum
// signature, producing a sealed Round (spec §4.7 attach_quorum). It
// does not itself verify the quorum signature against the committee —
// that verification already happened as each partial arrived (see the
// committee package); AttachQuorum only assembles the final record.
func (u *UnsignedRound) AttachQuorum(quorumSignature []byte) *Round {
	u.round.QuorumSignature = quorumSignature
	return u.round
}

// Append validates sequentiality, parent linkage, findag_time
// monotonicity, and that no contained block is already finalized, then
// appends the round and marks its blocks finalized in engine (spec
// §4.7 append).
func (c *Chain) Append(r *Round, engine *dag.Engine) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expectedNumber := uint64(0)
	expectedParent := c.genesisParentHash
	if c.hasRounds {
		expectedNumber = c.latestRoundNumber + 1
		prev := c.rounds[c.latestRoundNumber]
		expectedParent = prev.Hash()
		if r.FindagTime <= prev.FindagTime {
			return ErrNonMonotoneTime
		}
	}
	if r.RoundNumber != expectedNumber {
		return fmt.Errorf("%w: got %d want %d", ErrOutOfOrder, r.RoundNumber, expectedNumber)
	}
	if r.ParentRoundHash != expectedParent {
		return ErrParentMismatch
	}
	for _, fb := range r.FinalizedBlocks {
		if _, already := c.blockRoundIndex[fb.BlockID]; already {
			return fmt.Errorf("%w: %x", ErrBlockAlreadyFinal, fb.BlockID)
		}
	}

	c.rounds[r.RoundNumber] = r
	c.latestRoundNumber = r.RoundNumber
	c.hasRounds = true
	for _, fb := range r.FinalizedBlocks {
		c.blockRoundIndex[fb.BlockID] = r.RoundNumber
	}
	if engine != nil {
		engine.MarkFinalized(r.blockHashesOrdered(), r.RoundNumber)
	}
	return nil
}

// IsBlockFinalized reports whether block_id has been assigned to any
// appended round.
func (c *Chain) IsBlockFinalized(blockID [32]byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.blockRoundIndex[blockID]
	return ok
}

// RoundOf returns the round number that finalized block_id, if any.
func (c *Chain) RoundOf(blockID [32]byte) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.blockRoundIndex[blockID]
	return n, ok
}

// LoadSealed re-registers an already-sealed round read back from
// persistence during recovery (spec §4.8 Recovery), without
// re-validating quorum or re-deriving signatures.
func (c *Chain) LoadSealed(r *Round) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rounds[r.RoundNumber] = r
	if !c.hasRounds || r.RoundNumber > c.latestRoundNumber {
		c.latestRoundNumber = r.RoundNumber
		c.hasRounds = true
	}
	for _, fb := range r.FinalizedBlocks {
		c.blockRoundIndex[fb.BlockID] = r.RoundNumber
	}
}
