package dag

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/findag-project/findag/findagtime"
)

// Sentinel admission errors (spec §4.4, §7 Validation taxonomy).
var (
	ErrUnknownParent = errors.New("dag: unknown parent block")
	ErrStaleBlock    = errors.New("dag: block below admission horizon")
	ErrNonMonotone   = errors.New("dag: findag_time does not exceed parents")
)

type entry struct {
	block      *Block
	depth      int
	finalized  bool
	roundOf    uint64
	hasChild   bool
}

// Engine is the single-writer DAG store described in spec §4.4 and §5:
// one owning task serializes admit/mark_finalized, readers take
// consistent snapshots under the read lock.
type Engine struct {
	mu                sync.RWMutex
	blocks            map[[32]byte]*entry
	tips              map[[32]byte]struct{}
	latestFinalizedFT findagtime.FinDAGTime
	admissionHorizon  findagtime.FinDAGTime // absolute time-distance floor, set by caller policy
}

// New constructs an empty Engine.
func New() *Engine {
	return &Engine{
		blocks: make(map[[32]byte]*entry),
		tips:   make(map[[32]byte]struct{}),
	}
}

// SetAdmissionHorizon configures the minimum findag_time (in absolute
// units) a new block's own findag_time must be at or above to be
// admitted; the caller recomputes this as finalization advances,
// typically latest_finalized_findag_time minus a configured window
// (spec §4.4 "admission horizon").
func (e *Engine) SetAdmissionHorizon(floor findagtime.FinDAGTime) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.admissionHorizon = floor
}

// Seed registers b directly as a tip with no parent checks, for genesis
// blocks and for recovery (spec §4.8: "load unfinalized blocks from the
// block store into C4 tips"). Seeded blocks participate in CollectFinalizable
// and Admit's parent lookups exactly like admitted ones.
func (e *Engine) Seed(b *Block, finalized bool, roundNumber uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.blocks[b.BlockID]; exists {
		return
	}
	e.blocks[b.BlockID] = &entry{block: b, finalized: finalized, roundOf: roundNumber}
	if !finalized {
		e.tips[b.BlockID] = struct{}{}
	}
}

// Admit verifies parent presence and findag_time monotonicity against
// parents, then inserts the block and updates tips. Admit does not
// itself verify the block's signature; callers are expected to call
// Block.Verify first (spec §4.4 "verify signature, parents present,
// findag_time > all parents'").
func (e *Engine) Admit(b *Block) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.blocks[b.BlockID]; exists {
		return nil // admit is idempotent (spec §8)
	}
	if b.FindagTime < e.admissionHorizon {
		return fmt.Errorf("%w: findag_time %d below horizon %d", ErrStaleBlock, b.FindagTime, e.admissionHorizon)
	}

	maxParentDepth := -1
	for _, pid := range b.ParentBlockIDs {
		parent, ok := e.blocks[pid]
		if !ok {
			return fmt.Errorf("%w: %x", ErrUnknownParent, pid)
		}
		if b.FindagTime <= parent.block.FindagTime {
			return fmt.Errorf("%w: block %d <= parent %d", ErrNonMonotone, b.FindagTime, parent.block.FindagTime)
		}
		if parent.depth > maxParentDepth {
			maxParentDepth = parent.depth
		}
	}

	e.blocks[b.BlockID] = &entry{block: b, depth: maxParentDepth + 1}
	for _, pid := range b.ParentBlockIDs {
		delete(e.tips, pid)
		e.blocks[pid].hasChild = true
	}
	if !e.blocks[b.BlockID].hasChild {
		e.tips[b.BlockID] = struct{}{}
	}
	return nil
}

// Tips returns the current set of blocks with no known child.
func (e *Engine) Tips() [][32]byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([][32]byte, 0, len(e.tips))
	for id := range e.tips {
		out = append(out, id)
	}
	return out
}

// TopTips returns up to k tips ordered by descending (findag_time,
// hashtimer), the selection the block producer uses to choose parents
// (spec §4.3 step 2).
func (e *Engine) TopTips(k int) []*Block {
	e.mu.RLock()
	defer e.mu.RUnlock()

	candidates := make([]*Block, 0, len(e.tips))
	for id := range e.tips {
		candidates = append(candidates, e.blocks[id].block)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return findagtime.Less(candidates[j].FindagTime, candidates[j].HashTimer, candidates[i].FindagTime, candidates[i].HashTimer)
	})
	if k < len(candidates) {
		candidates = candidates[:k]
	}
	return candidates
}

// Get returns a block by id.
func (e *Engine) Get(id [32]byte) (*Block, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.blocks[id]
	if !ok {
		return nil, false
	}
	return en.block, true
}

// CollectFinalizable returns every non-finalized block with
// findag_time <= cutoff, sorted by the canonical (findag_time,
// hashtimer, block_id) order (spec §4.4).
func (e *Engine) CollectFinalizable(cutoff findagtime.FinDAGTime) []*Block {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Block, 0)
	for _, en := range e.blocks {
		if en.finalized || en.block.FindagTime > cutoff {
			continue
		}
		out = append(out, en.block)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.FindagTime != b.FindagTime {
			return a.FindagTime < b.FindagTime
		}
		if a.HashTimer != b.HashTimer {
			return findagtime.Less(a.FindagTime, a.HashTimer, b.FindagTime, b.HashTimer)
		}
		return lessBytes(a.BlockID, b.BlockID)
	})
	return out
}

func lessBytes(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// MarkFinalized moves the given block ids from unfinalized to
// finalized, recording which round finalized them. Idempotent: ids
// already finalized (to the same round) are left untouched.
func (e *Engine) MarkFinalized(ids [][32]byte, roundNumber uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		en, ok := e.blocks[id]
		if !ok || en.finalized {
			continue
		}
		en.finalized = true
		en.roundOf = roundNumber
		if en.block.FindagTime > e.latestFinalizedFT {
			e.latestFinalizedFT = en.block.FindagTime
		}
	}
}

// LatestFinalizedTime returns the highest findag_time among finalized
// blocks, the basis the caller recomputes the admission horizon from
// as rounds seal (spec §4.4 "admission horizon").
func (e *Engine) LatestFinalizedTime() findagtime.FinDAGTime {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latestFinalizedFT
}

// IsFinalized reports whether a block has already been assigned to a round.
func (e *Engine) IsFinalized(id [32]byte) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.blocks[id]
	return ok && en.finalized
}

// RoundOf returns the round number a block was finalized into, if any.
func (e *Engine) RoundOf(id [32]byte) (uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.blocks[id]
	if !ok || !en.finalized {
		return 0, false
	}
	return en.roundOf, true
}
