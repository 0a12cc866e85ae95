// Package storage implements the crash-safe persistence contract in
// spec §4.8 (C8): block, round, and validator records keyed exactly as
// pinned in spec §6, with the round commit point (round bytes plus the
// latest-round marker) written through a single atomic batch.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/findag-project/findag/dag"
	"github.com/findag-project/findag/round"
	"github.com/findag-project/findag/validator"
)

// Key prefixes match spec §6's persisted state layout exactly.
const (
	prefixRound      = "round/"
	keyRoundLatest   = "round/latest"
	prefixBlock      = "block/"
	prefixBlockFinal = "block_fin/"
	prefixValidator  = "validator/"
)

// Store is the single-writer key-value persistence layer for C8. It
// holds no lock of its own: the underlying DB (LevelDB in production,
// an in-memory fake in tests) is the single writer, matching spec §5's
// single-owner-task discipline applied to durable state.
type Store struct {
	db DB
}

// NewStore wraps db as a Store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

func roundKey(n uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixRound, n))
}

func blockKey(id [32]byte) []byte {
	return append([]byte(prefixBlock), id[:]...)
}

func blockFinKey(id [32]byte) []byte {
	return append([]byte(prefixBlockFinal), id[:]...)
}

func validatorKey(address string) []byte {
	return []byte(prefixValidator + address)
}

// PersistBlock writes a block's wire bytes (spec §4.8 step 2: this is
// best-effort, no fsync is required before broadcast — a block's
// authority arises only once a round finalizes it).
func (s *Store) PersistBlock(b *dag.Block) error {
	data, err := b.Marshal()
	if err != nil {
		return err
	}
	return s.db.Set(blockKey(b.BlockID), data)
}

// GetBlock reads back a previously persisted block.
func (s *Store) GetBlock(id [32]byte) (*dag.Block, error) {
	data, err := s.db.Get(blockKey(id))
	if err != nil {
		return nil, err
	}
	return dag.Unmarshal(data)
}

// PersistRound implements round.Sealer: the commit point of spec §4.8
// step 3. Round bytes and the latest-round marker are written in one
// atomic batch so a crash can never observe one without the other;
// step 4 (marking finalized blocks in the block-finalized index) runs
// only after that batch has committed.
func (s *Store) PersistRound(r *round.Round) error {
	batch := s.db.NewBatch()
	batch.Set(roundKey(r.RoundNumber), r.Marshal())
	var latest [8]byte
	binary.LittleEndian.PutUint64(latest[:], r.RoundNumber)
	batch.Set([]byte(keyRoundLatest), latest[:])
	if err := batch.Write(); err != nil {
		return fmt.Errorf("storage: persist round %d: %w", r.RoundNumber, err)
	}
	for _, fb := range r.FinalizedBlocks {
		if err := s.db.Set(blockFinKey(fb.BlockID), latest[:]); err != nil {
			return fmt.Errorf("storage: mark block %x finalized: %w", fb.BlockID, err)
		}
	}
	return nil
}

// GetRound reads back a previously sealed round by number.
func (s *Store) GetRound(n uint64) (*round.Round, error) {
	data, err := s.db.Get(roundKey(n))
	if err != nil {
		return nil, err
	}
	return round.Unmarshal(data)
}

// LatestRoundNumber returns the durable latest-round marker, or
// (0, false, nil) for a fresh store.
func (s *Store) LatestRoundNumber() (uint64, bool, error) {
	data, err := s.db.Get([]byte(keyRoundLatest))
	if err == ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return binary.LittleEndian.Uint64(data), true, nil
}

// BlockRoundOf returns the round number that finalized a block, if any.
func (s *Store) BlockRoundOf(id [32]byte) (uint64, bool, error) {
	data, err := s.db.Get(blockFinKey(id))
	if err == ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return binary.LittleEndian.Uint64(data), true, nil
}

// validatorRecord is the persisted shape of one validator.Validator.
// Unlike transactions, blocks, and rounds, a validator record is never
// a signed wire artifact subject to cross-node signature verification,
// so plain JSON — as the teacher's storage package uses for anything
// that isn't wire-critical — is the appropriate encoding here rather
// than a hand-rolled binary layout.
type validatorRecord struct {
	Address             string
	PublicKey           []byte
	Status              string
	TotalAssigned       uint64
	Signed              uint64
	Missed              uint64
	AvgResponseMs       float64
	ConsecutiveFailures int
	Score               float64
}

// PutValidator persists one validator's current state, which
// ListValidators reads back. The node package does not call it, so
// reputation changes made while a node runs are not written here.
func (s *Store) PutValidator(v validator.Validator) error {
	rec := validatorRecord{
		Address:             v.Address,
		PublicKey:           v.PublicKey,
		Status:              string(v.Status),
		TotalAssigned:       v.Reputation.TotalAssigned,
		Signed:              v.Reputation.Signed,
		Missed:              v.Reputation.Missed,
		AvgResponseMs:       v.Reputation.AvgResponseMs,
		ConsecutiveFailures: v.Reputation.ConsecutiveFailures,
		Score:               v.Reputation.Score,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Set(validatorKey(v.Address), data)
}

// ListValidators reads back every persisted validator record, used to
// repopulate a validator.Set at node startup.
func (s *Store) ListValidators() ([]validator.Validator, error) {
	it := s.db.NewIterator([]byte(prefixValidator))
	defer it.Release()

	var out []validator.Validator
	for it.Next() {
		var rec validatorRecord
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("storage: decode validator record: %w", err)
		}
		out = append(out, validator.Validator{
			Address:   rec.Address,
			PublicKey: rec.PublicKey,
			Status:    validator.Status(rec.Status),
			Reputation: validator.Reputation{
				TotalAssigned:       rec.TotalAssigned,
				Signed:              rec.Signed,
				Missed:              rec.Missed,
				AvgResponseMs:       rec.AvgResponseMs,
				ConsecutiveFailures: rec.ConsecutiveFailures,
				Score:               rec.Score,
			},
		})
	}
	return out, it.Error()
}

// Recover reconstructs round and DAG state from durable storage after
// a restart (spec §4.8 Recovery): load rounds [0..=latest] into chain,
// which rebuilds the finalized-block index as a side effect, then seed
// every persisted block into engine's tips, marking it finalized if a
// block_fin/ entry exists for it. Mempool resumes empty, as spec §4.8
// states explicitly ("durable spool optional") — this repo does not
// implement a mempool spool.
func (s *Store) Recover(chain *round.Chain, engine *dag.Engine) error {
	latest, ok, err := s.LatestRoundNumber()
	if err != nil {
		return fmt.Errorf("storage: read latest round marker: %w", err)
	}
	if ok {
		for n := uint64(0); n <= latest; n++ {
			r, err := s.GetRound(n)
			if err != nil {
				return fmt.Errorf("storage: recover round %d: %w", n, err)
			}
			chain.LoadSealed(r)
		}
	}

	it := s.db.NewIterator([]byte(prefixBlock))
	defer it.Release()
	for it.Next() {
		b, err := dag.Unmarshal(it.Value())
		if err != nil {
			return fmt.Errorf("storage: recover block: %w", err)
		}
		roundOf, finalized, err := s.BlockRoundOf(b.BlockID)
		if err != nil {
			return fmt.Errorf("storage: recover block_fin for %x: %w", b.BlockID, err)
		}
		engine.Seed(b, finalized, roundOf)
	}
	return it.Error()
}
