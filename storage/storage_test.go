package storage_test

import (
	"testing"

	"github.com/findag-project/findag/crypto"
	"github.com/findag-project/findag/dag"
	"github.com/findag-project/findag/findagtime"
	"github.com/findag-project/findag/internal/testutil"
	"github.com/findag-project/findag/round"
	"github.com/findag-project/findag/storage"
	"github.com/findag-project/findag/validator"
)

func mkBlock(t *testing.T, ft uint64, parent [32]byte) *dag.Block {
	t.Helper()
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	var proposer [32]byte
	copy(proposer[:], pub)
	b := &dag.Block{
		ParentBlockIDs: [][32]byte{parent},
		FindagTime:     findagtime.FinDAGTime(ft),
		Proposer:       proposer,
		PublicKey:      pub,
		MerkleRoot:     dag.MerkleRoot(nil),
	}
	if err := b.Sign(priv); err != nil {
		t.Fatalf("sign block: %v", err)
	}
	return b
}

func TestPersistBlockRoundTrip(t *testing.T) {
	store := storage.NewStore(testutil.NewMemDB())
	b := mkBlock(t, 100, [32]byte{0x01})

	if err := store.PersistBlock(b); err != nil {
		t.Fatalf("persist block: %v", err)
	}
	got, err := store.GetBlock(b.BlockID)
	if err != nil {
		t.Fatalf("get block: %v", err)
	}
	if got.BlockID != b.BlockID || got.FindagTime != b.FindagTime {
		t.Fatalf("round-tripped block mismatch: got %+v want %+v", got, b)
	}
}

func TestPersistRoundIsCommitPoint(t *testing.T) {
	store := storage.NewStore(testutil.NewMemDB())
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	var proposer [32]byte
	copy(proposer[:], pub)

	b := mkBlock(t, 100, [32]byte{0x01})
	r := &round.Round{
		RoundNumber:       0,
		FindagTime:        findagtime.FinDAGTime(150),
		Proposer:          proposer,
		ProposerPublicKey: pub,
		FinalizedBlocks: []round.FinalizedBlock{
			{BlockID: b.BlockID, HashTimer: b.HashTimer},
		},
	}
	r.Sign(priv)
	r.QuorumSignature = []byte("quorum-sig")

	if _, ok, _ := store.LatestRoundNumber(); ok {
		t.Fatalf("expected no latest round before any commit")
	}

	if err := store.PersistRound(r); err != nil {
		t.Fatalf("persist round: %v", err)
	}

	latest, ok, err := store.LatestRoundNumber()
	if err != nil || !ok || latest != 0 {
		t.Fatalf("latest round = (%d, %v, %v), want (0, true, nil)", latest, ok, err)
	}

	gotRound, err := store.GetRound(0)
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	if gotRound.Hash() != r.Hash() {
		t.Fatalf("round bytes did not round-trip: got hash %x want %x", gotRound.Hash(), r.Hash())
	}

	roundOf, finalized, err := store.BlockRoundOf(b.BlockID)
	if err != nil || !finalized || roundOf != 0 {
		t.Fatalf("block_fin lookup = (%d, %v, %v), want (0, true, nil)", roundOf, finalized, err)
	}
}

func TestRecoverRebuildsChainAndTips(t *testing.T) {
	store := storage.NewStore(testutil.NewMemDB())
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	var proposer [32]byte
	copy(proposer[:], pub)

	finalizedBlock := mkBlock(t, 100, [32]byte{0x01})
	tipBlock := mkBlock(t, 900, [32]byte{0x02})

	if err := store.PersistBlock(finalizedBlock); err != nil {
		t.Fatalf("persist finalized block: %v", err)
	}
	if err := store.PersistBlock(tipBlock); err != nil {
		t.Fatalf("persist tip block: %v", err)
	}

	r := &round.Round{
		RoundNumber:       0,
		FindagTime:        findagtime.FinDAGTime(150),
		Proposer:          proposer,
		ProposerPublicKey: pub,
		FinalizedBlocks: []round.FinalizedBlock{
			{BlockID: finalizedBlock.BlockID, HashTimer: finalizedBlock.HashTimer},
		},
	}
	r.Sign(priv)
	r.QuorumSignature = []byte("quorum-sig")
	if err := store.PersistRound(r); err != nil {
		t.Fatalf("persist round: %v", err)
	}

	chain := round.New([32]byte{})
	engine := dag.New()
	if err := store.Recover(chain, engine); err != nil {
		t.Fatalf("recover: %v", err)
	}

	latest, ok := chain.Latest()
	if !ok || latest != 0 {
		t.Fatalf("recovered chain latest = (%d, %v), want (0, true)", latest, ok)
	}
	if !chain.IsBlockFinalized(finalizedBlock.BlockID) {
		t.Fatalf("expected finalized block to be marked finalized after recovery")
	}

	tips := engine.Tips()
	found := false
	for _, id := range tips {
		if id == tipBlock.BlockID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unfinalized block to be seeded as a tip after recovery")
	}
}

func TestValidatorRoundTrip(t *testing.T) {
	store := storage.NewStore(testutil.NewMemDB())
	_, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	v := validator.Validator{
		Address:   pub.Address(),
		PublicKey: pub,
		Status:    validator.StatusActive,
		Reputation: validator.Reputation{
			TotalAssigned: 4,
			Signed:        3,
			Missed:        1,
			Score:         0.75,
		},
	}
	if err := store.PutValidator(v); err != nil {
		t.Fatalf("put validator: %v", err)
	}

	all, err := store.ListValidators()
	if err != nil {
		t.Fatalf("list validators: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("len(all) = %d, want 1", len(all))
	}
	if all[0].Address != v.Address || all[0].Reputation.Score != v.Reputation.Score {
		t.Fatalf("round-tripped validator mismatch: got %+v want %+v", all[0], v)
	}
}
