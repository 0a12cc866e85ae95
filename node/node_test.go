package node

import (
	"testing"

	"github.com/findag-project/findag/config"
	"github.com/findag-project/findag/crypto"
	"github.com/findag-project/findag/internal/testutil"
	"github.com/findag-project/findag/mempool"
)

func singleValidatorConfig(pub crypto.PublicKey, address string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.NodeID = "test-node"
	cfg.ShardCount = 1
	cfg.CommitteeSize = 1
	cfg.MinQuorumSize = 1
	cfg.P2PPort = 0 // test never calls Start, so the listener is never opened
	cfg.Genesis.Validators = []config.GenesisValidator{
		{Address: address, PublicKey: pub.Hex()},
	}
	return cfg
}

func newSignedTx(t *testing.T) *mempool.Transaction {
	t.Helper()
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	var from, to [32]byte
	copy(from[:], pub)
	tx := &mempool.Transaction{From: from, To: to, Amount: 1, Asset: "USD", ShardID: 0, PublicKey: pub}
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	return tx
}

// TestNodeLifecycleProducesAndSealsARound exercises a single-validator
// node end to end without the network transport's ticker loops: submit
// a transaction, produce a block from it synchronously, then seal a
// round that finalizes that block — the same sequence Start's
// runProducer/runRounds loops perform, driven directly for determinism.
func TestNodeLifecycleProducesAndSealsARound(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	address := pub.Address()
	cfg := singleValidatorConfig(pub, address)

	db := testutil.NewMemDB()
	n, err := New(cfg, priv, db, nil, nil)
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	if n.Address() != address {
		t.Fatalf("address mismatch: got %s want %s", n.Address(), address)
	}

	tx := newSignedTx(t)
	if res := n.SubmitTransaction(tx); !res.Accepted {
		t.Fatalf("transaction rejected: %q", res.Reason)
	}

	block, err := n.producers[0].ProduceBlock()
	if err != nil {
		t.Fatalf("produce block: %v", err)
	}
	if len(block.TxIDs) != 1 || block.TxIDs[0] != tx.ID {
		t.Fatalf("expected produced block to carry the submitted tx")
	}
	if _, ok := n.engine.Get(block.BlockID); !ok {
		t.Fatal("produced block was not admitted to the engine")
	}
	if stored, err := n.store.GetBlock(block.BlockID); err != nil || stored.BlockID != block.BlockID {
		t.Fatalf("produced block was not persisted: %v", err)
	}

	sealed, err := n.scheduler.Tick()
	if err != nil {
		t.Fatalf("round tick: %v", err)
	}
	if sealed == nil {
		t.Fatal("expected a sealed round, got nil")
	}
	if sealed.RoundNumber != 1 {
		t.Fatalf("expected round 1, got %d", sealed.RoundNumber)
	}
	if !n.engine.IsFinalized(block.BlockID) {
		t.Fatal("expected produced block to be finalized by the sealed round")
	}
	if latest, ok := n.chain.Latest(); !ok || latest != 1 {
		t.Fatalf("expected chain's latest round to be 1, got %d (ok=%v)", latest, ok)
	}
	if stored, err := n.store.GetRound(1); err != nil || stored.RoundNumber != 1 {
		t.Fatalf("sealed round was not persisted: %v", err)
	}
}

// TestNodeLifecycleSealsGenesisAnchorWhenNothingProduced confirms that a
// tick before any block is produced, with skip_empty_rounds left at its
// default of false, seals round 1 over just the genesis anchor block
// once it falls below the cutoff.
func TestNodeLifecycleSealsGenesisAnchorWhenNothingProduced(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	address := pub.Address()
	cfg := singleValidatorConfig(pub, address)

	db := testutil.NewMemDB()
	n, err := New(cfg, priv, db, nil, nil)
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}

	sealed, err := n.scheduler.Tick()
	if err != nil {
		t.Fatalf("round tick: %v", err)
	}
	if sealed == nil {
		t.Fatal("expected the genesis anchor block to be finalized into round 1")
	}
	if len(sealed.FinalizedBlocks) != 1 {
		t.Fatalf("expected exactly the genesis anchor finalized, got %d blocks", len(sealed.FinalizedBlocks))
	}
}
