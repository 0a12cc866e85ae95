package producer

import (
	"testing"
	"time"

	"github.com/findag-project/findag/chainevents"
	"github.com/findag-project/findag/crypto"
	"github.com/findag-project/findag/dag"
	"github.com/findag-project/findag/findagtime"
	"github.com/findag-project/findag/mempool"
)

func seedGenesis(t *testing.T, e *dag.Engine, ft findagtime.FinDAGTime) *dag.Block {
	t.Helper()
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	var proposer [32]byte
	copy(proposer[:], pub)
	b := &dag.Block{
		ParentBlockIDs: [][32]byte{{0x01}},
		FindagTime:     ft,
		Proposer:       proposer,
		PublicKey:      pub,
		MerkleRoot:     dag.MerkleRoot(nil),
	}
	if err := b.Sign(priv); err != nil {
		t.Fatalf("sign genesis: %v", err)
	}
	b.ParentBlockIDs = nil
	e.Seed(b, false, 0)
	return b
}

func newSignedTx(t *testing.T, shard uint32) *mempool.Transaction {
	t.Helper()
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	var from, to [32]byte
	copy(from[:], pub)
	tx := &mempool.Transaction{From: from, To: to, Amount: 1, Asset: "USD", ShardID: shard, PublicKey: pub}
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	return tx
}

func TestProduceBlockDrainsMempoolAndAdmitsToEngine(t *testing.T) {
	engine := dag.New()
	genesis := seedGenesis(t, engine, 100)

	mp := mempool.New(mempool.Config{ShardCount: 1, ShardCapacity: 16}, nil, map[string]bool{"USD": true}, nil)
	tx := newSignedTx(t, 0)
	if res := mp.Submit(tx); !res.Accepted {
		t.Fatalf("tx rejected: %q", res.Reason)
	}

	clock := findagtime.New()
	privKey, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	p := New(Config{ShardID: 0, MaxParents: 2, MaxTxsPerBlock: 10, MaxBytesPerBlock: 1 << 20}, clock, mp, engine, chainevents.NewEmitter(), nil, privKey)

	block, err := p.ProduceBlock()
	if err != nil {
		t.Fatalf("produce block: %v", err)
	}
	if len(block.TxIDs) != 1 || block.TxIDs[0] != tx.ID {
		t.Fatalf("expected block to contain the submitted tx")
	}
	if block.FindagTime <= genesis.FindagTime {
		t.Fatalf("block findag_time %d did not exceed genesis %d", block.FindagTime, genesis.FindagTime)
	}
	if _, ok := engine.Get(block.BlockID); !ok {
		t.Fatal("produced block was not admitted to the engine")
	}
	if mp.Size(0) != 0 {
		t.Fatalf("expected mempool drained, got size %d", mp.Size(0))
	}
}

func TestProduceBlockSkipsEmptyShardWhenConfigured(t *testing.T) {
	engine := dag.New()
	seedGenesis(t, engine, 100)
	mp := mempool.New(mempool.Config{ShardCount: 1, ShardCapacity: 16}, nil, map[string]bool{"USD": true}, nil)

	clock := findagtime.New()
	privKey, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	p := New(Config{ShardID: 0, MaxParents: 1, MaxTxsPerBlock: 10, MaxBytesPerBlock: 1 << 20, SkipEmptyBlocks: true}, clock, mp, engine, nil, nil, privKey)

	if _, err := p.ProduceBlock(); err != ErrNothingToProduce {
		t.Fatalf("expected ErrNothingToProduce, got %v", err)
	}
}

func TestRunStopsOnDoneClose(t *testing.T) {
	engine := dag.New()
	seedGenesis(t, engine, 100)
	mp := mempool.New(mempool.Config{ShardCount: 1, ShardCapacity: 16}, nil, map[string]bool{"USD": true}, nil)
	clock := findagtime.New()
	privKey, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	p := New(Config{ShardID: 0, MaxParents: 1, MaxTxsPerBlock: 10, MaxBytesPerBlock: 1 << 20, SkipEmptyBlocks: true}, clock, mp, engine, nil, nil, privKey)

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		p.Run(5*time.Millisecond, done)
		close(finished)
	}()
	close(done)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after done was closed")
	}
}
