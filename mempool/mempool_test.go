package mempool

import (
	"testing"

	"github.com/findag-project/findag/crypto"
	"github.com/findag-project/findag/findagtime"
)

func signedTx(t *testing.T, shard uint32, nonce uint64) *Transaction {
	t.Helper()
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	var from, to [32]byte
	copy(from[:], pub)
	tx := &Transaction{
		From:    from,
		To:      to,
		Amount:  100,
		Asset:   "USD",
		ShardID: shard,
		Nonce:   nonce,
		PublicKey: pub,
	}
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tx
}

func TestSubmitAcceptsValidTransaction(t *testing.T) {
	mp := New(Config{ShardCount: 4, ShardCapacity: 16}, nil, map[string]bool{"USD": true}, nil)
	tx := signedTx(t, 0, 1)
	res := mp.Submit(tx)
	if !res.Accepted {
		t.Fatalf("expected acceptance, got reject reason %q", res.Reason)
	}
	if mp.Size(0) != 1 {
		t.Fatalf("expected shard size 1, got %d", mp.Size(0))
	}
}

// TestSubmitRejectsDuplicate is scenario S4: resubmitting the same
// tx_id must be rejected even after it leaves the shard via Drain.
func TestSubmitRejectsDuplicate(t *testing.T) {
	mp := New(Config{ShardCount: 1, ShardCapacity: 16}, nil, map[string]bool{"USD": true}, nil)
	tx := signedTx(t, 0, 1)

	first := mp.Submit(tx)
	if !first.Accepted {
		t.Fatalf("first submission rejected: %q", first.Reason)
	}

	second := mp.Submit(tx)
	if second.Accepted || second.Reason != RejectDuplicate {
		t.Fatalf("expected duplicate rejection, got accepted=%v reason=%q", second.Accepted, second.Reason)
	}

	drained := mp.Drain(0, 10, 1<<20, findagtime.FinDAGTime(0))
	if len(drained) != 1 {
		t.Fatalf("expected 1 drained tx, got %d", len(drained))
	}

	third := mp.Submit(tx)
	if third.Accepted || third.Reason != RejectDuplicate {
		t.Fatalf("expected duplicate rejection after drain, got accepted=%v reason=%q", third.Accepted, third.Reason)
	}
}

func TestSubmitRejectsUnknownAsset(t *testing.T) {
	mp := New(Config{ShardCount: 1, ShardCapacity: 16}, nil, map[string]bool{"USD": true}, nil)
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	var from [32]byte
	copy(from[:], pub)
	tx := &Transaction{From: from, Amount: 100, Asset: "EUR", ShardID: 0, PublicKey: pub}
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	res := mp.Submit(tx)
	if res.Accepted || res.Reason != RejectUnknownAsset {
		t.Fatalf("expected unknown asset rejection, got accepted=%v reason=%q", res.Accepted, res.Reason)
	}
}

func TestSubmitRejectsInvalidSignature(t *testing.T) {
	mp := New(Config{ShardCount: 1, ShardCapacity: 16}, nil, map[string]bool{"USD": true}, nil)
	tx := signedTx(t, 0, 1)
	tx.Amount = 999 // mutate after signing

	res := mp.Submit(tx)
	if res.Accepted || res.Reason != RejectInvalidSignature {
		t.Fatalf("expected invalid signature rejection, got accepted=%v reason=%q", res.Accepted, res.Reason)
	}
}

func TestSubmitRejectsUnknownShard(t *testing.T) {
	mp := New(Config{ShardCount: 2, ShardCapacity: 16}, nil, map[string]bool{"USD": true}, nil)
	tx := signedTx(t, 5, 1)
	res := mp.Submit(tx)
	if res.Accepted || res.Reason != RejectInvalidShard {
		t.Fatalf("expected invalid shard rejection, got accepted=%v reason=%q", res.Accepted, res.Reason)
	}
}

func TestShardFullRejectsBeyondCapacity(t *testing.T) {
	mp := New(Config{ShardCount: 1, ShardCapacity: 2}, nil, map[string]bool{"USD": true}, nil)
	for i := uint64(0); i < 2; i++ {
		res := mp.Submit(signedTx(t, 0, i))
		if !res.Accepted {
			t.Fatalf("expected acceptance for tx %d, got reason %q", i, res.Reason)
		}
	}
	res := mp.Submit(signedTx(t, 0, 99))
	if res.Accepted || res.Reason != RejectShardFull {
		t.Fatalf("expected shard_full rejection, got accepted=%v reason=%q", res.Accepted, res.Reason)
	}
}

func TestDrainRespectsInsertionOrder(t *testing.T) {
	mp := New(Config{ShardCount: 1, ShardCapacity: 16}, nil, map[string]bool{"USD": true}, nil)
	var ids [][32]byte
	for i := uint64(0); i < 5; i++ {
		tx := signedTx(t, 0, i)
		mp.Submit(tx)
		ids = append(ids, tx.ID)
	}
	drained := mp.Drain(0, 3, 1<<20, findagtime.FinDAGTime(0))
	if len(drained) != 3 {
		t.Fatalf("expected 3 drained, got %d", len(drained))
	}
	for i, tx := range drained {
		if tx.ID != ids[i] {
			t.Fatalf("drain order mismatch at %d", i)
		}
	}
	if mp.Size(0) != 2 {
		t.Fatalf("expected 2 remaining, got %d", mp.Size(0))
	}
}
