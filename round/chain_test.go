package round

import (
	"testing"

	"github.com/findag-project/findag/crypto"
	"github.com/findag-project/findag/dag"
	"github.com/findag-project/findag/findagtime"
)

func mkBlock(t *testing.T, ft uint64) *dag.Block {
	t.Helper()
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	var proposer [32]byte
	copy(proposer[:], pub)
	b := &dag.Block{
		ParentBlockIDs: [][32]byte{{0x01}},
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

func TestBuildAppendSequentialRounds(t *testing.T) {
	chain := New([32]byte{})
	engine := dag.New()

	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	var proposer [32]byte
	copy(proposer[:], pub)

	b1 := mkBlock(t, 100)
	b2 := mkBlock(t, 200)
	engine.Seed(b1, false, 0)
	engine.Seed(b2, false, 0)

	unsigned1, err := chain.BuildRound([]*dag.Block{b1}, 150, proposer)
	if err != nil {
		t.Fatalf("build round 1: %v", err)
	}
	unsigned1.Sign(priv, pub)
	round1 := unsigned1.AttachQuorum([]byte("quorum-sig-1"))
	if err := chain.Append(round1, engine); err != nil {
		t.Fatalf("append round 1: %v", err)
	}

	unsigned2, err := chain.BuildRound([]*dag.Block{b2}, 250, proposer)
	if err != nil {
		t.Fatalf("build round 2: %v", err)
	}
	unsigned2.Sign(priv, pub)
	round2 := unsigned2.AttachQuorum([]byte("quorum-sig-2"))
	if err := chain.Append(round2, engine); err != nil {
		t.Fatalf("append round 2: %v", err)
	}

	if round2.ParentRoundHash != round1.Hash() {
		t.Fatal("round linkage broken: round2.parent_round_hash != hash(round1)")
	}
	if round1.RoundNumber != 0 || round2.RoundNumber != 1 {
		t.Fatalf("round contiguity broken: got %d, %d", round1.RoundNumber, round2.RoundNumber)
	}
	if !chain.IsBlockFinalized(b1.BlockID) || !chain.IsBlockFinalized(b2.BlockID) {
		t.Fatal("expected both blocks finalized")
	}
	if !engine.IsFinalized(b1.BlockID) || !engine.IsFinalized(b2.BlockID) {
		t.Fatal("expected engine to reflect finalization")
	}
}

func TestAppendRejectsBlockFinalizedTwice(t *testing.T) {
	chain := New([32]byte{})
	engine := dag.New()
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	var proposer [32]byte
	copy(proposer[:], pub)

	b := mkBlock(t, 100)
	engine.Seed(b, false, 0)

	unsigned, err := chain.BuildRound([]*dag.Block{b}, 150, proposer)
	if err != nil {
		t.Fatalf("build round: %v", err)
	}
	unsigned.Sign(priv, pub)
	sealed := unsigned.AttachQuorum([]byte("sig"))
	if err := chain.Append(sealed, engine); err != nil {
		t.Fatalf("append round: %v", err)
	}

	// A second round trying to finalize the same block again must be rejected,
	// and must not disturb the chain's tip.
	unsigned2, err := chain.BuildRound([]*dag.Block{b}, 250, proposer)
	if err != nil {
		t.Fatalf("build round 2: %v", err)
	}
	unsigned2.Sign(priv, pub)
	sealed2 := unsigned2.AttachQuorum([]byte("sig2"))
	if err := chain.Append(sealed2, engine); err == nil {
		t.Fatal("expected rejection of a block already finalized")
	}
	if latest, _ := chain.Latest(); latest != 0 {
		t.Fatalf("rejected append must not advance the chain tip, got %d", latest)
	}
}

func TestAppendRejectsOutOfOrderRoundNumber(t *testing.T) {
	chain := New([32]byte{})
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	badRound := &Round{RoundNumber: 5, FindagTime: 100, Proposer: [32]byte{}}
	badRound.ProposerPublicKey = pub
	badRound.Sign(priv)
	badRound.QuorumSignature = []byte("sig")

	if err := chain.Append(badRound, nil); err == nil {
		t.Fatal("expected out-of-order rejection")
	}
}

func TestAppendRejectsParentHashMismatch(t *testing.T) {
	chain := New([32]byte{})
	engine := dag.New()
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	var proposer [32]byte
	copy(proposer[:], pub)

	b1 := mkBlock(t, 100)
	engine.Seed(b1, false, 0)
	unsigned1, err := chain.BuildRound([]*dag.Block{b1}, 150, proposer)
	if err != nil {
		t.Fatalf("build round 1: %v", err)
	}
	unsigned1.Sign(priv, pub)
	round1 := unsigned1.AttachQuorum([]byte("sig1"))
	if err := chain.Append(round1, engine); err != nil {
		t.Fatalf("append round 1: %v", err)
	}

	// Hand-craft a round 1 with the right round number but a tampered
	// parent hash; it must be rejected even though the number is correct.
	tampered := &Round{
		RoundNumber:     1,
		ParentRoundHash: crypto.Hash32([]byte("not-the-real-parent")),
		FindagTime:      250,
		Proposer:        proposer,
	}
	tampered.ProposerPublicKey = pub
	tampered.Sign(priv)
	tampered.QuorumSignature = []byte("sig2")
	if err := chain.Append(tampered, engine); err == nil {
		t.Fatal("expected parent hash mismatch rejection")
	}
}

func TestBuildRoundRejectsNonMonotoneFindagTime(t *testing.T) {
	chain := New([32]byte{})
	engine := dag.New()
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	var proposer [32]byte
	copy(proposer[:], pub)

	b1 := mkBlock(t, 100)
	engine.Seed(b1, false, 0)
	unsigned1, err := chain.BuildRound([]*dag.Block{b1}, 150, proposer)
	if err != nil {
		t.Fatalf("build round 1: %v", err)
	}
	unsigned1.Sign(priv, pub)
	round1 := unsigned1.AttachQuorum([]byte("sig1"))
	if err := chain.Append(round1, engine); err != nil {
		t.Fatalf("append round 1: %v", err)
	}

	b2 := mkBlock(t, 200)
	engine.Seed(b2, false, 0)
	if _, err := chain.BuildRound([]*dag.Block{b2}, 150, proposer); err != ErrNonMonotoneTime {
		t.Fatalf("expected ErrNonMonotoneTime, got %v", err)
	}
}
