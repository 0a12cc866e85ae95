package committee

import (
	"testing"
	"time"

	"github.com/findag-project/findag/crypto"
	"github.com/findag-project/findag/validator"
)

type fakeBroadcaster struct {
	respond func(committee *Committee, headerHash [32]byte, out chan<- PartialSignature)
}

func (f *fakeBroadcaster) RequestSignatures(committee *Committee, headerHash [32]byte) <-chan PartialSignature {
	out := make(chan PartialSignature, len(committee.Members))
	go f.respond(committee, headerHash, out)
	return out
}

type namedValidator struct {
	address string
	priv    crypto.PrivateKey
	pub     crypto.PublicKey
}

func makeValidators(t *testing.T, n int) ([]namedValidator, *validator.Set) {
	t.Helper()
	set := validator.New(0.0)
	named := make([]namedValidator, n)
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateKeyPair()
		if err != nil {
			t.Fatalf("generate key pair: %v", err)
		}
		addr := string(rune('A' + i))
		named[i] = namedValidator{address: addr, priv: priv, pub: pub}
		set.Add(addr, pub)
	}
	return named, set
}

// TestSealRoundQuorumFromAllRespondents is scenario S1's committee half:
// all members respond, quorum reached with no fallback.
func TestSealRoundQuorumFromAllRespondents(t *testing.T) {
	named, set := makeValidators(t, 2)
	cfg := Config{CommitteeSize: 2, MinQuorumSize: 2, FallbackTimeout: time.Second}

	broadcaster := &fakeBroadcaster{respond: func(c *Committee, headerHash [32]byte, out chan<- PartialSignature) {
		defer close(out)
		for _, m := range c.Members {
			nv := findNamed(named, m.Address)
			sig := crypto.SignRaw(nv.priv, headerHash[:])
			out <- PartialSignature{Address: nv.address, Signature: sig, RespondedAt: time.Now()}
		}
	}}

	mgr := NewManager(set, cfg, broadcaster)
	committee, sig, err := mgr.SealRound(1, [32]byte{0xAB})
	if err != nil {
		t.Fatalf("expected quorum, got error: %v", err)
	}
	if !committee.QuorumReached || committee.FallbackUsed {
		t.Fatalf("expected quorum reached without fallback, got %+v", committee)
	}
	if len(sig) == 0 {
		t.Fatal("expected non-empty combined signature")
	}
}

// TestSealRoundFallbackOnMissedSignature is scenario S2: one of three
// validators never responds, quorum 2 of 3 is still reached by the
// primary committee without a fallback, and the silent member is
// recorded as missed.
func TestSealRoundFallbackOnMissedSignature(t *testing.T) {
	named, set := makeValidators(t, 3)
	cfg := Config{CommitteeSize: 3, MinQuorumSize: 2, FallbackTimeout: 50 * time.Millisecond}

	broadcaster := &fakeBroadcaster{respond: func(c *Committee, headerHash [32]byte, out chan<- PartialSignature) {
		defer close(out)
		for _, m := range c.Members {
			if m.Address == "C" {
				continue // V3 never responds
			}
			nv := findNamed(named, m.Address)
			sig := crypto.SignRaw(nv.priv, headerHash[:])
			out <- PartialSignature{Address: nv.address, Signature: sig, RespondedAt: time.Now()}
		}
	}}

	mgr := NewManager(set, cfg, broadcaster)
	committee, sig, err := mgr.SealRound(1, [32]byte{0xCD})
	if err != nil {
		t.Fatalf("expected quorum via direct collection, got error: %v", err)
	}
	if len(sig) == 0 {
		t.Fatal("expected non-empty combined signature")
	}
	_ = committee

	v, ok := set.Get("C")
	if !ok || v.Reputation.Missed != 1 || v.Reputation.ConsecutiveFailures != 1 {
		t.Fatalf("expected V3 to be recorded missed once, got %+v", v)
	}
}

// TestSealRoundCompleteQuorumFailureReturnsError is scenario S3: quorum
// requires all 3 validators but two drop, so neither the primary
// committee nor the fallback (too few remaining eligible members) can
// seal the round.
func TestSealRoundCompleteQuorumFailureReturnsError(t *testing.T) {
	named, set := makeValidators(t, 3)
	cfg := Config{CommitteeSize: 3, MinQuorumSize: 3, FallbackTimeout: 20 * time.Millisecond}

	broadcaster := &fakeBroadcaster{respond: func(c *Committee, headerHash [32]byte, out chan<- PartialSignature) {
		defer close(out)
		for _, m := range c.Members {
			if m.Address != "A" {
				continue // only V1 responds
			}
			nv := findNamed(named, m.Address)
			sig := crypto.SignRaw(nv.priv, headerHash[:])
			out <- PartialSignature{Address: nv.address, Signature: sig, RespondedAt: time.Now()}
		}
	}}

	mgr := NewManager(set, cfg, broadcaster)
	_, _, err := mgr.SealRound(1, [32]byte{0xEF})
	if err == nil {
		t.Fatal("expected quorum failure error")
	}
}

func findNamed(named []namedValidator, address string) namedValidator {
	for _, n := range named {
		if n.address == address {
			return n
		}
	}
	return namedValidator{}
}
