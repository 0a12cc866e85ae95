package config

import (
	"encoding/hex"
	"fmt"

	"github.com/findag-project/findag/crypto"
	"github.com/findag-project/findag/dag"
	"github.com/findag-project/findag/findagtime"
	"github.com/findag-project/findag/round"
	"github.com/findag-project/findag/validator"
)

// GenesisParentHash is the canonical all-zero parent_round_hash round 0
// chains from (spec §3 Round invariant b, base case).
var GenesisParentHash [32]byte

// LoadGenesisValidators decodes the configured genesis validator
// entries into a fresh validator.Set, seeded at score 1.0 as Set.Add
// does for any registration.
func LoadGenesisValidators(cfg *Config) (*validator.Set, error) {
	set := validator.New(cfg.ReputationThreshold)
	for _, gv := range cfg.Genesis.Validators {
		pubBytes, err := hex.DecodeString(gv.PublicKey)
		if err != nil || len(pubBytes) != 32 {
			return nil, fmt.Errorf("genesis validator %s: invalid public_key: %w", gv.Address, err)
		}
		set.Add(gv.Address, crypto.PublicKey(pubBytes))
	}
	return set, nil
}

// BuildGenesisRound produces the self-sealed round 0 that seeds a
// fresh chain: no finalized blocks, proposed and signed by the
// bootstrap key named in genesisPriv/genesisPub. Round 0 predates any
// committee rotation, so there is no fallback-eligible quorum to
// collect from; the lone bootstrap signature stands in for the quorum
// signature, the same way a single-node genesis commit is the root of
// trust for every record that follows.
func BuildGenesisRound(genesisPriv crypto.PrivateKey, genesisPub crypto.PublicKey) *round.Round {
	var proposer [32]byte
	copy(proposer[:], genesisPub)
	r := &round.Round{
		RoundNumber:       0,
		ParentRoundHash:   GenesisParentHash,
		FindagTime:        findagtime.FinDAGTime(0),
		Proposer:          proposer,
		ProposerPublicKey: genesisPub,
	}
	r.Sign(genesisPriv)
	r.QuorumSignature = append([]byte(nil), r.ProposerSignature...)
	return r
}

// BuildGenesisBlock constructs the anchor block seeded directly into the
// DAG engine on every startup via Engine.Seed, since Engine requires at
// least one tip to parent a block against and round 0 finalizes nothing
// a real block could chain from. It is signed with a placeholder parent
// for wire-format consistency, then stripped of that parent so it
// carries none at all, matching a founding block rather than a
// descendant of one — it is never marshaled or persisted, so headerBytes'
// one-or-more-parents requirement (spec §6) never applies to it.
func BuildGenesisBlock(genesisPriv crypto.PrivateKey, genesisPub crypto.PublicKey) *dag.Block {
	var proposer [32]byte
	copy(proposer[:], genesisPub)
	b := &dag.Block{
		ParentBlockIDs: [][32]byte{{0x00}},
		FindagTime:     findagtime.FinDAGTime(0),
		Proposer:       proposer,
		PublicKey:      genesisPub,
		MerkleRoot:     dag.MerkleRoot(nil),
	}
	b.Sign(genesisPriv)
	b.ParentBlockIDs = nil
	return b
}
