// Package committee implements per-round committee selection and the
// quorum signature collection protocol (spec §4.6, C6).
package committee

import (
	"encoding/binary"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/findag-project/findag/crypto"
	"github.com/findag-project/findag/validator"
)

// Config bounds committee selection and quorum collection (spec §6
// configuration; defaults match the spec's stated defaults).
type Config struct {
	CommitteeSize          int
	MinQuorumSize          int
	RotationIntervalRounds uint64
	FallbackTimeout        time.Duration
	ReputationThreshold    float64
}

// DefaultConfig returns the spec's stated defaults for a committee size
// of 20.
func DefaultConfig() Config {
	size := 20
	return Config{
		CommitteeSize:          size,
		MinQuorumSize:          minQuorumFor(size),
		RotationIntervalRounds: 10,
		FallbackTimeout:        5 * time.Second,
		ReputationThreshold:    0.5,
	}
}

func minQuorumFor(committeeSize int) int {
	q := int(math.Ceil(0.6 * float64(committeeSize)))
	if q < 1 {
		q = 1
	}
	return q
}

// ErrSelectionFailed is returned when fewer eligible validators exist
// than min_quorum_size; the caller defers the round (spec §4.6 step 2).
var ErrSelectionFailed = errors.New("committee: not enough eligible validators, round deferred")

// Committee is the ephemeral, per-round membership and quorum state
// (spec §3 Committee). It is never reused across rounds.
type Committee struct {
	RoundNumber        uint64
	Members            []validator.Validator
	QuorumThreshold    int
	StartTime          time.Time
	Deadline           time.Time
	ReceivedSignatures map[string][]byte // address -> raw signature
	QuorumReached      bool
	FallbackUsed       bool
}

// Select deterministically picks the committee for roundNumber from
// set's eligible validators (spec §4.6 step 1-3). On rotation
// boundaries the tie-break salt is reseeded with roundNumber so
// membership turns over even among validators with identical scores.
func Select(roundNumber uint64, set *validator.Set, cfg Config) (*Committee, error) {
	return SelectExcluding(roundNumber, set, cfg, nil)
}

// SelectExcluding is Select with a set of addresses skipped entirely,
// used by the fallback retry in spec §4.6: "selects a new committee
// excluding the missed members."
func SelectExcluding(roundNumber uint64, set *validator.Set, cfg Config, excluded map[string]bool) (*Committee, error) {
	all := set.Eligible()
	eligible := make([]validator.Validator, 0, len(all))
	for _, v := range all {
		if excluded[v.Address] {
			continue
		}
		eligible = append(eligible, v)
	}
	if len(eligible) < cfg.MinQuorumSize {
		return nil, ErrSelectionFailed
	}

	ordered := make([]validator.Validator, len(eligible))
	copy(ordered, eligible)
	if cfg.RotationIntervalRounds > 0 && roundNumber%cfg.RotationIntervalRounds == 0 {
		sort.Slice(ordered, func(i, j int) bool {
			if ordered[i].Reputation.Score != ordered[j].Reputation.Score {
				return ordered[i].Reputation.Score > ordered[j].Reputation.Score
			}
			return rotationSalt(ordered[i].Address, roundNumber) < rotationSalt(ordered[j].Address, roundNumber)
		})
	}
	// ordered is otherwise already (score desc, address asc) from Eligible.

	size := cfg.CommitteeSize
	if size > len(ordered) {
		size = len(ordered)
	}
	members := make([]validator.Validator, size)
	copy(members, ordered[:size])

	for _, m := range members {
		set.RecordAssigned(m.Address)
	}

	now := time.Now()
	return &Committee{
		RoundNumber:        roundNumber,
		Members:            members,
		QuorumThreshold:    cfg.MinQuorumSize,
		StartTime:          now,
		Deadline:           now.Add(cfg.FallbackTimeout),
		ReceivedSignatures: make(map[string][]byte),
	}, nil
}

// rotationSalt derives a deterministic tie-break value from an address
// and the round number, used only to reshuffle otherwise-equal-score
// validators on rotation boundaries.
func rotationSalt(address string, roundNumber uint64) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], roundNumber)
	h := crypto.Hash32(append([]byte(address), buf[:]...))
	return binary.BigEndian.Uint64(h[:8])
}

// HasMember reports whether address is part of this committee.
func (c *Committee) HasMember(address string) bool {
	for _, m := range c.Members {
		if m.Address == address {
			return true
		}
	}
	return false
}
