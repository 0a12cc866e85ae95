// Package validator holds the active validator table and its
// reputation bookkeeping (spec §3 Validator, §4.5). The table has a
// single logical writer — the reputation updater fed by committee
// events — and exposes read methods that return independent copies so
// callers never observe a partially mutated Validator (spec §5).
package validator

import (
	"sort"
	"sync"
	"time"

	"github.com/findag-project/findag/crypto"
)

// Status is the validator's governance-assigned lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusSlashed  Status = "slashed"
	StatusInactive Status = "inactive"
)

// Reputation is the mutable scoring state for one validator (spec §3).
type Reputation struct {
	TotalAssigned       uint64
	Signed              uint64
	Missed              uint64
	AvgResponseMs       float64
	LastSeen            time.Time
	ConsecutiveFailures int
	Score               float64
}

// Validator is one entry in the active set (spec §3 Validator).
type Validator struct {
	Address    string
	PublicKey  crypto.PublicKey
	Status     Status
	Reputation Reputation
}

func (v Validator) clone() Validator {
	return v
}

// Set is the single-owner active validator table (spec §3 Ownership:
// "C5 owns the validator table").
type Set struct {
	mu         sync.RWMutex
	validators map[string]*Validator
	threshold  float64
}

// New creates an empty Set with the given eligibility threshold
// (reputation_threshold in spec §6).
func New(reputationThreshold float64) *Set {
	return &Set{
		validators: make(map[string]*Validator),
		threshold:  reputationThreshold,
	}
}

// Add registers a validator with an initial score of 1.0, active
// status. Governance is out of scope; the node composition layer calls
// this at startup from configured validator entries.
func (s *Set) Add(address string, pub crypto.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validators[address] = &Validator{
		Address:   address,
		PublicKey: pub,
		Status:    StatusActive,
		Reputation: Reputation{
			Score: 1.0,
		},
	}
}

// Restore installs a validator record exactly as given, overwriting any
// existing entry for the same address. Used only at startup to replay
// persisted reputation state back into a fresh Set (spec §4.8 Recovery).
func (s *Set) Restore(v Validator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := v
	s.validators[cp.Address] = &cp
}

// Get returns a copy of one validator's state.
func (s *Set) Get(address string) (Validator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.validators[address]
	if !ok {
		return Validator{}, false
	}
	return v.clone(), true
}

// Eligible returns active, not-slashed validators at or above the
// configured reputation threshold, sorted by (score desc, address asc)
// — the deterministic order the committee manager selects from
// (spec §4.5, §4.6 step 1).
func (s *Set) Eligible() []Validator {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Validator, 0, len(s.validators))
	for _, v := range s.validators {
		if v.Status != StatusActive {
			continue
		}
		if v.Reputation.Score < s.threshold {
			continue
		}
		out = append(out, v.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Reputation.Score != out[j].Reputation.Score {
			return out[i].Reputation.Score > out[j].Reputation.Score
		}
		return out[i].Address < out[j].Address
	})
	return out
}
