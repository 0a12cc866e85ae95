package committee

import (
	"bytes"
	"errors"
	"sort"
	"time"

	"github.com/findag-project/findag/crypto"
	"github.com/findag-project/findag/validator"
)

// PartialSignature is one committee member's response to a round
// header broadcast (spec §4.6 signature collection protocol).
type PartialSignature struct {
	Address   string
	Signature []byte
	RespondedAt time.Time
}

// Broadcaster asks a committee to sign a round header and streams back
// partial signatures as they arrive. The concrete implementation lives
// in the transport package; this package only consumes the interface
// (spec §6 external collaborators).
type Broadcaster interface {
	RequestSignatures(committee *Committee, headerHash [32]byte) <-chan PartialSignature
}

// ErrQuorumNotReached is returned by SealRound when both the primary
// attempt and the single fallback retry fail to reach quorum before
// their deadlines, and also when the primary attempt fails and no
// fallback committee can be selected, in which case no retry is made
// (spec §4.6: "the round is not sealed").
var ErrQuorumNotReached = errors.New("committee: quorum not reached after fallback")

// maxConsecutiveFailuresForRetry excludes a validator from a fallback
// committee once its run of missed assignments crosses this bound, on
// top of being excluded for having just missed the current round.
const maxConsecutiveFailuresForRetry = 3

// Manager runs committee selection and quorum collection for one
// RoundChain (spec §4.6, C6).
type Manager struct {
	set         *validator.Set
	cfg         Config
	broadcaster Broadcaster
}

// NewManager constructs a Manager.
func NewManager(set *validator.Set, cfg Config, broadcaster Broadcaster) *Manager {
	return &Manager{set: set, cfg: cfg, broadcaster: broadcaster}
}

// SealRound selects a committee for roundNumber, collects signatures
// over headerHash, and on quorum returns the committee and a combined
// quorum signature. On failure to reach quorum it retries once with a
// fallback committee excluding the missed members, per spec §4.6.
func (m *Manager) SealRound(roundNumber uint64, headerHash [32]byte) (*Committee, []byte, error) {
	committee, err := Select(roundNumber, m.set, m.cfg)
	if err != nil {
		return nil, nil, err
	}

	sig, ok := m.collectOnce(committee, headerHash)
	if ok {
		return committee, sig, nil
	}

	committee.FallbackUsed = true
	excluded := make(map[string]bool)
	for _, member := range committee.Members {
		if _, signed := committee.ReceivedSignatures[member.Address]; !signed {
			excluded[member.Address] = true
		}
		if v, ok := m.set.Get(member.Address); ok && v.Reputation.ConsecutiveFailures > maxConsecutiveFailuresForRetry {
			excluded[member.Address] = true
		}
	}

	fallback, err := SelectExcluding(roundNumber, m.set, m.cfg, excluded)
	if err != nil {
		return committee, nil, ErrQuorumNotReached
	}
	fallback.FallbackUsed = true

	sig, ok = m.collectOnce(fallback, headerHash)
	if !ok {
		return fallback, nil, ErrQuorumNotReached
	}
	return fallback, sig, nil
}

// collectOnce broadcasts to committee and gathers partials until every
// member has signed, the partials channel closes, or the committee's
// deadline passes, whichever comes first; whether quorum was reached is
// judged only at that point.
func (m *Manager) collectOnce(committee *Committee, headerHash [32]byte) ([]byte, bool) {
	partials := m.broadcaster.RequestSignatures(committee, headerHash)
	timer := time.NewTimer(time.Until(committee.Deadline))
	defer timer.Stop()

	for {
		select {
		case p, chanOpen := <-partials:
			if !chanOpen {
				return m.finalizeDeadline(committee)
			}
			member := findMember(committee, p.Address)
			if member == nil {
				continue
			}
			if err := crypto.VerifyRaw(member.PublicKey, headerHash[:], p.Signature); err != nil {
				continue
			}
			committee.ReceivedSignatures[p.Address] = p.Signature
			responseMs := float64(p.RespondedAt.Sub(committee.StartTime).Milliseconds())
			m.set.RecordSigned(p.Address, responseMs)
			if len(committee.ReceivedSignatures) == len(committee.Members) {
				return m.finalizeDeadline(committee)
			}
		case <-timer.C:
			return m.finalizeDeadline(committee)
		}
	}
}

// finalizeDeadline applies record_missed to every member that had not
// signed once the deadline elapsed (spec §4.6: "remaining get
// record_missed only after the deadline"), and reports whether quorum
// had nonetheless already been reached by the last arriving partial.
func (m *Manager) finalizeDeadline(committee *Committee) ([]byte, bool) {
	for _, member := range committee.Members {
		if _, signed := committee.ReceivedSignatures[member.Address]; !signed {
			m.set.RecordMissed(member.Address)
		}
	}
	if len(committee.ReceivedSignatures) < committee.QuorumThreshold {
		return nil, false
	}
	committee.QuorumReached = true
	return combineSignatures(committee.ReceivedSignatures), true
}

func findMember(committee *Committee, address string) *validator.Validator {
	for i := range committee.Members {
		if committee.Members[i].Address == address {
			return &committee.Members[i]
		}
	}
	return nil
}

// combineSignatures produces the quorum_signature wire value: for each
// signer in ascending address order, a one-byte address length, the
// address, then that signer's 64-byte Ed25519 signature, so a verifier
// can reconstruct which committee members contributed (spec §9 Open Question: plain
// concatenated Ed25519 was chosen over aggregated BLS, see DESIGN.md).
func combineSignatures(received map[string][]byte) []byte {
	addresses := make([]string, 0, len(received))
	for addr := range received {
		addresses = append(addresses, addr)
	}
	sort.Strings(addresses)

	var buf bytes.Buffer
	for _, addr := range addresses {
		buf.WriteByte(byte(len(addr)))
		buf.WriteString(addr)
		buf.Write(received[addr])
	}
	return buf.Bytes()
}
