package validator

import "time"

// responseEMAHalfLife controls the exponential moving average applied
// to AvgResponseMs in RecordSigned (spec §4.5). It is used as an EMA
// span N with smoothing factor 2/(N+1), so 10 gives alpha = 2/11 and an
// effective half-life of about 3.4 samples.
const responseEMAHalfLife = 10 // EMA span, in samples

// missedPenaltyPerFailure is the per-consecutive-failure score penalty
// applied in RecordMissed (spec §4.5: "penalty = 0.1 * consecutive_failures").
const missedPenaltyPerFailure = 0.1

// RecordAssigned increments total_assigned for address (spec §4.5
// record_assigned).
func (s *Set) RecordAssigned(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[address]
	if !ok {
		return
	}
	v.Reputation.TotalAssigned++
}

// RecordSigned updates a validator after it returned a valid partial
// signature within the deadline (spec §4.5 record_signed).
func (s *Set) RecordSigned(address string, responseMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[address]
	if !ok {
		return
	}
	v.Reputation.Signed++
	v.Reputation.ConsecutiveFailures = 0
	v.Reputation.LastSeen = time.Now()
	if v.Reputation.AvgResponseMs == 0 {
		v.Reputation.AvgResponseMs = responseMs
	} else {
		alpha := 2.0 / (responseEMAHalfLife + 1.0)
		v.Reputation.AvgResponseMs = alpha*responseMs + (1-alpha)*v.Reputation.AvgResponseMs
	}
	total := v.Reputation.TotalAssigned
	if total < 1 {
		total = 1
	}
	v.Reputation.Score = float64(v.Reputation.Signed) / float64(total)
}

// RecordMissed updates a validator that failed to produce a partial
// signature before the deadline (spec §4.5 record_missed).
func (s *Set) RecordMissed(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[address]
	if !ok {
		return
	}
	v.Reputation.Missed++
	v.Reputation.ConsecutiveFailures++
	penalty := missedPenaltyPerFailure * float64(v.Reputation.ConsecutiveFailures)
	v.Reputation.Score -= penalty
	if v.Reputation.Score < 0 {
		v.Reputation.Score = 0
	}
}

// Slash marks a validator as slashed for a protocol-detectable fault
// (double sign, equivocation). reason is the caller's responsibility to
// surface via telemetry/events; the Validator record itself only needs
// the resulting status (spec §4.5 slash).
func (s *Set) Slash(address string, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[address]
	if !ok {
		return
	}
	v.Status = StatusSlashed
	v.Reputation.Score = 0
}
