package round

import (
	"log"
	"time"

	"github.com/findag-project/findag/chainevents"
	"github.com/findag-project/findag/committee"
	"github.com/findag-project/findag/crypto"
	"github.com/findag-project/findag/dag"
	"github.com/findag-project/findag/findagtime"
	"github.com/findag-project/findag/telemetry"
)

// Sealer persists a sealed round; the concrete implementation lives in
// the storage package (spec §4.8 step 3, the commit point).
type Sealer interface {
	PersistRound(r *Round) error
}

// Scheduler runs the deterministic checkpoint loop in spec §4.7: on
// each tick, collect finalizable blocks, build and seal a round via the
// committee manager, append it, and persist it. Grounded on
// consensus/poa.go's Run ticker loop.
type Scheduler struct {
	interval        time.Duration
	chain           *Chain
	engine          *dag.Engine
	clock           *findagtime.Clock
	committeeMgr    *committee.Manager
	sealer          Sealer
	emitter         *chainevents.Emitter
	sink            *telemetry.Sink
	proposerPriv    crypto.PrivateKey
	proposerPub     crypto.PublicKey
	proposer        [32]byte
	skipEmptyRounds bool
}

// NewScheduler constructs a round Scheduler.
func NewScheduler(
	interval time.Duration,
	chain *Chain,
	engine *dag.Engine,
	clock *findagtime.Clock,
	committeeMgr *committee.Manager,
	sealer Sealer,
	emitter *chainevents.Emitter,
	sink *telemetry.Sink,
	proposerPriv crypto.PrivateKey,
	skipEmptyRounds bool,
) *Scheduler {
	pub := proposerPriv.Public()
	var proposer [32]byte
	copy(proposer[:], pub)
	return &Scheduler{
		interval:        interval,
		chain:           chain,
		engine:          engine,
		clock:           clock,
		committeeMgr:    committeeMgr,
		sealer:          sealer,
		emitter:         emitter,
		sink:            sink,
		proposerPriv:    proposerPriv,
		proposerPub:     pub,
		proposer:        proposer,
		skipEmptyRounds: skipEmptyRounds,
	}
}

// Tick runs one checkpoint iteration (spec §4.7 checkpoint loop body).
// It returns the sealed round; nil with a nil error when an empty round
// is skipped; nil with the error when the round cannot be built or
// appended, the committee cannot be selected or quorum is not reached;
// and the sealed
// round together with the error when persisting it fails.
func (s *Scheduler) Tick() (*Round, error) {
	cutoff := s.clock.Now()
	blocks := s.engine.CollectFinalizable(cutoff)
	if len(blocks) == 0 && s.skipEmptyRounds {
		return nil, nil
	}

	unsigned, err := s.chain.BuildRound(blocks, cutoff, s.proposer)
	if err != nil {
		return nil, err
	}
	unsigned.Sign(s.proposerPriv, s.proposerPub)

	headerHash := crypto.Hash32(unsigned.round.signingBytes())
	nextNumber := unsigned.round.RoundNumber

	sealedCommittee, quorumSig, err := s.committeeMgr.SealRound(nextNumber, headerHash)
	if err != nil {
		if s.emitter != nil {
			s.emitter.Emit(chainevents.Event{Type: chainevents.EventRoundDeferred, RoundNumber: nextNumber})
		}
		if s.sink != nil {
			s.sink.ObserveRoundDeferred()
		}
		return nil, err
	}
	if sealedCommittee.FallbackUsed {
		if s.emitter != nil {
			s.emitter.Emit(chainevents.Event{Type: chainevents.EventQuorumFallback, RoundNumber: nextNumber})
		}
		if s.sink != nil {
			s.sink.ObserveQuorumFallback()
		}
	}

	sealed := unsigned.AttachQuorum(quorumSig)
	if err := s.chain.Append(sealed, s.engine); err != nil {
		return nil, err
	}
	if s.sealer != nil {
		if err := s.sealer.PersistRound(sealed); err != nil {
			log.Printf("[round] persist round %d failed: %v", sealed.RoundNumber, err)
			return sealed, err
		}
	}
	if s.emitter != nil {
		s.emitter.Emit(chainevents.Event{Type: chainevents.EventRoundSealed, RoundNumber: sealed.RoundNumber})
	}
	if s.sink != nil {
		quorumLatencyMs := float64(time.Since(time.UnixMicro(int64(cutoff))).Milliseconds())
		s.sink.ObserveRoundSealed(quorumLatencyMs)
	}
	return sealed, nil
}

// Run starts the checkpoint loop, ticking every interval until done is
// closed (spec §5 cooperative task model: "one round finalizer").
func (s *Scheduler) Run(done <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, err := s.Tick(); err != nil {
				log.Printf("[round] tick error: %v", err)
			}
		}
	}
}
