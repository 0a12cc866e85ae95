// Package producer implements the per-shard block production loop
// described in spec §4.3 (C3): drain a shard's mempool at a bounded
// cadence, stamp a multi-parent block with FinDAG Time and HashTimer,
// sign it, and hand it to the DAG engine.
package producer

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/findag-project/findag/chainevents"
	"github.com/findag-project/findag/crypto"
	"github.com/findag-project/findag/dag"
	"github.com/findag-project/findag/findagtime"
	"github.com/findag-project/findag/mempool"
	"github.com/findag-project/findag/telemetry"
)

// Config bounds one producer's per-tick build (spec §6 configuration).
type Config struct {
	ShardID          uint32
	MaxParents       int // K in spec §4.3
	MaxTxsPerBlock   int
	MaxBytesPerBlock int
	SkipEmptyBlocks  bool
}

// BlockSink durably persists a produced block. Optional: a Producer
// with no sink configured still admits blocks to the DAG engine, it
// just has nothing to replay them from after a restart.
type BlockSink interface {
	PersistBlock(b *dag.Block) error
}

// Producer builds and signs blocks for one shard. It holds no lock of
// its own: the DAG engine and mempool are each already single-writer
// safe, and a Producer is the only task draining its configured shard
// (spec §5).
type Producer struct {
	cfg       Config
	clock     *findagtime.Clock
	mempool   *mempool.Mempool
	engine    *dag.Engine
	emitter   *chainevents.Emitter
	sink      *telemetry.Sink
	blockSink BlockSink
	privKey   crypto.PrivateKey
	pubKey    crypto.PublicKey
	proposer  [32]byte
	nonce     uint64
}

// New creates a Producer for one shard, identified by privKey.
func New(cfg Config, clock *findagtime.Clock, mp *mempool.Mempool, engine *dag.Engine, emitter *chainevents.Emitter, sink *telemetry.Sink, privKey crypto.PrivateKey) *Producer {
	pub := privKey.Public()
	var proposer [32]byte
	copy(proposer[:], pub)
	if cfg.MaxParents < 1 {
		cfg.MaxParents = 1
	}
	if cfg.MaxParents > 255 {
		cfg.MaxParents = 255
	}
	return &Producer{
		cfg:      cfg,
		clock:    clock,
		mempool:  mp,
		engine:   engine,
		emitter:  emitter,
		sink:     sink,
		privKey:  privKey,
		pubKey:   pub,
		proposer: proposer,
	}
}

// SetBlockSink attaches durable persistence after construction, for
// callers that open storage after building the production pipeline.
func (p *Producer) SetBlockSink(sink BlockSink) {
	p.blockSink = sink
}

// ErrNothingToProduce is returned when the shard is empty and the
// producer is configured to skip empty ticks rather than emit a
// heartbeat block.
var ErrNothingToProduce = fmt.Errorf("producer: shard empty, skipping")

// ProduceBlock runs the build algorithm in spec §4.3 steps 1-7 once.
func (p *Producer) ProduceBlock() (*dag.Block, error) {
	t0 := p.clock.Now()

	parentBlocks := p.engine.TopTips(p.cfg.MaxParents)
	if len(parentBlocks) == 0 {
		return nil, fmt.Errorf("producer: no tips available to parent a block")
	}
	parentIDs := make([][32]byte, len(parentBlocks))
	maxParentTime := findagtime.FinDAGTime(0)
	for i, parent := range parentBlocks {
		parentIDs[i] = parent.BlockID
		if parent.FindagTime > maxParentTime {
			maxParentTime = parent.FindagTime
		}
	}

	txs := p.mempool.Drain(p.cfg.ShardID, p.cfg.MaxTxsPerBlock, p.cfg.MaxBytesPerBlock, t0)
	if len(txs) == 0 && p.cfg.SkipEmptyBlocks {
		return nil, ErrNothingToProduce
	}

	txIDs := make([][32]byte, len(txs))
	for i, tx := range txs {
		txIDs[i] = tx.ID
	}
	merkleRoot := dag.MerkleRoot(txIDs)

	ft := p.clock.AdvancePast(maxParentTime)
	if ft <= t0 {
		ft = p.clock.AdvancePast(t0)
	}

	nonce := atomic.AddUint64(&p.nonce, 1)
	hashtimer := findagtime.Compute(ft, p.proposer, nonce, merkleRoot)

	block := &dag.Block{
		ParentBlockIDs: parentIDs,
		TxIDs:          txIDs,
		FindagTime:     ft,
		HashTimer:      hashtimer,
		Proposer:       p.proposer,
		ShardID:        p.cfg.ShardID,
		MerkleRoot:     merkleRoot,
		PublicKey:      p.pubKey,
	}
	if err := block.Sign(p.privKey); err != nil {
		return nil, fmt.Errorf("producer: sign block: %w", err)
	}

	if err := p.engine.Admit(block); err != nil {
		return nil, fmt.Errorf("producer: admit own block: %w", err)
	}
	if p.blockSink != nil {
		if err := p.blockSink.PersistBlock(block); err != nil {
			log.Printf("[producer] shard %d: persist block %x: %v", p.cfg.ShardID, block.BlockID, err)
		}
	}

	if p.sink != nil {
		p.sink.ObserveBlockAdmitted()
	}
	if p.emitter != nil {
		p.emitter.Emit(chainEventBlockProduced(block))
	}
	return block, nil
}

func chainEventBlockProduced(b *dag.Block) chainevents.Event {
	return chainevents.Event{
		Type:    chainevents.EventBlockProduced,
		BlockID: fmt.Sprintf("%x", b.BlockID),
		Data: map[string]any{
			"shard_id": b.ShardID,
			"tx_count": len(b.TxIDs),
		},
	}
}

// Run starts the production loop at interval, draining this producer's
// shard until done is closed (spec §4.3 cadence, §5 cooperative task
// model).
func (p *Producer) Run(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, err := p.ProduceBlock(); err != nil && err != ErrNothingToProduce {
				log.Printf("[producer] shard %d: produce block error: %v", p.cfg.ShardID, err)
			}
		}
	}
}
