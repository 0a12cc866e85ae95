package mempool

import (
	"github.com/findag-project/findag/findagtime"
	"github.com/findag-project/findag/telemetry"
)

// RejectReason classifies why Submit declined a transaction (spec §4.2).
type RejectReason string

const (
	RejectInvalidShard     RejectReason = "invalid_shard"
	RejectInvalidSignature RejectReason = "invalid_signature"
	RejectNotAuthorized    RejectReason = "not_authorized"
	RejectUnknownAsset     RejectReason = "unknown_asset"
	RejectDuplicate        RejectReason = "duplicate"
	RejectOversize         RejectReason = "oversize"
	RejectShardFull        RejectReason = "shard_full"
)

// maxTxBytes bounds a single transaction's canonical encoding.
const maxTxBytes = 64 * 1024

// HandleAuthorizer checks whether a handle is currently authorized to
// submit transactions. The concrete identity registry lives outside
// this module (spec §6); mempool only consumes the interface.
type HandleAuthorizer interface {
	IsAuthorized(handle [32]byte) bool
}

// Result is the outcome of a Submit call.
type Result struct {
	Accepted bool
	Reason   RejectReason // zero value when Accepted
}

// Config bounds the mempool's admission policy (spec §6 parameters).
type Config struct {
	ShardCount       uint32
	ShardCapacity    int
	ReplayHorizon    int // expected population size for the replay filter
	FalsePositiveRate float64
}

// Mempool is the sharded admission queue described in spec §4.2 (C2). It
// owns one shard per shard ID plus a cluster-wide replay filter that
// outlives any single shard's drain.
type Mempool struct {
	shards      []*shard
	replay      *replayFilter
	authorizer  HandleAuthorizer
	assets      map[string]bool
	sink        *telemetry.Sink
}

// New constructs a Mempool. authorizer and assets may be nil/empty only
// in tests that do not exercise those checks.
func New(cfg Config, authorizer HandleAuthorizer, assets map[string]bool, sink *telemetry.Sink) *Mempool {
	shards := make([]*shard, cfg.ShardCount)
	for i := range shards {
		shards[i] = newShard(uint32(i), cfg.ShardCapacity)
	}
	fpRate := cfg.FalsePositiveRate
	if fpRate <= 0 {
		fpRate = 0.01
	}
	horizon := cfg.ReplayHorizon
	if horizon <= 0 {
		horizon = cfg.ShardCapacity * int(cfg.ShardCount)
	}
	return &Mempool{
		shards:     shards,
		replay:     newReplayFilter(horizon, fpRate),
		authorizer: authorizer,
		assets:     assets,
		sink:       sink,
	}
}

// Submit runs the admission checks in the order spec §4.2 pins: shard
// validity, signature, authorization, asset whitelist, replay/duplicate,
// size cap, then shard-full.
func (m *Mempool) Submit(tx *Transaction) Result {
	if tx.ShardID >= uint32(len(m.shards)) {
		return m.reject(RejectInvalidShard)
	}
	if err := tx.Verify(); err != nil {
		return m.reject(RejectInvalidSignature)
	}
	if m.authorizer != nil && !m.authorizer.IsAuthorized(tx.From) {
		return m.reject(RejectNotAuthorized)
	}
	if len(m.assets) > 0 && !m.assets[tx.Asset] {
		return m.reject(RejectUnknownAsset)
	}
	if m.replay.mightContain(tx.ID) {
		return m.reject(RejectDuplicate)
	}
	encoded, err := tx.Marshal()
	if err != nil || len(encoded) > maxTxBytes {
		return m.reject(RejectOversize)
	}

	sh := m.shards[tx.ShardID]
	if !sh.insert(tx) {
		if sh.has(tx.ID) {
			return m.reject(RejectDuplicate)
		}
		return m.reject(RejectShardFull)
	}
	m.replay.add(tx.ID)
	if m.sink != nil {
		m.sink.ObserveMempoolDepth(tx.ShardID, sh.size())
	}
	return Result{Accepted: true}
}

func (m *Mempool) reject(reason RejectReason) Result {
	if m.sink != nil {
		m.sink.ObserveFault("mempool_reject_" + string(reason))
	}
	return Result{Accepted: false, Reason: reason}
}

// Drain removes and returns up to maxCount transactions (bounded also by
// maxBytes of combined canonical encoding) from shardID's front, for the
// producer to fold into a block (spec §4.2 Drain, §4.3).
//
// cutoffTime is accepted for interface symmetry with the admission
// horizon described in spec §4.2, but the replay filter already enforces
// duplicate rejection independent of wall time; shards themselves carry
// no time-based eviction.
func (m *Mempool) Drain(shardID uint32, maxCount int, maxBytes int, _ findagtime.FinDAGTime) []*Transaction {
	if shardID >= uint32(len(m.shards)) {
		return nil
	}
	return m.shards[shardID].drain(maxCount, maxBytes)
}

// Size returns the number of pending (undrained) transactions in one shard.
func (m *Mempool) Size(shardID uint32) int {
	if shardID >= uint32(len(m.shards)) {
		return 0
	}
	return m.shards[shardID].size()
}

// SizeTotal returns the pending count across every shard.
func (m *Mempool) SizeTotal() int {
	total := 0
	for _, sh := range m.shards {
		total += sh.size()
	}
	return total
}

// ShardCount returns the number of shards this mempool was constructed with.
func (m *Mempool) ShardCount() uint32 {
	return uint32(len(m.shards))
}
