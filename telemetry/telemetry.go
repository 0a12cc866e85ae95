// Package telemetry is the concrete shape of the metrics/audit sink that
// spec §1 and §7 name as an external collaborator: the core never halts
// on a missing or unreachable sink, it just stops reporting to it.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink collects the observability signals the ordering/finality core
// emits. A nil *Sink is valid and every method becomes a no-op, so
// components can hold an optional sink without a presence check at
// every call site.
type Sink struct {
	registerer prometheus.Registerer

	mempoolDepth     *prometheus.GaugeVec
	blocksAdmitted   prometheus.Counter
	roundsSealed     prometheus.Counter
	roundsDeferred   prometheus.Counter
	quorumFallbacks  prometheus.Counter
	quorumLatencyMs  prometheus.Histogram
	validatorScore   *prometheus.GaugeVec
	faultsObserved   *prometheus.CounterVec
}

// New creates a Sink that registers its collectors into reg (cmd/node
// passes prometheus.DefaultRegisterer). Pass nil to get a disabled Sink
// (every Observe* call becomes a no-op) for tests that don't care about
// metrics.
func New(reg prometheus.Registerer) *Sink {
	if reg == nil {
		return nil
	}
	s := &Sink{
		registerer: reg,
		mempoolDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "findag",
			Subsystem: "mempool",
			Name:      "depth",
			Help:      "Pending transaction count per shard.",
		}, []string{"shard"}),
		blocksAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "findag",
			Subsystem: "dag",
			Name:      "blocks_admitted_total",
			Help:      "Blocks accepted into the local DAG.",
		}),
		roundsSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "findag",
			Subsystem: "round",
			Name:      "sealed_total",
			Help:      "Rounds sealed with quorum.",
		}),
		roundsDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "findag",
			Subsystem: "round",
			Name:      "deferred_total",
			Help:      "Round ticks that failed to reach quorum and were deferred.",
		}),
		quorumFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "findag",
			Subsystem: "committee",
			Name:      "fallback_total",
			Help:      "Times a committee fallback selection was triggered.",
		}),
		quorumLatencyMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "findag",
			Subsystem: "committee",
			Name:      "quorum_latency_ms",
			Help:      "Milliseconds from round broadcast to quorum reached.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		validatorScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "findag",
			Subsystem: "validator",
			Name:      "reputation_score",
			Help:      "Current reputation score per validator address.",
		}, []string{"address"}),
		faultsObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "findag",
			Subsystem: "core",
			Name:      "faults_total",
			Help:      "Internal faults clamped locally instead of aborting the process.",
		}, []string{"kind"}),
	}
	for _, c := range []prometheus.Collector{
		s.mempoolDepth, s.blocksAdmitted, s.roundsSealed, s.roundsDeferred,
		s.quorumFallbacks, s.quorumLatencyMs, s.validatorScore, s.faultsObserved,
	} {
		_ = reg.Register(c) // duplicate registration from re-wiring a test node is harmless
	}
	return s
}

func (s *Sink) ObserveMempoolDepth(shardID uint32, depth int) {
	if s == nil {
		return
	}
	s.mempoolDepth.WithLabelValues(shardLabel(shardID)).Set(float64(depth))
}

func (s *Sink) ObserveBlockAdmitted() {
	if s == nil {
		return
	}
	s.blocksAdmitted.Inc()
}

func (s *Sink) ObserveRoundSealed(quorumLatencyMs float64) {
	if s == nil {
		return
	}
	s.roundsSealed.Inc()
	s.quorumLatencyMs.Observe(quorumLatencyMs)
}

func (s *Sink) ObserveRoundDeferred() {
	if s == nil {
		return
	}
	s.roundsDeferred.Inc()
}

func (s *Sink) ObserveQuorumFallback() {
	if s == nil {
		return
	}
	s.quorumFallbacks.Inc()
}

func (s *Sink) ObserveValidatorScore(address string, score float64) {
	if s == nil {
		return
	}
	s.validatorScore.WithLabelValues(address).Set(score)
}

// ObserveFault records an internal fault that was clamped locally rather
// than propagated — e.g. a clock regression or a dropped peer sample.
func (s *Sink) ObserveFault(kind string) {
	if s == nil {
		return
	}
	s.faultsObserved.WithLabelValues(kind).Inc()
}

var shardLabelCache sync.Map // uint32 -> string

func shardLabel(shardID uint32) string {
	if v, ok := shardLabelCache.Load(shardID); ok {
		return v.(string)
	}
	label := itoa(shardID)
	shardLabelCache.Store(shardID, label)
	return label
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
