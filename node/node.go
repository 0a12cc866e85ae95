// Package node composes FinDAG Time (C1), the mempool (C2), the block
// producer (C3), the DAG engine (C4), the validator set (C5), the
// committee manager (C6), the round chain (C7), and persistence (C8)
// into one running validator process, wired to its peers over the
// network package.
package node

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/findag-project/findag/chainevents"
	"github.com/findag-project/findag/committee"
	"github.com/findag-project/findag/config"
	"github.com/findag-project/findag/crypto"
	"github.com/findag-project/findag/dag"
	"github.com/findag-project/findag/findagtime"
	"github.com/findag-project/findag/mempool"
	"github.com/findag-project/findag/network"
	"github.com/findag-project/findag/producer"
	"github.com/findag-project/findag/round"
	"github.com/findag-project/findag/storage"
	"github.com/findag-project/findag/telemetry"
	"github.com/findag-project/findag/validator"
)

// Node is one running FinDAG validator. New requires a validator
// private key: it derives the node's address from it and signs the
// genesis round with it, so there is no keyless observer mode.
type Node struct {
	cfg     *config.Config
	priv    crypto.PrivateKey
	pub     crypto.PublicKey
	address string

	clock        *findagtime.Clock
	mempool      *mempool.Mempool
	engine       *dag.Engine
	validators   *validator.Set
	committeeMgr *committee.Manager
	chain        *round.Chain
	scheduler    *round.Scheduler
	producers    []*producer.Producer
	store        *storage.Store
	emitter      *chainevents.Emitter
	sink         *telemetry.Sink
	transport    *network.Node
	syncer       *network.Syncer

	done chan struct{}
}

// New wires up a Node from cfg, a validator private key, an opened
// storage backend, and an optional Prometheus registerer (nil disables
// metrics).
func New(cfg *config.Config, priv crypto.PrivateKey, db storage.DB, reg prometheus.Registerer, tlsCfg *tls.Config) (*Node, error) {
	pub := priv.Public()
	address := pub.Address()

	emitter := chainevents.NewEmitter()
	sink := telemetry.New(reg)
	clock := findagtime.New()
	store := storage.NewStore(db)

	validators, err := config.LoadGenesisValidators(cfg)
	if err != nil {
		return nil, fmt.Errorf("node: load genesis validators: %w", err)
	}
	persisted, err := store.ListValidators()
	if err != nil {
		return nil, fmt.Errorf("node: list persisted validators: %w", err)
	}
	for _, v := range persisted {
		validators.Restore(v)
	}

	assets := make(map[string]bool, len(cfg.AssetWhitelist))
	for _, a := range cfg.AssetWhitelist {
		assets[a] = true
	}
	mp := mempool.New(mempool.Config{
		ShardCount:    cfg.ShardCount,
		ShardCapacity: cfg.ShardCapacity,
	}, nil, assets, sink)

	engine := dag.New()

	chain := round.New(config.GenesisParentHash)
	_, hasLatest, err := store.LatestRoundNumber()
	if err != nil {
		return nil, fmt.Errorf("node: read latest round: %w", err)
	}
	if !hasLatest {
		genesis := config.BuildGenesisRound(priv, pub)
		if err := store.PersistRound(genesis); err != nil {
			return nil, fmt.Errorf("node: persist genesis round: %w", err)
		}
	}
	if err := store.Recover(chain, engine); err != nil {
		return nil, fmt.Errorf("node: recover: %w", err)
	}
	// The genesis anchor carries no parents, so it can never round-trip
	// through Block.Marshal (spec §6's block wire form requires at least
	// one parent) and is never persisted. It is instead reseeded directly
	// into the engine on every startup, bypassing Admit's parent checks,
	// so the first real block always has a tip to chain from.
	engine.Seed(config.BuildGenesisBlock(priv, pub), false, 0)

	committeeCfg := committee.Config{
		CommitteeSize:          cfg.CommitteeSize,
		MinQuorumSize:          cfg.MinQuorumSize,
		RotationIntervalRounds: cfg.RotationIntervalRounds,
		FallbackTimeout:        time.Duration(cfg.FallbackTimeoutMs) * time.Millisecond,
		ReputationThreshold:    cfg.ReputationThreshold,
	}

	transport := network.NewNode(address, fmt.Sprintf(":%d", cfg.P2PPort), mp, engine, nil, tlsCfg)
	committeeMgr := committee.NewManager(validators, committeeCfg, transport)

	scheduler := round.NewScheduler(
		time.Duration(cfg.RoundIntervalMs)*time.Millisecond,
		chain, engine, clock, committeeMgr, store, emitter, sink,
		priv, cfg.SkipEmptyRounds,
	)

	producers := make([]*producer.Producer, cfg.ShardCount)
	for i := range producers {
		producers[i] = producer.New(producer.Config{
			ShardID:          uint32(i),
			MaxParents:       cfg.MaxParentsPerBlock,
			MaxTxsPerBlock:   cfg.MaxTxsPerBlock,
			MaxBytesPerBlock: cfg.MaxBytesPerBlock,
			SkipEmptyBlocks:  cfg.SkipEmptyBlocks,
		}, clock, mp, engine, emitter, sink, priv)
		producers[i].SetBlockSink(store)
	}

	syncer := network.NewSyncer(transport, engine, chain)

	n := &Node{
		cfg:          cfg,
		priv:         priv,
		pub:          pub,
		address:      address,
		clock:        clock,
		mempool:      mp,
		engine:       engine,
		validators:   validators,
		committeeMgr: committeeMgr,
		chain:        chain,
		scheduler:    scheduler,
		producers:    producers,
		store:        store,
		emitter:      emitter,
		sink:         sink,
		transport:    transport,
		syncer:       syncer,
		done:         make(chan struct{}),
	}
	transport.SetSigner(n)
	transport.Handle(network.MsgRound, n.handleRound)
	transport.Handle(network.MsgBlock, n.handleBlock)
	return n, nil
}

// SignRoundHeader implements network.RoundSigner: if this node's
// address is an active validator in the set it returns a partial signature
// over headerHash, the same value quorum.go verifies partials against.
func (n *Node) SignRoundHeader(headerHash [32]byte) (string, []byte, bool) {
	v, ok := n.validators.Get(n.address)
	if !ok || v.Status != validator.StatusActive {
		return "", nil, false
	}
	return n.address, crypto.SignRaw(n.priv, headerHash[:]), true
}

// Address returns this node's validator address.
func (n *Node) Address() string { return n.address }

// SubmitTransaction admits tx into the local mempool and, if accepted,
// gossips it to peers.
func (n *Node) SubmitTransaction(tx *mempool.Transaction) mempool.Result {
	res := n.mempool.Submit(tx)
	if res.Accepted {
		n.transport.BroadcastTx(tx)
	}
	return res
}

// Start begins listening for peers, connecting to configured seed
// peers, and running the production and round-sealing loops.
func (n *Node) Start() error {
	if err := n.transport.Start(); err != nil {
		return err
	}
	for _, sp := range n.cfg.SeedPeers {
		if err := n.transport.AddPeer(sp.ID, sp.Addr); err != nil {
			log.Printf("[node] connect seed peer %s (%s): %v", sp.ID, sp.Addr, err)
		}
	}
	go n.runRounds()
	for _, p := range n.producers {
		go n.runProducer(p)
	}
	return nil
}

// Stop halts all running loops and the transport.
func (n *Node) Stop() {
	close(n.done)
	n.transport.Stop()
}

func (n *Node) runRounds() {
	ticker := time.NewTicker(time.Duration(n.cfg.RoundIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			sealed, err := n.scheduler.Tick()
			if err != nil {
				log.Printf("[node] round tick: %v", err)
				continue
			}
			if sealed != nil {
				n.transport.BroadcastRound(sealed)
				n.advanceAdmissionHorizon()
			}
		}
	}
}

// advanceAdmissionHorizon recomputes the DAG engine's stale-block floor
// from the latest finalized time, trailing it by the configured
// admission-horizon window (spec §4.4: blocks whose findag_time falls
// behind the window are no longer admissible, bounding how far a
// straggling block can lag finalized state).
func (n *Node) advanceAdmissionHorizon() {
	latest := n.engine.LatestFinalizedTime()
	window := findagtime.FinDAGTime(n.cfg.AdmissionHorizonRounds) * findagtime.FinDAGTime(n.cfg.RoundIntervalMs) * 1000
	if latest <= window {
		return
	}
	n.engine.SetAdmissionHorizon(latest - window)
}

func (n *Node) runProducer(p *producer.Producer) {
	ticker := time.NewTicker(time.Duration(n.cfg.BlockProductionIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			b, err := p.ProduceBlock()
			if err != nil {
				if err != producer.ErrNothingToProduce {
					log.Printf("[node] produce block: %v", err)
				}
				continue
			}
			n.transport.BroadcastBlock(b)
		}
	}
}

func (n *Node) handleBlock(peer *network.Peer, msg network.Message) {
	b, err := dag.Unmarshal(msg.Payload)
	if err != nil {
		log.Printf("[node] unmarshal gossiped block: %v", err)
		return
	}
	if err := b.Verify(); err != nil {
		log.Printf("[node] reject gossiped block %x: %v", b.BlockID, err)
		return
	}
	n.admitWithMissingParents(peer, b)
}

// admitWithMissingParents admits b, and if the engine reports
// dag.ErrUnknownParent, fetches the missing parents from peer one at a
// time and retries (spec §4.4: "must be requested from the transport;
// admission is retried when the parent arrives"). Fetched parents are
// admitted and persisted in turn before b is retried; each fetched
// parent goes through this same function, so a chain of several missing
// ancestors resolves depth-first from b backward.
func (n *Node) admitWithMissingParents(peer *network.Peer, b *dag.Block) {
	for {
		err := n.engine.Admit(b)
		if err == nil {
			if err := n.store.PersistBlock(b); err != nil {
				log.Printf("[node] persist gossiped block %x: %v", b.BlockID, err)
			}
			return
		}
		if !errors.Is(err, dag.ErrUnknownParent) || peer == nil {
			log.Printf("[node] admit gossiped block %x: %v", b.BlockID, err)
			return
		}
		fetched := false
		for _, pid := range b.ParentBlockIDs {
			if _, ok := n.engine.Get(pid); ok {
				continue
			}
			parent, ferr := n.syncer.FetchBlock(peer, pid)
			if ferr != nil {
				log.Printf("[node] fetch missing parent %x of block %x: %v", pid, b.BlockID, ferr)
				return
			}
			if verr := parent.Verify(); verr != nil {
				log.Printf("[node] reject fetched parent %x: %v", pid, verr)
				return
			}
			n.admitWithMissingParents(peer, parent)
			fetched = true
		}
		if !fetched {
			log.Printf("[node] admit gossiped block %x: %v", b.BlockID, err)
			return
		}
	}
}

func (n *Node) handleRound(peer *network.Peer, msg network.Message) {
	r, err := round.Unmarshal(msg.Payload)
	if err != nil {
		log.Printf("[node] unmarshal gossiped round: %v", err)
		return
	}
	if err := n.syncer.CatchUpRound(peer, r, n.engine); err != nil {
		log.Printf("[node] catch up round %d: %v", r.RoundNumber, err)
		return
	}
	if err := n.store.PersistRound(r); err != nil {
		log.Printf("[node] persist gossiped round %d: %v", r.RoundNumber, err)
	}
}
