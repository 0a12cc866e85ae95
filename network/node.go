package network

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/findag-project/findag/committee"
	"github.com/findag-project/findag/dag"
	"github.com/findag-project/findag/mempool"
	"github.com/findag-project/findag/round"
)

// MessageHandler is called for each received message.
type MessageHandler func(peer *Peer, msg Message)

// DefaultMaxPeers is the default limit on simultaneous peer connections.
const DefaultMaxPeers = 50

// DAG is the subset of dag.Engine the network layer needs to admit
// gossiped or synced blocks and to answer block-fetch requests.
type DAG interface {
	Admit(b *dag.Block) error
	Get(id [32]byte) (*dag.Block, bool)
}

// RoundSigner produces this node's partial signature over a round
// header, if the local node holds a validator key. The committee
// package never learns about private keys directly; it only consumes
// whatever Node.RequestSignatures returns.
type RoundSigner interface {
	SignRoundHeader(headerHash [32]byte) (address string, sig []byte, ok bool)
}

// RoundSink accepts a sealed round observed over the network, used by
// Node to hand off gossiped rounds to the local round.Chain.
type RoundSink interface {
	Append(r *round.Round, engine *dag.Engine) error
}

// Node listens for incoming peers, manages outgoing connections, and
// gossips transactions, blocks, and sealed rounds between FinDAG nodes
// (spec §5 network boundary). It also implements committee.Broadcaster,
// collecting quorum partial signatures over the same connections.
type Node struct {
	nodeID     string
	listenAddr string
	mempool    *mempool.Mempool
	dagEngine  DAG
	signer     RoundSigner
	tlsConfig  *tls.Config // nil → plain TCP
	maxPeers   int

	mu       sync.RWMutex
	peers    map[string]*Peer
	handlers map[MsgType]MessageHandler

	signMu  sync.Mutex
	pending map[[32]byte]chan committee.PartialSignature

	listener net.Listener
	stopCh   chan struct{}
}

// NewNode creates a Node that will listen on listenAddr. Peers added
// with AddPeer are keyed by the id the caller passes (their validator
// address, the same identifier the committee package selects members
// by); peers accepted on the listener are keyed by their remote network
// address instead, so a sign request addressed by validator address
// reaches only outbound peers. If tlsCfg is non-nil the
// listener and outgoing connections use TLS.
func NewNode(nodeID, listenAddr string, mp *mempool.Mempool, dagEngine DAG, signer RoundSigner, tlsCfg *tls.Config) *Node {
	n := &Node{
		nodeID:     nodeID,
		listenAddr: listenAddr,
		mempool:    mp,
		dagEngine:  dagEngine,
		signer:     signer,
		tlsConfig:  tlsCfg,
		maxPeers:   DefaultMaxPeers,
		peers:      make(map[string]*Peer),
		handlers:   make(map[MsgType]MessageHandler),
		pending:    make(map[[32]byte]chan committee.PartialSignature),
		stopCh:     make(chan struct{}),
	}
	n.Handle(MsgTx, n.handleTx)
	n.Handle(MsgBlock, n.handleBlock)
	n.Handle(MsgSignRequest, n.handleSignRequest)
	n.Handle(MsgSignResponse, n.handleSignResponse)
	return n
}

// SetSigner attaches the local round signer after construction, for
// callers that need the Node itself (which embeds the transport) as
// the signer and so cannot supply it before NewNode returns.
func (n *Node) SetSigner(signer RoundSigner) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signer = signer
}

// Handle registers a handler for msg type.
func (n *Node) Handle(typ MsgType, h MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[typ] = h
}

// Start begins accepting connections.
func (n *Node) Start() error {
	var ln net.Listener
	var err error
	if n.tlsConfig != nil {
		ln, err = tls.Listen("tcp", n.listenAddr, n.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", n.listenAddr)
	}
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.listenAddr, err)
	}
	n.listener = ln
	go n.acceptLoop()
	return nil
}

// Stop shuts down the node.
func (n *Node) Stop() {
	close(n.stopCh)
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		p.Close()
	}
}

// AddPeer dials addr and registers the peer under validator address id.
func (n *Node) AddPeer(id, addr string) error {
	peer, err := Connect(id, addr, n.tlsConfig)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.peers[id] = peer
	n.mu.Unlock()
	go n.readLoop(peer)

	hello, err := json.Marshal(map[string]string{"node_id": n.nodeID})
	if err != nil {
		log.Printf("[network] marshal hello: %v", err)
		return nil
	}
	if err := peer.Send(Message{Type: MsgHello, Payload: hello}); err != nil {
		log.Printf("[network] send hello to %s: %v", id, err)
	}
	return nil
}

// Peer returns the connected peer with the given id, or nil if not found.
func (n *Node) Peer(id string) *Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peers[id]
}

// Broadcast sends msg to all connected peers.
func (n *Node) Broadcast(msg Message) {
	n.mu.RLock()
	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.RUnlock()
	for _, p := range peers {
		if err := p.Send(msg); err != nil {
			log.Printf("[network] broadcast to %s: %v", p.ID, err)
		}
	}
}

// BroadcastTx sends tx's canonical wire encoding to all peers (spec §6
// transaction wire form).
func (n *Node) BroadcastTx(tx *mempool.Transaction) {
	data, err := tx.Marshal()
	if err != nil {
		log.Printf("[network] marshal tx: %v", err)
		return
	}
	n.Broadcast(Message{Type: MsgTx, Payload: data})
}

// BroadcastBlock sends block's canonical wire encoding to all peers
// (spec §6 inbound block wire form).
func (n *Node) BroadcastBlock(b *dag.Block) {
	data, err := b.Marshal()
	if err != nil {
		log.Printf("[network] marshal block: %v", err)
		return
	}
	n.Broadcast(Message{Type: MsgBlock, Payload: data})
}

// BroadcastRound sends a sealed round's commit record to all peers
// (spec §6 outbound sealed-round byte form).
func (n *Node) BroadcastRound(r *round.Round) {
	n.Broadcast(Message{Type: MsgRound, Payload: r.Marshal()})
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
				log.Printf("[network] accept error: %v", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		n.mu.RLock()
		peerCount := len(n.peers)
		n.mu.RUnlock()
		if peerCount >= n.maxPeers {
			log.Printf("[network] max peers (%d) reached, rejecting %s", n.maxPeers, conn.RemoteAddr())
			conn.Close()
			continue
		}
		peer := NewPeer(conn.RemoteAddr().String(), conn.RemoteAddr().String(), conn)
		n.mu.Lock()
		n.peers[peer.ID] = peer
		n.mu.Unlock()
		go n.readLoop(peer)
	}
}

func (n *Node) readLoop(peer *Peer) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[network] readLoop panic from %s: %v", peer.ID, r)
		}
		peer.Close()
		n.mu.Lock()
		delete(n.peers, peer.ID)
		n.mu.Unlock()
	}()
	for {
		msg, err := peer.Receive()
		if err != nil {
			return
		}
		n.mu.RLock()
		h, ok := n.handlers[msg.Type]
		n.mu.RUnlock()
		if ok {
			h(peer, msg)
		}
	}
}

func (n *Node) handleTx(_ *Peer, msg Message) {
	tx, err := mempool.Unmarshal(msg.Payload)
	if err != nil {
		log.Printf("[network] unmarshal tx: %v", err)
		return
	}
	if res := n.mempool.Submit(tx); !res.Accepted {
		log.Printf("[network] tx %x rejected: %s", tx.ID, res.Reason)
	}
}

func (n *Node) handleBlock(_ *Peer, msg Message) {
	b, err := dag.Unmarshal(msg.Payload)
	if err != nil {
		log.Printf("[network] unmarshal block: %v", err)
		return
	}
	if err := n.dagEngine.Admit(b); err != nil {
		log.Printf("[network] admit block %x: %v", b.BlockID, err)
	}
}

// signRequestPayload is the request half of the sign-request/response
// exchange that backs RequestSignatures.
type signRequestPayload struct {
	HeaderHash  [32]byte `json:"header_hash"`
	RoundNumber uint64   `json:"round_number"`
}

type signResponsePayload struct {
	HeaderHash [32]byte `json:"header_hash"`
	Address    string   `json:"address"`
	Signature  []byte   `json:"signature"`
}

func (n *Node) handleSignRequest(peer *Peer, msg Message) {
	if n.signer == nil {
		return
	}
	var req signRequestPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		log.Printf("[network] unmarshal sign request: %v", err)
		return
	}
	address, sig, ok := n.signer.SignRoundHeader(req.HeaderHash)
	if !ok {
		return
	}
	resp, err := json.Marshal(signResponsePayload{HeaderHash: req.HeaderHash, Address: address, Signature: sig})
	if err != nil {
		log.Printf("[network] marshal sign response: %v", err)
		return
	}
	if err := peer.Send(Message{Type: MsgSignResponse, Payload: resp}); err != nil {
		log.Printf("[network] send sign response: %v", err)
	}
}

func (n *Node) handleSignResponse(_ *Peer, msg Message) {
	var resp signResponsePayload
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		log.Printf("[network] unmarshal sign response: %v", err)
		return
	}
	n.signMu.Lock()
	ch, ok := n.pending[resp.HeaderHash]
	n.signMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- committee.PartialSignature{Address: resp.Address, Signature: resp.Signature, RespondedAt: time.Now()}:
	default:
	}
}

// RequestSignatures implements committee.Broadcaster: it asks every
// committee member for its signature over headerHash and streams back
// partial signatures as they arrive over the peer connections keyed by
// validator address, closing the channel once the committee's fallback
// deadline passes.
func (n *Node) RequestSignatures(c *committee.Committee, headerHash [32]byte) <-chan committee.PartialSignature {
	ch := make(chan committee.PartialSignature, len(c.Members))
	n.signMu.Lock()
	n.pending[headerHash] = ch
	n.signMu.Unlock()

	req, err := json.Marshal(signRequestPayload{HeaderHash: headerHash, RoundNumber: c.RoundNumber})
	if err != nil {
		log.Printf("[network] marshal sign request: %v", err)
	} else {
		for _, member := range c.Members {
			if peer := n.Peer(member.Address); peer != nil {
				if err := peer.Send(Message{Type: MsgSignRequest, Payload: req}); err != nil {
					log.Printf("[network] send sign request to %s: %v", member.Address, err)
				}
			}
		}
		if address, sig, ok := n.localSign(headerHash); ok {
			select {
			case ch <- committee.PartialSignature{Address: address, Signature: sig, RespondedAt: time.Now()}:
			default:
			}
		}
	}

	go func() {
		<-time.After(time.Until(c.Deadline))
		n.signMu.Lock()
		delete(n.pending, headerHash)
		n.signMu.Unlock()
		close(ch)
	}()
	return ch
}

func (n *Node) localSign(headerHash [32]byte) (string, []byte, bool) {
	if n.signer == nil {
		return "", nil, false
	}
	return n.signer.SignRoundHeader(headerHash)
}
