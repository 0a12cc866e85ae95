package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/findag-project/findag/dag"
	"github.com/findag-project/findag/round"
)

// getBlockRequest asks a peer for one block by id, used to pull a
// missing parent on demand when dag.Engine.Admit reports
// dag.ErrUnknownParent (spec §4.4).
type getBlockRequest struct {
	BlockID [32]byte `json:"block_id"`
}

type blockResponse struct {
	BlockID [32]byte `json:"block_id"`
	Found   bool     `json:"found"`
	Block   []byte   `json:"block,omitempty"` // canonical wire form, spec §6
}

// getRoundRequest asks a peer for one sealed round by number, used for
// round catch-up after a restart or a missed gossip message.
type getRoundRequest struct {
	RoundNumber uint64 `json:"round_number"`
}

type roundResponse struct {
	RoundNumber uint64 `json:"round_number"`
	Found       bool   `json:"found"`
	Round       []byte `json:"round,omitempty"` // sealed-round commit record, spec §6
}

// RoundAppender is the subset of round.Chain the syncer needs to apply
// a fetched round.
type RoundAppender interface {
	Append(r *round.Round, engine *dag.Engine) error
	Get(roundNumber uint64) (*round.Round, bool)
}

// Syncer fetches missing DAG blocks and sealed rounds from peers on
// demand, rather than walking a single linear chain by height: the DAG
// has no total height, so catch-up is driven by "what does Admit say
// is missing" and "what round number comes next" instead (spec §4.4,
// §4.7).
type Syncer struct {
	node   *Node
	engine *dag.Engine
	chain  RoundAppender

	pendingBlocks map[[32]byte]chan *dag.Block
	pendingRounds map[uint64]chan *round.Round
}

// NewSyncer wires a Syncer's handlers onto node.
func NewSyncer(node *Node, engine *dag.Engine, chain RoundAppender) *Syncer {
	s := &Syncer{
		node:          node,
		engine:        engine,
		chain:         chain,
		pendingBlocks: make(map[[32]byte]chan *dag.Block),
		pendingRounds: make(map[uint64]chan *round.Round),
	}
	node.Handle(MsgGetBlock, s.handleGetBlock)
	node.Handle("block_response", s.handleBlockResponse)
	node.Handle(MsgGetRound, s.handleGetRound)
	node.Handle("round_response", s.handleRoundResponse)
	return s
}

// FetchBlock requests block id from peer and blocks until the response
// arrives or the local Node is stopped; a dropped connection to peer
// alone does not end the wait. Callers typically invoke this after
// dag.Engine.Admit returns dag.ErrUnknownParent, fetching each missing
// parent in turn until the DAG is locally complete again.
func (s *Syncer) FetchBlock(peer *Peer, id [32]byte) (*dag.Block, error) {
	ch := make(chan *dag.Block, 1)
	s.pendingBlocks[id] = ch
	defer delete(s.pendingBlocks, id)

	req, err := json.Marshal(getBlockRequest{BlockID: id})
	if err != nil {
		return nil, err
	}
	if err := peer.Send(Message{Type: MsgGetBlock, Payload: req}); err != nil {
		return nil, err
	}
	select {
	case b, ok := <-ch:
		if !ok || b == nil {
			return nil, fmt.Errorf("sync: peer %s has no block %x", peer.ID, id)
		}
		return b, nil
	case <-s.node.stopCh:
		return nil, fmt.Errorf("sync: node stopped while fetching block %x", id)
	}
}

func (s *Syncer) handleGetBlock(peer *Peer, msg Message) {
	var req getBlockRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	resp := blockResponse{BlockID: req.BlockID}
	if b, ok := s.engine.Get(req.BlockID); ok {
		data, err := b.Marshal()
		if err == nil {
			resp.Found = true
			resp.Block = data
		}
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = peer.Send(Message{Type: "block_response", Payload: data})
}

func (s *Syncer) handleBlockResponse(_ *Peer, msg Message) {
	var resp blockResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return
	}
	ch, ok := s.pendingBlocks[resp.BlockID]
	if !ok {
		return
	}
	if !resp.Found {
		close(ch)
		return
	}
	b, err := dag.Unmarshal(resp.Block)
	if err != nil {
		log.Printf("[sync] unmarshal fetched block %x: %v", resp.BlockID, err)
		close(ch)
		return
	}
	ch <- b
}

// FetchRound requests round roundNumber from peer and blocks until the
// response arrives.
func (s *Syncer) FetchRound(peer *Peer, roundNumber uint64) (*round.Round, error) {
	ch := make(chan *round.Round, 1)
	s.pendingRounds[roundNumber] = ch
	defer delete(s.pendingRounds, roundNumber)

	req, err := json.Marshal(getRoundRequest{RoundNumber: roundNumber})
	if err != nil {
		return nil, err
	}
	if err := peer.Send(Message{Type: MsgGetRound, Payload: req}); err != nil {
		return nil, err
	}
	r, ok := <-ch
	if !ok || r == nil {
		return nil, fmt.Errorf("sync: peer %s has no round %d", peer.ID, roundNumber)
	}
	return r, nil
}

func (s *Syncer) handleGetRound(peer *Peer, msg Message) {
	var req getRoundRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	resp := roundResponse{RoundNumber: req.RoundNumber}
	if r, ok := s.chain.Get(req.RoundNumber); ok {
		resp.Found = true
		resp.Round = r.Marshal()
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = peer.Send(Message{Type: "round_response", Payload: data})
}

func (s *Syncer) handleRoundResponse(_ *Peer, msg Message) {
	var resp roundResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return
	}
	ch, ok := s.pendingRounds[resp.RoundNumber]
	if !ok {
		return
	}
	if !resp.Found {
		close(ch)
		return
	}
	r, err := round.Unmarshal(resp.Round)
	if err != nil {
		log.Printf("[sync] unmarshal fetched round %d: %v", resp.RoundNumber, err)
		close(ch)
		return
	}
	ch <- r
}

// CatchUpRound applies r to the local chain, fetching and applying any
// missing ancestor rounds from peer first (spec §4.7: a round can only
// append at latest+1). Missing ancestors are collected back to the
// first gap, then appended in ascending order.
func (s *Syncer) CatchUpRound(peer *Peer, r *round.Round, engine *dag.Engine) error {
	chain := []*round.Round{r}
	for {
		err := s.chain.Append(chain[0], engine)
		if err == nil {
			break
		}
		if !errors.Is(err, round.ErrOutOfOrder) || chain[0].RoundNumber == 0 {
			return err
		}
		prev, ferr := s.FetchRound(peer, chain[0].RoundNumber-1)
		if ferr != nil {
			return fmt.Errorf("sync: catch up round %d: %w", chain[0].RoundNumber-1, ferr)
		}
		chain = append([]*round.Round{prev}, chain...)
	}
	for _, pending := range chain[1:] {
		if err := s.chain.Append(pending, engine); err != nil {
			return err
		}
	}
	return nil
}
