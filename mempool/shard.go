package mempool

import "sync"

// shard is a single bounded, insertion-ordered queue of pending
// transactions, plus a lookup index by tx_id. One shard never shares
// its mutex with another: each is an independent single-writer store
// (spec §5).
type shard struct {
	mu      sync.Mutex
	id      uint32
	order   [][32]byte
	byID    map[[32]byte]*Transaction
	maxSize int
}

func newShard(id uint32, maxSize int) *shard {
	return &shard{
		id:      id,
		byID:    make(map[[32]byte]*Transaction),
		maxSize: maxSize,
	}
}

// insert appends tx to the shard's order, returning false if the shard
// is already at capacity or already holds this tx_id.
func (s *shard) insert(tx *Transaction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[tx.ID]; exists {
		return false
	}
	if len(s.order) >= s.maxSize {
		return false
	}
	s.order = append(s.order, tx.ID)
	s.byID[tx.ID] = tx
	return true
}

func (s *shard) has(id [32]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}

func (s *shard) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// drain removes and returns up to maxCount transactions, or until
// maxBytes of marshaled payload would be exceeded, from the front of
// the insertion order (spec §4.2 Drain).
func (s *shard) drain(maxCount int, maxBytes int) []*Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Transaction, 0, maxCount)
	taken := 0
	byteTotal := 0
	for _, id := range s.order {
		if taken >= maxCount {
			break
		}
		tx := s.byID[id]
		encoded, err := tx.Marshal()
		if err != nil {
			continue
		}
		if byteTotal+len(encoded) > maxBytes && taken > 0 {
			break
		}
		out = append(out, tx)
		taken++
		byteTotal += len(encoded)
	}

	for _, tx := range out {
		delete(s.byID, tx.ID)
	}
	s.order = s.order[len(out):]
	return out
}
