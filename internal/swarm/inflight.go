package swarm

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// inflightKey identifies one outbound transfer destination.
type inflightKey struct {
	peer      peer.ID
	blockHash string
}

// inflightRegistry enforces at most one concurrent outbound transfer per
// (destination, block) pair. Insertion and removal are single short
// critical sections.
type inflightRegistry struct {
	mu      sync.Mutex
	entries map[inflightKey]struct{}
}

func newInflightRegistry() *inflightRegistry {
	return &inflightRegistry{entries: make(map[inflightKey]struct{})}
}

// tryAdd atomically inserts the pair, reporting false when a transfer to
// the same destination for the same block is already in progress.
func (r *inflightRegistry) tryAdd(p peer.ID, blockHash string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := inflightKey{peer: p, blockHash: blockHash}
	if _, exists := r.entries[key]; exists {
		return false
	}
	r.entries[key] = struct{}{}
	return true
}

// remove drops the pair on any terminal transition of the transfer.
func (r *inflightRegistry) remove(p peer.ID, blockHash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, inflightKey{peer: p, blockHash: blockHash})
}

// size reports the number of transfers currently in progress.
func (r *inflightRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
