// Package dispersal assigns a batch of blocks to receiving peers and drives
// the per-block send attempts, including retries when a peer rejects its
// offer.
package dispersal

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/dragoon-rs/dragoonfly/internal/errs"
)

var log = logging.Logger("dragoonfly/dispersal")

// StrategyName selects a peer-selection policy.
type StrategyName string

const (
	RoundRobin StrategyName = "RoundRobin"
	Random     StrategyName = "Random"
)

// ParseStrategy validates a user-supplied strategy name.
func ParseStrategy(s string) (StrategyName, error) {
	switch StrategyName(s) {
	case RoundRobin, Random:
		return StrategyName(s), nil
	default:
		return "", errs.New(errs.BadRequest, "unknown dispersal strategy %q", s)
	}
}

// SendID identifies one placed (or attempted) block transfer.
type SendID struct {
	PeerID    peer.ID
	FileHash  string
	BlockHash string
}

// MarshalJSON renders a SendID the way the HTTP surface reports
// distributions: [peer, file_hash, block_hash].
func (s SendID) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string{s.PeerID.String(), s.FileHash, s.BlockHash})
}

// SendFunc attempts one transfer. It reports true when the peer accepted
// and stored the block; false with a nil error when the peer refused it.
type SendFunc func(ctx context.Context, id SendID) (bool, error)

// Disperse places every block on some peer following the strategy. The
// returned distribution lists what was placed regardless of success, so
// callers can reason about partial outcomes: on failure it is carried
// inside the NoPeersLeft error as the partial result.
func Disperse(ctx context.Context, strategy StrategyName, peers []peer.ID,
	fileHash string, blockHashes []string, send SendFunc) ([]SendID, error) {

	if len(peers) == 0 {
		return nil, errs.New(errs.NoPeersLeft, "no known peers to disperse %d blocks to", len(blockHashes))
	}

	// A deterministic peer order keeps the round-robin assignment
	// reproducible across runs.
	ring := make([]peer.ID, len(peers))
	copy(ring, peers)
	sort.Slice(ring, func(i, j int) bool { return ring[i] < ring[j] })

	placed := make([]SendID, 0, len(blockHashes))
	rejected := make(map[peer.ID]bool)

	for i, blockHash := range blockHashes {
		if err := ctx.Err(); err != nil {
			return placed, ctxError(err).WithPartial(placed)
		}
		id, err := placeBlock(ctx, strategy, ring, rejected, i, SendID{FileHash: fileHash, BlockHash: blockHash}, send)
		if err != nil {
			var e *errs.Error
			if errs.Is(err, errs.NoPeersLeft) {
				e = errs.New(errs.NoPeersLeft,
					"placed %d of %d blocks before running out of peers", len(placed), len(blockHashes))
			} else {
				e = errs.Wrap(errs.KindOf(err), err, "failed to place block %s", blockHash)
			}
			return placed, e.WithPartial(placed)
		}
		placed = append(placed, id)
	}
	return placed, nil
}

// placeBlock tries candidate peers for one block until one accepts. A peer
// that rejects an offer is skipped for the rest of the batch; a transfer
// already in flight does not consume a candidate.
func placeBlock(ctx context.Context, strategy StrategyName, ring []peer.ID,
	rejected map[peer.ID]bool, blockIdx int, id SendID, send SendFunc) (SendID, error) {

	candidates := order(strategy, ring, blockIdx)
	for _, p := range candidates {
		if rejected[p] {
			continue
		}
		id.PeerID = p
		accepted, err := send(ctx, id)
		if err != nil {
			if errs.Is(err, errs.AlreadyInFlight) {
				log.Debugw("send already in flight, skipping peer without penalty",
					"peer", p, "block", id.BlockHash)
				continue
			}
			return SendID{}, err
		}
		if accepted {
			return id, nil
		}
		rejected[p] = true
		log.Debugw("peer rejected block, trying next in order", "peer", p, "block", id.BlockHash)
	}
	return SendID{}, errs.New(errs.NoPeersLeft, "every candidate peer rejected block %s", id.BlockHash)
}

// order lists the candidate peers for one block. Round-robin starts at
// index i mod |P| and walks the ring; random shuffles the ring per block.
func order(strategy StrategyName, ring []peer.ID, blockIdx int) []peer.ID {
	n := len(ring)
	out := make([]peer.ID, n)
	switch strategy {
	case Random:
		copy(out, ring)
		rand.Shuffle(n, func(i, j int) { out[i], out[j] = out[j], out[i] })
	default: // RoundRobin
		for i := 0; i < n; i++ {
			out[i] = ring[(blockIdx+i)%n]
		}
	}
	return out
}

func ctxError(err error) *errs.Error {
	if err == context.DeadlineExceeded {
		return errs.New(errs.Timeout, "dispersal timed out")
	}
	return errs.New(errs.Cancelled, "dispersal cancelled")
}
