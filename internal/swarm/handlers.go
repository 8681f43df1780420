package swarm

import (
	"time"

	"github.com/libp2p/go-libp2p/core/network"

	"github.com/dragoon-rs/dragoonfly/internal/accounting"
	"github.com/dragoon-rs/dragoonfly/internal/codec"
	"github.com/dragoon-rs/dragoonfly/internal/errs"
	"github.com/dragoon-rs/dragoonfly/internal/protocol"
)

// maxInboundTransfers bounds how many send-requests are handled at once;
// it is the node's ingest concurrency on top of the storage budget.
const maxInboundTransfers = 10

// registerHandlers installs the inbound side of the three stream protocols.
func (n *Node) registerHandlers() {
	transferSlots := make(chan struct{}, maxInboundTransfers)

	n.host.SetStreamHandler(protocol.BlockInfoID, n.handleBlockInfo)
	n.host.SetStreamHandler(protocol.BlockExchangeID, n.handleBlockExchange)
	n.host.SetStreamHandler(protocol.SendBlockID, func(s network.Stream) {
		transferSlots <- struct{}{}
		defer func() { <-transferSlots }()
		n.handleSendBlock(s)
	})
}

// handleBlockInfo answers which blocks this node holds for a file. A file
// with no blocks yields an empty list, not an error.
func (n *Node) handleBlockInfo(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(30 * time.Second))

	var req protocol.BlockInfoRequest
	if err := protocol.ReadJSON(s, protocol.MaxControlFrame, &req); err != nil {
		log.Debugw("bad block info request", "peer", s.Conn().RemotePeer(), "error", err)
		return
	}
	hashes, err := n.store.List(req.FileHash)
	if err != nil && !errs.Is(err, errs.NotFound) {
		log.Errorw("could not list blocks", "file", req.FileHash, "error", err)
		return
	}
	if hashes == nil {
		hashes = []string{}
	}
	log.Debugw("peer requested block list", "peer", s.Conn().RemotePeer(),
		"file", req.FileHash, "blocks", len(hashes))

	info := protocol.PeerBlockInfo{
		PeerIDBase58: n.host.ID().String(),
		FileHash:     req.FileHash,
		BlockHashes:  hashes,
	}
	if err := protocol.WriteJSON(s, info); err != nil {
		log.Debugw("could not send block info", "peer", s.Conn().RemotePeer(), "error", err)
	}
}

// handleBlockExchange serves one block's bytes. Blocks are served even for
// files this node no longer provides; only the provider record expires.
func (n *Node) handleBlockExchange(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(60 * time.Second))

	var req protocol.BlockRequest
	if err := protocol.ReadJSON(s, protocol.MaxControlFrame, &req); err != nil {
		log.Debugw("bad block request", "peer", s.Conn().RemotePeer(), "error", err)
		return
	}
	data, err := n.store.Get(req.FileHash, req.BlockHash)
	if err != nil {
		log.Debugw("requested block not available", "file", req.FileHash,
			"block", req.BlockHash, "error", err)
		// An empty response tells the peer the block is missing.
		data = nil
	}
	resp := protocol.BlockResponse{
		FileHash:  req.FileHash,
		BlockHash: req.BlockHash,
		BlockData: data,
	}
	if err := protocol.WriteJSON(s, resp); err != nil {
		log.Debugw("could not send block", "peer", s.Conn().RemotePeer(), "error", err)
	}
}

// handleSendBlock is the receiver side of the block-transfer protocol:
// admission against the send-storage budget, verification, persistence.
func (n *Node) handleSendBlock(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(60 * time.Second))
	remote := s.Conn().RemotePeer()

	hooks := protocol.ReceiverHooks{
		Admit:  n.admitTransfer,
		Verify: n.verifyTransfer,
		Store: func(fileHash, blockHash string, data []byte) error {
			_, err := n.store.Put(fileHash, blockHash, data)
			return err
		},
	}
	if err := protocol.ReceiveBlock(s, hooks); err != nil {
		log.Infow("inbound block transfer failed", "peer", remote, "error", err)
		return
	}
	log.Debugw("inbound block transfer finished", "peer", remote)
}

// admitTransfer decides one offer: a duplicate block is rejected outright,
// otherwise budget is reserved. The returned commit and abort close over
// the reservation so exactly one of them settles it.
func (n *Node) admitTransfer(offer protocol.Offer) (func() error, func(), string, bool) {
	if _, err := n.store.BlockSize(offer.FileHash, offer.BlockHash); err == nil {
		return nil, nil, protocol.ReasonDuplicate, false
	}
	tok, err := n.acct.Reserve(offer.Size)
	if err != nil {
		log.Infow("rejecting block offer for lack of space",
			"block", offer.BlockHash, "size", offer.Size, "free", n.acct.Available())
		return nil, nil, protocol.ReasonInsufficientSpace, false
	}
	commit := func() error {
		return n.acct.Commit(tok, accounting.Record{
			FileHash:   offer.FileHash,
			BlockHash:  offer.BlockHash,
			SenderPeer: offer.PeerIDBase58,
			ReceivedAt: time.Now().UTC(),
		})
	}
	abort := func() { n.acct.Abort(tok) }
	return commit, abort, "", true
}

// verifyTransfer checks that the received bytes are the announced block and
// that its commitment holds under the local parameters.
func (n *Node) verifyTransfer(offer protocol.Offer, data []byte) bool {
	if codec.BlockHash(data) != offer.BlockHash {
		return false
	}
	blk, err := codec.Parse(data)
	if err != nil || blk.FileHash != offer.FileHash || blk.Commitment != offer.Commitment {
		return false
	}
	return n.codec.Verify(data)
}
