package swarm

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dragoon-rs/dragoonfly/internal/codec"
	"github.com/dragoon-rs/dragoonfly/internal/dispersal"
	"github.com/dragoon-rs/dragoonfly/internal/errs"
	"github.com/dragoon-rs/dragoonfly/internal/protocol"
)

// opTimeout bounds one overlay operation spawned by the loop.
func (n *Node) opTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	d := n.cfg.RequestTimeout.Duration
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

// listen starts a new listener and registers it under a small integer id.
// The registered addresses are the resolved ones (a requested port 0 comes
// back as the actual port), so the listener can be closed again later.
func (n *Node) listen(addr ma.Multiaddr) outcome[uint64] {
	before := make(map[string]bool)
	for _, a := range n.host.Network().ListenAddresses() {
		before[a.String()] = true
	}
	if err := n.host.Network().Listen(addr); err != nil {
		return outcome[uint64]{err: errs.Wrap(errs.NetworkError, err, "could not listen on %s", addr)}
	}
	var added []ma.Multiaddr
	for _, a := range n.host.Network().ListenAddresses() {
		if !before[a.String()] {
			added = append(added, a)
		}
	}
	if len(added) == 0 {
		added = []ma.Multiaddr{addr}
	}
	n.nextListener++
	n.listeners[n.nextListener] = added
	log.Infow("listening", "addr", added, "listener", n.nextListener)
	return outcome[uint64]{val: n.nextListener}
}

// listenCloser is the part of the swarm that can close a single listener;
// the network.Network interface does not expose it.
type listenCloser interface {
	ListenClose(...ma.Multiaddr)
}

func (n *Node) removeListener(id uint64) outcome[bool] {
	addrs, ok := n.listeners[id]
	if !ok {
		return outcome[bool]{err: errs.New(errs.NotFound, "listener %d not found", id)}
	}
	delete(n.listeners, id)
	closer, ok := n.host.Network().(listenCloser)
	if !ok {
		return outcome[bool]{val: false}
	}
	closer.ListenClose(addrs...)
	return outcome[bool]{val: true}
}

func (n *Node) networkInfo() NetworkInfo {
	conns := n.host.Network().Conns()
	info := NetworkInfo{
		Peers:       len(n.host.Network().Peers()),
		Connections: len(conns),
		Established: len(conns),
	}
	for _, c := range conns {
		switch c.Stat().Direction {
		case network.DirInbound:
			info.EstablishedIncoming++
		case network.DirOutbound:
			info.EstablishedOutgoing++
		}
	}
	return info
}

// dial resolves the address and connects. Concurrent dials to the same
// address share one connection attempt through the pending-dial table.
func (n *Node) dial(ctx context.Context, c cmdDial) {
	addr, err := ma.NewMultiaddr(c.addr)
	if err != nil {
		c.reply <- errs.Wrap(errs.BadRequest, err, "could not parse multiaddr %q", c.addr)
		return
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		c.reply <- errs.Wrap(errs.BadRequest, err, "multiaddr %q carries no peer identity", c.addr)
		return
	}

	if waiters, pending := n.pendingDials[c.addr]; pending {
		log.Debugw("dial already pending, joining it", "addr", c.addr)
		n.pendingDials[c.addr] = append(waiters, c.reply)
		return
	}
	n.pendingDials[c.addr] = []chan error{c.reply}

	go func() {
		dialCtx, cancel := n.opTimeout(ctx)
		defer cancel()
		err := n.host.Connect(dialCtx, *info)
		if err != nil {
			err = errs.Wrap(errs.NetworkError, err, "could not dial %s", c.addr)
		}
		select {
		case n.events <- evtDialDone{addr: c.addr, peer: info.ID, err: err}:
		case <-ctx.Done():
		}
	}()
}

// startProvide publishes a provider record for the file hash. The DHT
// needs at least one known peer to route the record anywhere.
func (n *Node) startProvide(ctx context.Context, c cmdStartProvide) {
	if len(n.knownPeers) == 0 {
		c.reply <- errs.New(errs.DhtError, "cannot provide %s: no known peers", c.fileHash)
		return
	}
	key, err := fileCID(c.fileHash)
	if err != nil {
		c.reply <- err
		return
	}
	n.providing[c.fileHash] = key
	go func() {
		provCtx, cancel := n.opTimeout(ctx)
		defer cancel()
		if err := n.dht.Provide(provCtx, key, true); err != nil {
			c.reply <- errs.Wrap(errs.DhtError, err, "could not provide %s", c.fileHash)
			return
		}
		c.reply <- nil
	}()
}

// findProviders runs the DHT query and collects every distinct provider.
func (n *Node) findProviders(ctx context.Context, c cmdProviders) {
	key, err := fileCID(c.fileHash)
	if err != nil {
		c.reply <- outcome[[]peer.ID]{err: err}
		return
	}
	go func() {
		queryCtx, cancel := n.opTimeout(ctx)
		defer cancel()
		seen := make(map[peer.ID]struct{})
		var providers []peer.ID
		for info := range n.dht.FindProvidersAsync(queryCtx, key, 20) {
			if _, dup := seen[info.ID]; dup || info.ID == "" {
				continue
			}
			seen[info.ID] = struct{}{}
			providers = append(providers, info.ID)
		}
		c.reply <- outcome[[]peer.ID]{val: providers}
	}()
}

// requestBlockInfo asks a peer which blocks it holds for a file.
func (n *Node) requestBlockInfo(ctx context.Context, c cmdBlockInfoFrom) {
	reqCtx, cancel := n.opTimeout(ctx)
	defer cancel()

	s, err := n.host.NewStream(reqCtx, c.peer, protocol.BlockInfoID)
	if err != nil {
		c.reply <- outcome[protocol.PeerBlockInfo]{
			err: errs.Wrap(errs.NetworkError, err, "could not reach %s for block info", c.peer)}
		return
	}
	defer s.Close()
	deadline(s, reqCtx)

	if err := protocol.WriteJSON(s, protocol.BlockInfoRequest{FileHash: c.fileHash}); err != nil {
		c.reply <- outcome[protocol.PeerBlockInfo]{
			err: errs.Wrap(errs.NetworkError, err, "could not send block info request to %s", c.peer)}
		return
	}
	var info protocol.PeerBlockInfo
	if err := protocol.ReadJSON(s, protocol.MaxInfoFrame, &info); err != nil {
		c.reply <- outcome[protocol.PeerBlockInfo]{
			err: errs.Wrap(errs.NetworkError, err, "could not read block info from %s", c.peer)}
		return
	}
	c.reply <- outcome[protocol.PeerBlockInfo]{val: info}
}

// requestBlock fetches one block's bytes from a peer.
func (n *Node) requestBlock(ctx context.Context, c cmdFetchBlock) {
	reqCtx, cancel := n.opTimeout(ctx)
	defer cancel()

	s, err := n.host.NewStream(reqCtx, c.peer, protocol.BlockExchangeID)
	if err != nil {
		c.reply <- outcome[[]byte]{err: errs.Wrap(errs.NetworkError, err, "could not reach %s for block %s", c.peer, c.blockHash)}
		return
	}
	defer s.Close()
	deadline(s, reqCtx)

	req := protocol.BlockRequest{FileHash: c.fileHash, BlockHash: c.blockHash}
	if err := protocol.WriteJSON(s, req); err != nil {
		c.reply <- outcome[[]byte]{err: errs.Wrap(errs.NetworkError, err, "could not request block %s from %s", c.blockHash, c.peer)}
		return
	}
	var resp protocol.BlockResponse
	if err := protocol.ReadJSON(s, protocol.MaxInfoFrame+protocol.MaxBlockSize, &resp); err != nil {
		c.reply <- outcome[[]byte]{err: errs.Wrap(errs.NetworkError, err, "could not read block %s from %s", c.blockHash, c.peer)}
		return
	}
	if len(resp.BlockData) == 0 {
		c.reply <- outcome[[]byte]{err: errs.New(errs.NotFound, "peer %s has no block %s for file %s", c.peer, c.blockHash, c.fileHash)}
		return
	}
	c.reply <- outcome[[]byte]{val: resp.BlockData}
}

// startSendBlock runs the sender side of the block-transfer protocol. The
// in-flight entry is taken before anything else and dropped on every
// terminal transition.
func (n *Node) startSendBlock(ctx context.Context, c cmdSendBlock) {
	id := c.id
	if !n.inflight.tryAdd(id.PeerID, id.BlockHash) {
		c.reply <- outcome[bool]{err: errs.New(errs.AlreadyInFlight,
			"a transfer of block %s to %s is already in progress", id.BlockHash, id.PeerID)}
		return
	}
	go func() {
		defer n.inflight.remove(id.PeerID, id.BlockHash)
		stored, err := n.sendBlock(ctx, id)
		c.reply <- outcome[bool]{val: stored, err: err}
	}()
}

func (n *Node) sendBlock(ctx context.Context, id dispersal.SendID) (bool, error) {
	data, err := n.store.Get(id.FileHash, id.BlockHash)
	if err != nil {
		return false, err
	}
	blk, err := codec.Parse(data)
	if err != nil {
		return false, err
	}

	sendCtx, cancel := n.opTimeout(ctx)
	defer cancel()
	s, err := n.host.NewStream(sendCtx, id.PeerID, protocol.SendBlockID)
	if err != nil {
		return false, errs.Wrap(errs.NetworkError, err, "could not reach %s to send block %s", id.PeerID, id.BlockHash)
	}
	defer s.Close()
	deadline(s, sendCtx)

	offer := protocol.Offer{
		PeerIDBase58: n.host.ID().String(),
		FileHash:     id.FileHash,
		BlockHash:    id.BlockHash,
		Size:         uint64(len(data)),
		Commitment:   blk.Commitment,
	}
	stored, err := protocol.SendBlock(s, offer, data)
	if err != nil {
		switch errs.KindOf(err) {
		case errs.PeerRefused, errs.SizeMismatch, errs.CorruptBlock, errs.IoError:
			// The remote made a decision; that is a rejection, not a fault.
			log.Infow("peer did not keep block", "peer", id.PeerID, "block", id.BlockHash, "reason", err)
			return false, nil
		}
		return false, err
	}
	return stored, nil
}

// deadline mirrors the operation context onto the stream.
func deadline(s network.Stream, ctx context.Context) {
	if d, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(d)
	}
}
