package swarm

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dragoon-rs/dragoonfly/internal/codec"
	"github.com/dragoon-rs/dragoonfly/internal/dispersal"
	"github.com/dragoon-rs/dragoonfly/internal/errs"
	"github.com/dragoon-rs/dragoonfly/internal/protocol"
)

// The façade methods below are what request tasks call. Each builds one
// command with a one-shot reply channel and awaits the loop.

// Listen adds a listener and returns its id.
func (n *Node) Listen(ctx context.Context, addr string) (uint64, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return 0, badAddr(addr, err)
	}
	reply := make(chan outcome[uint64], 1)
	return submit(ctx, n, cmdListen{addr: maddr, reply: reply}, reply)
}

// RemoveListener closes the listener with the given id. It reports whether
// a listener was actually closed.
func (n *Node) RemoveListener(ctx context.Context, id uint64) (bool, error) {
	reply := make(chan outcome[bool], 1)
	return submit(ctx, n, cmdRemoveListener{id: id, reply: reply}, reply)
}

// Listeners returns the addresses this node currently listens on.
func (n *Node) Listeners(ctx context.Context) ([]ma.Multiaddr, error) {
	reply := make(chan outcome[[]ma.Multiaddr], 1)
	return submit(ctx, n, cmdListeners{reply: reply}, reply)
}

// ConnectedPeers returns the peers with an established connection.
func (n *Node) ConnectedPeers(ctx context.Context) ([]peer.ID, error) {
	reply := make(chan outcome[[]peer.ID], 1)
	return submit(ctx, n, cmdConnectedPeers{reply: reply}, reply)
}

// NetworkInfo returns the overlay's connection counters.
func (n *Node) NetworkInfo(ctx context.Context) (NetworkInfo, error) {
	reply := make(chan outcome[NetworkInfo], 1)
	return submit(ctx, n, cmdNetworkInfo{reply: reply}, reply)
}

// Dial connects to one peer by multiaddress.
func (n *Node) Dial(ctx context.Context, addr string) error {
	reply := make(chan error, 1)
	return submitErr(ctx, n, cmdDial{addr: addr, reply: reply}, reply)
}

// StartProvide announces this node as a provider for the file hash.
func (n *Node) StartProvide(ctx context.Context, fileHash string) error {
	reply := make(chan error, 1)
	return submitErr(ctx, n, cmdStartProvide{fileHash: fileHash, reply: reply}, reply)
}

// StopProvide stops re-publishing the provider record. Records already on
// remote nodes remain visible until their expiry.
func (n *Node) StopProvide(ctx context.Context, fileHash string) error {
	reply := make(chan error, 1)
	return submitErr(ctx, n, cmdStopProvide{fileHash: fileHash, reply: reply}, reply)
}

// Providers queries the DHT for the peers providing a file hash.
func (n *Node) Providers(ctx context.Context, fileHash string) ([]peer.ID, error) {
	reply := make(chan outcome[[]peer.ID], 1)
	return submit(ctx, n, cmdProviders{fileHash: fileHash, reply: reply}, reply)
}

// KnownPeers snapshots the peers this node has seen a connection with.
func (n *Node) KnownPeers(ctx context.Context) ([]peer.ID, error) {
	reply := make(chan outcome[[]peer.ID], 1)
	return submit(ctx, n, cmdKnownPeers{reply: reply}, reply)
}

// BlockInfoFrom asks a peer which blocks it holds for a file.
func (n *Node) BlockInfoFrom(ctx context.Context, p peer.ID, fileHash string) (protocol.PeerBlockInfo, error) {
	reply := make(chan outcome[protocol.PeerBlockInfo], 1)
	return submit(ctx, n, cmdBlockInfoFrom{peer: p, fileHash: fileHash, reply: reply}, reply)
}

// FetchBlockFrom downloads one block from a peer. With save set, the block
// is persisted into the local store after verification; otherwise its
// bytes are returned.
func (n *Node) FetchBlockFrom(ctx context.Context, p peer.ID, fileHash, blockHash string, save bool) ([]byte, error) {
	reply := make(chan outcome[[]byte], 1)
	data, err := submit(ctx, n, cmdFetchBlock{peer: p, fileHash: fileHash, blockHash: blockHash, reply: reply}, reply)
	if err != nil {
		return nil, err
	}
	if save {
		if codec.BlockHash(data) != blockHash || !n.codec.Verify(data) {
			return nil, errs.New(errs.CorruptBlock, "block %s fetched from %s failed verification", blockHash, p)
		}
		if _, err := n.store.Put(fileHash, blockHash, data); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return data, nil
}

// SendBlockTo offers one block to a peer and streams it on acceptance. The
// boolean reports whether the peer verified and stored the block; a
// refusal is a false result, not an error.
func (n *Node) SendBlockTo(ctx context.Context, p peer.ID, fileHash, blockHash string) (bool, dispersal.SendID, error) {
	id := dispersal.SendID{PeerID: p, FileHash: fileHash, BlockHash: blockHash}
	reply := make(chan outcome[bool], 1)
	stored, err := submit(ctx, n, cmdSendBlock{id: id, reply: reply}, reply)
	return stored, id, err
}

func badAddr(addr string, err error) error {
	return errs.Wrap(errs.BadRequest, err, "could not parse multiaddr %q", addr)
}
