// Package swarm owns the node's network state. One event loop serializes
// every mutation of that state; request tasks talk to it exclusively
// through commands on a bounded channel, and protocol I/O runs in
// goroutines spawned by the loop that report back through reply channels.
package swarm

import (
	"context"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multihash"

	"github.com/dragoon-rs/dragoonfly/internal/accounting"
	"github.com/dragoon-rs/dragoonfly/internal/codec"
	"github.com/dragoon-rs/dragoonfly/internal/config"
	"github.com/dragoon-rs/dragoonfly/internal/errs"
	"github.com/dragoon-rs/dragoonfly/internal/store"
)

var log = logging.Logger("dragoonfly/swarm")

// Node is one dragoonfly peer: a libp2p host, its Kademlia DHT, the block
// store, the send-storage accountant and the codec, glued together by the
// event loop.
type Node struct {
	host  host.Host
	dht   *dht.IpfsDHT
	store *store.Store
	acct  *accounting.Accountant
	codec *codec.Codec
	label string
	cfg   config.NetworkConfig

	cmds   chan command
	events chan event

	inflight *inflightRegistry

	// Loop-owned state; never touched outside Run().
	listeners    map[uint64][]ma.Multiaddr
	nextListener uint64
	knownPeers   map[peer.ID]struct{}
	providing    map[string]cid.Cid
	pendingDials map[string][]chan error
}

// Options bundles the collaborators a Node is built from.
type Options struct {
	Store   *store.Store
	Acct    *accounting.Accountant
	Codec   *codec.Codec
	Label   string
	Network config.NetworkConfig
}

// New builds the node's host and DHT from the identity key. The node does
// not listen anywhere until a listen command arrives.
func New(ctx context.Context, priv crypto.PrivKey, opts Options) (*Node, error) {
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.NoListenAddrs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	kdht, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	label := opts.Label
	if label == "" {
		label = h.ID().String()
	}

	n := &Node{
		host:         h,
		dht:          kdht,
		store:        opts.Store,
		acct:         opts.Acct,
		codec:        opts.Codec,
		label:        label,
		cfg:          opts.Network,
		cmds:         make(chan command, opts.Network.CommandBuffer),
		events:       make(chan event, 256),
		inflight:     newInflightRegistry(),
		listeners:    make(map[uint64][]ma.Multiaddr),
		knownPeers:   make(map[peer.ID]struct{}),
		providing:    make(map[string]cid.Cid),
		pendingDials: make(map[string][]chan error),
	}

	n.host.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			select {
			case n.events <- evtPeerConnected{peer: c.RemotePeer()}:
			case <-ctx.Done():
			}
		},
	})
	n.registerHandlers()
	return n, nil
}

// ID returns the local peer identity.
func (n *Node) ID() peer.ID { return n.host.ID() }

// Label returns the node's configured label, defaulting to its identity.
func (n *Node) Label() string { return n.label }

// Store exposes the block store for local operations.
func (n *Node) Store() *store.Store { return n.store }

// Accountant exposes the send-storage accountant.
func (n *Node) Accountant() *accounting.Accountant { return n.acct }

// Codec exposes the codec adapter.
func (n *Node) Codec() *codec.Codec { return n.codec }

// Close shuts the node down.
func (n *Node) Close() error {
	if err := n.dht.Close(); err != nil {
		log.Errorw("failed to close DHT", "error", err)
	}
	return n.host.Close()
}

// Run is the event loop. It owns all mutable swarm state and processes
// commands in arrival order until the context ends.
func (n *Node) Run(ctx context.Context) {
	log.Infow("starting swarm loop", "peer", n.host.ID(), "label", n.label)
	republish := n.cfg.RepublishInterval.Duration
	if republish <= 0 {
		republish = 12 * time.Hour
	}
	ticker := time.NewTicker(republish)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infow("swarm loop stopping", "peer", n.host.ID())
			return
		case cmd := <-n.cmds:
			n.handleCommand(ctx, cmd)
		case evt := <-n.events:
			n.handleEvent(evt)
		case <-ticker.C:
			n.republishProvided(ctx)
		}
	}
}

// republishProvided refreshes the provider records of every active
// provision; records expire on the DHT and must be re-published.
func (n *Node) republishProvided(ctx context.Context) {
	for key, c := range n.providing {
		key, c := key, c
		go func() {
			if err := n.dht.Provide(ctx, c, true); err != nil {
				log.Warnw("failed to re-publish provider record", "file", key, "error", err)
			}
		}()
	}
}

// fileCID maps a file hash onto the DHT keyspace.
func fileCID(fileHash string) (cid.Cid, error) {
	mh, err := multihash.Sum([]byte(fileHash), multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, errs.Wrap(errs.DhtError, err, "failed to hash provider key %s", fileHash)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}
