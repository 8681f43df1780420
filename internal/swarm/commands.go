package swarm

import (
	"context"
	"errors"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dragoon-rs/dragoonfly/internal/dispersal"
	"github.com/dragoon-rs/dragoonfly/internal/errs"
	"github.com/dragoon-rs/dragoonfly/internal/protocol"
)

// outcome carries a command's result back over its one-shot reply channel.
type outcome[T any] struct {
	val T
	err error
}

// Commands are the only way other components reach the loop. Each carries
// its own reply channel, buffered so the loop never blocks on delivery.

type command interface{ isCommand() }

type cmdListen struct {
	addr  ma.Multiaddr
	reply chan outcome[uint64]
}

type cmdRemoveListener struct {
	id    uint64
	reply chan outcome[bool]
}

type cmdListeners struct {
	reply chan outcome[[]ma.Multiaddr]
}

type cmdConnectedPeers struct {
	reply chan outcome[[]peer.ID]
}

type cmdNetworkInfo struct {
	reply chan outcome[NetworkInfo]
}

type cmdDial struct {
	addr  string
	reply chan error
}

type cmdStartProvide struct {
	fileHash string
	reply    chan error
}

type cmdStopProvide struct {
	fileHash string
	reply    chan error
}

type cmdProviders struct {
	fileHash string
	reply    chan outcome[[]peer.ID]
}

type cmdKnownPeers struct {
	reply chan outcome[[]peer.ID]
}

type cmdBlockInfoFrom struct {
	peer     peer.ID
	fileHash string
	reply    chan outcome[protocol.PeerBlockInfo]
}

type cmdFetchBlock struct {
	peer      peer.ID
	fileHash  string
	blockHash string
	reply     chan outcome[[]byte]
}

type cmdSendBlock struct {
	id    dispersal.SendID
	reply chan outcome[bool]
}

func (cmdListen) isCommand()         {}
func (cmdRemoveListener) isCommand() {}
func (cmdListeners) isCommand()      {}
func (cmdConnectedPeers) isCommand() {}
func (cmdNetworkInfo) isCommand()    {}
func (cmdDial) isCommand()           {}
func (cmdStartProvide) isCommand()   {}
func (cmdStopProvide) isCommand()    {}
func (cmdProviders) isCommand()      {}
func (cmdKnownPeers) isCommand()     {}
func (cmdBlockInfoFrom) isCommand()  {}
func (cmdFetchBlock) isCommand()     {}
func (cmdSendBlock) isCommand()      {}

// Events feed overlay happenings back into the loop.

type event interface{ isEvent() }

type evtPeerConnected struct {
	peer peer.ID
}

type evtDialDone struct {
	addr string
	peer peer.ID
	err  error
}

func (evtPeerConnected) isEvent() {}
func (evtDialDone) isEvent()      {}

// NetworkInfo mirrors the overlay's connection counters as reported on the
// HTTP surface. The transport does not expose half-open dials, so the
// pending counters stay at zero.
type NetworkInfo struct {
	Peers               int `json:"peers"`
	Pending             int `json:"pending"`
	Connections         int `json:"connections"`
	Established         int `json:"established"`
	PendingIncoming     int `json:"pending_incoming"`
	PendingOutgoing     int `json:"pending_outgoing"`
	EstablishedIncoming int `json:"established_incoming"`
	EstablishedOutgoing int `json:"established_outgoing"`
}

// submit places a command on the bounded channel and awaits its reply. The
// bounded channel is the node's backpressure: a full loop blocks handlers.
func submit[T any](ctx context.Context, n *Node, cmd command, reply chan outcome[T]) (T, error) {
	var zero T
	select {
	case n.cmds <- cmd:
	case <-ctx.Done():
		return zero, ctxError(ctx)
	}
	select {
	case out := <-reply:
		return out.val, out.err
	case <-ctx.Done():
		return zero, ctxError(ctx)
	}
}

// submitErr is submit for commands whose only result is an error.
func submitErr(ctx context.Context, n *Node, cmd command, reply chan error) error {
	select {
	case n.cmds <- cmd:
	case <-ctx.Done():
		return ctxError(ctx)
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctxError(ctx)
	}
}

func ctxError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errs.New(errs.Timeout, "request timed out")
	}
	return errs.New(errs.Cancelled, "request cancelled")
}

// handleCommand dispatches one command. State mutations happen inline;
// network I/O is spawned so the loop stays responsive.
func (n *Node) handleCommand(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case cmdListen:
		c.reply <- n.listen(c.addr)
	case cmdRemoveListener:
		c.reply <- n.removeListener(c.id)
	case cmdListeners:
		c.reply <- outcome[[]ma.Multiaddr]{val: n.host.Network().ListenAddresses()}
	case cmdConnectedPeers:
		c.reply <- outcome[[]peer.ID]{val: n.host.Network().Peers()}
	case cmdNetworkInfo:
		c.reply <- outcome[NetworkInfo]{val: n.networkInfo()}
	case cmdDial:
		n.dial(ctx, c)
	case cmdStartProvide:
		n.startProvide(ctx, c)
	case cmdStopProvide:
		delete(n.providing, c.fileHash)
		c.reply <- nil
	case cmdProviders:
		n.findProviders(ctx, c)
	case cmdKnownPeers:
		peers := make([]peer.ID, 0, len(n.knownPeers))
		for p := range n.knownPeers {
			peers = append(peers, p)
		}
		c.reply <- outcome[[]peer.ID]{val: peers}
	case cmdBlockInfoFrom:
		go n.requestBlockInfo(ctx, c)
	case cmdFetchBlock:
		go n.requestBlock(ctx, c)
	case cmdSendBlock:
		n.startSendBlock(ctx, c)
	}
}

// handleEvent folds one overlay event into the loop state.
func (n *Node) handleEvent(evt event) {
	switch e := evt.(type) {
	case evtPeerConnected:
		if _, known := n.knownPeers[e.peer]; !known {
			n.knownPeers[e.peer] = struct{}{}
			log.Infow("added peer", "peer", e.peer)
		}
	case evtDialDone:
		waiters := n.pendingDials[e.addr]
		delete(n.pendingDials, e.addr)
		if e.err == nil {
			n.knownPeers[e.peer] = struct{}{}
		}
		for _, ch := range waiters {
			ch <- e.err
		}
	}
}
