package swarm

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/dragoon-rs/dragoonfly/internal/codec"
	"github.com/dragoon-rs/dragoonfly/internal/dispersal"
	"github.com/dragoon-rs/dragoonfly/internal/errs"
	"github.com/dragoon-rs/dragoonfly/internal/store"
)

// Composite operations. Each runs in the calling request task's goroutine
// and reaches the loop only through ordinary commands; codec work runs on
// the codec's worker pool.

// taskID tags a composite operation's log lines.
func taskID() string {
	return uuid.NewString()[:8]
}

// EncodeFile erasure-codes the file at path and stores the blocks locally.
// It returns the file hash and the block hash list encoded as a JSON
// string. With replace set, blocks from a previous encoding of the same
// file are cleared first.
func (n *Node) EncodeFile(path string, replace bool, method codec.Method, k, nShards int) (string, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", errs.Wrap(errs.IoError, err, "could not read file %s", path)
	}
	fileHash, blocks, err := n.codec.Encode(data, k, nShards, method)
	if err != nil {
		return "", "", err
	}
	if replace {
		if err := n.store.Clear(fileHash); err != nil {
			return "", "", err
		}
	}
	hashes := make([]string, len(blocks))
	for i, b := range blocks {
		hashes[i] = b.Hash
		if _, err := n.store.Put(fileHash, b.Hash, b.Data); err != nil {
			return "", "", err
		}
	}
	formatted, err := json.Marshal(hashes)
	if err != nil {
		return "", "", errs.Wrap(errs.Internal, err, "could not format block hashes")
	}
	log.Infow("encoded file", "path", path, "file", fileHash, "k", k, "n", nShards, "method", method)
	return fileHash, string(formatted), nil
}

// DecodeBlocks reads the given blocks from blockDir, reconstructs the file
// and writes it next to the block directory. It returns the output path.
func (n *Node) DecodeBlocks(blockDir string, blockHashes []string, outputName string) (string, error) {
	raw, err := store.ReadBlocksFrom(blockDir, blockHashes)
	if err != nil {
		return "", err
	}
	data, err := n.codec.Decode(0, raw)
	if err != nil {
		return "", err
	}
	parent := filepath.Dir(filepath.Clean(blockDir))
	out := filepath.Join(parent, outputName)
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", errs.Wrap(errs.IoError, err, "could not write decoded file %s", out)
	}
	return out, nil
}

// DialMany dials every address, collecting failures. It fails only when
// every dial failed.
func (n *Node) DialMany(ctx context.Context, addrs []string) error {
	if len(addrs) == 0 {
		return errs.New(errs.BadRequest, "no multiaddresses to dial")
	}
	results := make(chan error, len(addrs))
	for _, addr := range addrs {
		addr := addr
		go func() { results <- n.Dial(ctx, addr) }()
	}
	failures := 0
	var last error
	for range addrs {
		if err := <-results; err != nil {
			failures++
			last = err
		}
	}
	if failures == len(addrs) {
		return errs.Wrap(errs.NetworkError, last, "every dial failed (%d attempted)", len(addrs))
	}
	return nil
}

// GetFile reconstructs a file from the network: find the providers, ask
// each for its block list, download and verify blocks until k distinct
// ones are on disk, then decode and write the output. It returns the
// output path.
func (n *Node) GetFile(ctx context.Context, fileHash, outputName string) (string, error) {
	task := taskID()
	log.Infow("get-file: looking up providers", "task", task, "file", fileHash)

	providers, err := n.Providers(ctx, fileHash)
	if err != nil {
		return "", err
	}
	self := n.host.ID()
	candidates := providers[:0]
	for _, p := range providers {
		if p != self {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return "", errs.New(errs.DhtError,
			"no providers found for file %s; did the nodes holding its blocks start-provide?", fileHash)
	}

	// Ask every provider for its block list concurrently.
	type infoResult struct {
		peer   peer.ID
		hashes []string
		err    error
	}
	infos := make(chan infoResult, len(candidates))
	for _, p := range candidates {
		p := p
		go func() {
			info, err := n.BlockInfoFrom(ctx, p, fileHash)
			infos <- infoResult{peer: p, hashes: info.BlockHashes, err: err}
		}()
	}

	// Download blocks as the lists arrive, stopping once k distinct
	// verified blocks are on disk. k is learned from the first block.
	need := 0
	var onDisk []string
	requested := make(map[string]bool)

	for range candidates {
		res := <-infos
		if res.err != nil {
			log.Warnw("get-file: provider did not answer", "task", task, "peer", res.peer, "error", res.err)
			continue
		}
		for _, blockHash := range res.hashes {
			if requested[blockHash] {
				continue
			}
			requested[blockHash] = true

			data, err := n.FetchBlockFrom(ctx, res.peer, fileHash, blockHash, false)
			if err != nil {
				log.Warnw("get-file: block download failed", "task", task,
					"peer", res.peer, "block", blockHash, "error", err)
				continue
			}
			if codec.BlockHash(data) != blockHash || !n.codec.Verify(data) {
				log.Warnw("get-file: discarding corrupt block", "task", task,
					"peer", res.peer, "block", blockHash)
				continue
			}
			if need == 0 {
				blk, err := codec.Parse(data)
				if err != nil {
					continue
				}
				need = blk.K
			}
			if _, err := n.store.Put(fileHash, blockHash, data); err != nil {
				return "", err
			}
			onDisk = append(onDisk, blockHash)
			if len(onDisk) >= need {
				return n.decodeStored(fileHash, onDisk, outputName, need)
			}
		}
	}

	if need == 0 {
		return "", errs.New(errs.InsufficientBlocks, "no usable blocks found for file %s", fileHash)
	}
	return "", errs.New(errs.InsufficientBlocks,
		"only %d of the %d required blocks for file %s could be downloaded", len(onDisk), need, fileHash)
}

// decodeStored decodes blocks already in the local store and writes the
// reconstructed file as a sibling of the block directory.
func (n *Node) decodeStored(fileHash string, blockHashes []string, outputName string, k int) (string, error) {
	raw := make([][]byte, 0, len(blockHashes))
	for _, h := range blockHashes {
		data, err := n.store.Get(fileHash, h)
		if err != nil {
			return "", err
		}
		raw = append(raw, data)
	}
	data, err := n.codec.Decode(k, raw)
	if err != nil {
		return "", err
	}
	return n.store.WriteOutput(fileHash, outputName, data)
}

// SendBlockList disperses blocks over the known peers with the chosen
// strategy. Partial placements are reported inside the error on failure.
func (n *Node) SendBlockList(ctx context.Context, strategy dispersal.StrategyName,
	fileHash string, blockHashes []string) ([]dispersal.SendID, error) {

	task := taskID()
	peers, err := n.KnownPeers(ctx)
	if err != nil {
		return nil, err
	}
	log.Infow("dispersing blocks", "task", task, "file", fileHash,
		"blocks", len(blockHashes), "peers", len(peers), "strategy", strategy)

	send := func(ctx context.Context, id dispersal.SendID) (bool, error) {
		stored, _, err := n.SendBlockTo(ctx, id.PeerID, id.FileHash, id.BlockHash)
		return stored, err
	}
	placed, err := dispersal.Disperse(ctx, strategy, peers, fileHash, blockHashes, send)
	if err != nil {
		log.Warnw("dispersal incomplete", "task", task, "placed", len(placed), "error", err)
		return placed, err
	}
	return placed, nil
}
