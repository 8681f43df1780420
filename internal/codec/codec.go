// Package codec adapts the erasure-coding engine to the node.
//
// A file is split into k data shards and extended to n coded shards with
// Reed-Solomon coding. Every shard becomes a block carrying a commitment
// (a digest binding the shard to the public parameters and the encoding
// position) and a proof (the full commitment vector), so a block can be
// verified on its own. The file hash is the digest over the encoded
// commitments, not over the raw file bytes: two encodings of the same file
// with different parameters yield different hashes.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/klauspost/reedsolomon"

	"github.com/dragoon-rs/dragoonfly/internal/errs"
)

// Method selects the construction of the encoding matrix.
type Method string

const (
	Vandermonde Method = "Vandermonde"
	Random      Method = "Random"
)

// ParseMethod validates a user-supplied method name.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case Vandermonde, Random:
		return Method(s), nil
	default:
		return "", errs.New(errs.BadRequest, "unknown encoding method %q", s)
	}
}

// Params are the public parameters every commitment is bound to. Nodes must
// load the same parameters to agree on hashes.
type Params struct {
	digest [sha256.Size]byte
}

// LoadParams reads the parameters file. A missing or unreadable file is a
// fatal startup error for the caller.
func LoadParams(path string) (*Params, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load codec parameters from %s: %w", path, err)
	}
	return &Params{digest: sha256.Sum256(raw)}, nil
}

// Block is the self-describing wire and disk form of one coded shard.
type Block struct {
	FileHash   string   `json:"file_hash"`
	Index      int      `json:"index"`
	K          int      `json:"k"`
	N          int      `json:"n"`
	Method     Method   `json:"method"`
	FileSize   int      `json:"file_size"`
	Commitment string   `json:"commitment"`
	Proof      []string `json:"proof"` // commitment vector of the whole encoding
	Payload    []byte   `json:"payload"`
}

// EncodedBlock pairs a block's content-addressed hash with its bytes.
type EncodedBlock struct {
	Hash string
	Data []byte
}

// Codec runs encode, decode and verify on a bounded worker pool so callers
// never stall the swarm loop with CPU-bound work.
type Codec struct {
	params *Params
	sem    chan struct{}
}

// New builds a codec over the loaded parameters.
func New(params *Params) *Codec {
	return &Codec{
		params: params,
		sem:    make(chan struct{}, runtime.NumCPU()),
	}
}

func (c *Codec) acquire() func() {
	c.sem <- struct{}{}
	return func() { <-c.sem }
}

// encoder builds the Reed-Solomon encoder for the given geometry. The
// method picks the matrix construction.
func encoder(k, n int, method Method) (reedsolomon.Encoder, error) {
	var opts []reedsolomon.Option
	if method == Random {
		opts = append(opts, reedsolomon.WithCauchyMatrix())
	}
	enc, err := reedsolomon.New(k, n-k, opts...)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "failed to build encoder for k=%d n=%d", k, n)
	}
	return enc, nil
}

// commitment digests one shard together with the parameters and its
// position in the encoding.
func (c *Codec) commitment(method Method, k, n, index int, shard []byte) string {
	h := sha256.New()
	h.Write([]byte("dragoonfly/commit"))
	h.Write(c.params.digest[:])
	h.Write([]byte(method))
	var hdr [24]byte
	binary.BigEndian.PutUint64(hdr[0:], uint64(k))
	binary.BigEndian.PutUint64(hdr[8:], uint64(n))
	binary.BigEndian.PutUint64(hdr[16:], uint64(index))
	h.Write(hdr[:])
	h.Write(shard)
	return hex.EncodeToString(h.Sum(nil))
}

// fileHash digests the commitment vector of an encoding.
func (c *Codec) fileHash(method Method, k, n, fileSize int, commitments []string) string {
	h := sha256.New()
	h.Write([]byte("dragoonfly/file"))
	h.Write(c.params.digest[:])
	h.Write([]byte(method))
	var hdr [24]byte
	binary.BigEndian.PutUint64(hdr[0:], uint64(k))
	binary.BigEndian.PutUint64(hdr[8:], uint64(n))
	binary.BigEndian.PutUint64(hdr[16:], uint64(fileSize))
	h.Write(hdr[:])
	for _, commit := range commitments {
		h.Write([]byte(commit))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BlockHash is the canonical content hash of a block's encoded bytes.
func BlockHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Encode erasure-codes data into n blocks, any k of which reconstruct it.
func (c *Codec) Encode(data []byte, k, n int, method Method) (string, []EncodedBlock, error) {
	release := c.acquire()
	defer release()

	if k < 1 || n < k || n > 256 {
		return "", nil, errs.New(errs.BadRequest, "invalid encoding geometry k=%d n=%d (want 256 >= n >= k >= 1)", k, n)
	}
	if len(data) == 0 {
		return "", nil, errs.New(errs.BadRequest, "cannot encode an empty file")
	}

	var shards [][]byte
	if n == k {
		shards = splitPlain(data, k)
	} else {
		enc, err := encoder(k, n, method)
		if err != nil {
			return "", nil, err
		}
		shards, err = enc.Split(data)
		if err != nil {
			return "", nil, errs.Wrap(errs.Internal, err, "failed to split %d bytes into %d shards", len(data), k)
		}
		if err := enc.Encode(shards); err != nil {
			return "", nil, errs.Wrap(errs.Internal, err, "failed to encode shards")
		}
	}

	commitments := make([]string, n)
	for i, shard := range shards {
		commitments[i] = c.commitment(method, k, n, i, shard)
	}
	fileHash := c.fileHash(method, k, n, len(data), commitments)

	blocks := make([]EncodedBlock, n)
	for i, shard := range shards {
		blk := Block{
			FileHash:   fileHash,
			Index:      i,
			K:          k,
			N:          n,
			Method:     method,
			FileSize:   len(data),
			Commitment: commitments[i],
			Proof:      commitments,
			Payload:    shard,
		}
		raw, err := json.Marshal(blk)
		if err != nil {
			return "", nil, errs.Wrap(errs.Internal, err, "failed to marshal block %d", i)
		}
		blocks[i] = EncodedBlock{Hash: BlockHash(raw), Data: raw}
	}
	return fileHash, blocks, nil
}

// Parse decodes a block envelope without verifying it.
func Parse(data []byte) (*Block, error) {
	var blk Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, errs.Wrap(errs.CorruptBlock, err, "failed to parse block envelope")
	}
	return &blk, nil
}

// Verify checks a block's commitment and proof against the parameters.
func (c *Codec) Verify(data []byte) bool {
	release := c.acquire()
	defer release()
	return c.verify(data)
}

func (c *Codec) verify(data []byte) bool {
	blk, err := Parse(data)
	if err != nil {
		return false
	}
	if blk.K < 1 || blk.N < blk.K || blk.Index < 0 || blk.Index >= blk.N {
		return false
	}
	if len(blk.Proof) != blk.N || blk.Proof[blk.Index] != blk.Commitment {
		return false
	}
	if c.commitment(blk.Method, blk.K, blk.N, blk.Index, blk.Payload) != blk.Commitment {
		return false
	}
	return c.fileHash(blk.Method, blk.K, blk.N, blk.FileSize, blk.Proof) == blk.FileHash
}

// Decode reconstructs the original file from at least k blocks of one
// encoding. k may be zero, in which case it is taken from the blocks
// themselves.
func (c *Codec) Decode(k int, blocks [][]byte) ([]byte, error) {
	release := c.acquire()
	defer release()

	if len(blocks) == 0 {
		return nil, errs.New(errs.InsufficientBlocks, "no blocks to decode")
	}

	first, err := Parse(blocks[0])
	if err != nil {
		return nil, err
	}
	if k == 0 {
		k = first.K
	}
	if k != first.K {
		return nil, errs.New(errs.BadRequest, "requested k=%d but blocks were encoded with k=%d", k, first.K)
	}
	if len(blocks) < k {
		return nil, errs.New(errs.InsufficientBlocks, "got %d blocks but %d are needed", len(blocks), k)
	}

	shards := make([][]byte, first.N)
	distinct := 0
	for _, raw := range blocks {
		blk, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		if blk.FileHash != first.FileHash || blk.K != first.K || blk.N != first.N ||
			blk.Method != first.Method || blk.FileSize != first.FileSize {
			return nil, errs.New(errs.CorruptBlock, "block %d does not belong to file %s", blk.Index, first.FileHash)
		}
		if !c.verify(raw) {
			return nil, errs.New(errs.CorruptBlock, "block %d failed verification", blk.Index)
		}
		if shards[blk.Index] == nil {
			shards[blk.Index] = blk.Payload
			distinct++
		}
	}
	if distinct < k {
		return nil, errs.New(errs.LinearDependence,
			"only %d distinct blocks among %d supplied, %d needed", distinct, len(blocks), k)
	}

	if first.N == first.K {
		return joinPlain(shards, first.FileSize), nil
	}
	enc, err := encoder(first.K, first.N, first.Method)
	if err != nil {
		return nil, err
	}
	if err := enc.ReconstructData(shards); err != nil {
		return nil, errs.Wrap(errs.CorruptBlock, err, "failed to reconstruct data shards")
	}
	var buf bytes.Buffer
	if err := enc.Join(&buf, shards, first.FileSize); err != nil {
		return nil, errs.Wrap(errs.CorruptBlock, err, "failed to join data shards")
	}
	return buf.Bytes(), nil
}

// splitPlain cuts data into k equal shards with zero padding. It covers the
// systematic n == k geometry, which needs no parity.
func splitPlain(data []byte, k int) [][]byte {
	shardLen := (len(data) + k - 1) / k
	shards := make([][]byte, k)
	for i := range shards {
		shard := make([]byte, shardLen)
		lo := i * shardLen
		if lo < len(data) {
			copy(shard, data[lo:])
		}
		shards[i] = shard
	}
	return shards
}

func joinPlain(shards [][]byte, size int) []byte {
	out := make([]byte, 0, size)
	for _, shard := range shards {
		out = append(out, shard...)
	}
	return out[:size]
}
