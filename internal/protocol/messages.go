// Package protocol defines the three peer-to-peer protocols spoken by a
// node: block-info exchange, block fetch and block transfer. DHT discovery
// is handled by the Kademlia behaviour and has no messages of its own here.
package protocol

// Protocol identifiers, multiplexed over one connection.
const (
	BlockInfoID     = "/dragoonfly/block-info/1.0.0"
	BlockExchangeID = "/dragoonfly/block-exchange/1.0.0"
	SendBlockID     = "/dragoonfly/send-block/1.0.0"
)

// MaxControlFrame bounds every control message on a stream. Block payloads
// are not framed and are bounded by the offer's announced size instead.
const MaxControlFrame = 1024

// MaxInfoFrame bounds block-info responses, which list many hashes.
const MaxInfoFrame = 1 << 20

// MaxBlockSize bounds how large an announced block payload may be.
const MaxBlockSize = 1 << 30

// BlockInfoRequest asks a peer which blocks it holds for a file.
type BlockInfoRequest struct {
	FileHash string `json:"file_hash"`
}

// PeerBlockInfo is the response: the blocks the responder currently holds.
type PeerBlockInfo struct {
	PeerIDBase58 string   `json:"peer_id_base_58"`
	FileHash     string   `json:"file_hash"`
	BlockHashes  []string `json:"block_hashes"`
}

// BlockRequest asks a peer for one block's bytes.
type BlockRequest struct {
	FileHash  string `json:"file_hash"`
	BlockHash string `json:"block_hash"`
}

// BlockResponse carries the requested block.
type BlockResponse struct {
	FileHash  string `json:"file_hash"`
	BlockHash string `json:"block_hash"`
	BlockData []byte `json:"block_data"`
}

// Offer opens a block transfer: the sender announces what it wants to store
// on the receiver and how many payload bytes will follow on acceptance.
type Offer struct {
	PeerIDBase58 string `json:"peer_id_base_58"`
	FileHash     string `json:"file_hash"`
	BlockHash    string `json:"block_hash"`
	Size         uint64 `json:"size"`
	Commitment   string `json:"commitment"`
}

// Answer is the receiver's admission decision.
type Answer struct {
	Accept bool   `json:"accept"`
	Reason string `json:"reason,omitempty"`
}

// Receipt closes a transfer: whether the payload was verified and stored.
type Receipt struct {
	Stored bool   `json:"stored"`
	Reason string `json:"reason,omitempty"`
}

// Rejection and receipt reasons exchanged on the wire.
const (
	ReasonInsufficientSpace = "InsufficientSpace"
	ReasonSizeMismatch      = "SizeMismatch"
	ReasonCorruptBlock      = "CorruptBlock"
	ReasonIoError           = "IoError"
	ReasonDuplicate         = "Duplicate"
)
