package protocol

import (
	"io"

	logging "github.com/ipfs/go-log/v2"

	"github.com/dragoon-rs/dragoonfly/internal/errs"
)

var log = logging.Logger("dragoonfly/protocol")

// SendBlock drives the sender side of a block transfer over an open stream:
// offer, await the admission decision, stream the payload, await the
// receipt. The caller owns the stream and the in-flight registry entry.
//
// The returned bool is true only when the receiver acknowledged the block as
// verified and stored. A refusal or a negative receipt is reported as an
// error carrying the remote reason.
func SendBlock(s io.ReadWriter, offer Offer, payload []byte) (bool, error) {
	if uint64(len(payload)) != offer.Size {
		return false, errs.New(errs.Internal,
			"offer announces %d bytes but the payload is %d", offer.Size, len(payload))
	}
	if err := WriteJSON(s, offer); err != nil {
		return false, errs.Wrap(errs.NetworkError, err, "failed to send offer for block %s", offer.BlockHash)
	}

	var answer Answer
	if err := ReadJSON(s, MaxControlFrame, &answer); err != nil {
		return false, errs.Wrap(errs.NetworkError, err, "failed to read answer for block %s", offer.BlockHash)
	}
	if !answer.Accept {
		return false, errs.New(errs.PeerRefused, "peer rejected block %s: %s", offer.BlockHash, answer.Reason)
	}

	if _, err := s.Write(payload); err != nil {
		return false, errs.Wrap(errs.NetworkError, err, "failed to stream block %s", offer.BlockHash)
	}

	var receipt Receipt
	if err := ReadJSON(s, MaxControlFrame, &receipt); err != nil {
		return false, errs.Wrap(errs.NetworkError, err, "failed to read receipt for block %s", offer.BlockHash)
	}
	if !receipt.Stored {
		return false, errs.New(reasonKind(receipt.Reason),
			"peer did not store block %s: %s", offer.BlockHash, receipt.Reason)
	}
	return true, nil
}

// ReceiverHooks are the local decisions a transfer receiver delegates:
// admission against the send-storage budget, integrity verification and
// persistence. Admit returns commit/abort callbacks tied to the
// reservation; exactly one of them runs.
type ReceiverHooks struct {
	Admit  func(offer Offer) (commit func() error, abort func(), reason string, ok bool)
	Verify func(offer Offer, data []byte) bool
	Store  func(fileHash, blockHash string, data []byte) error
}

// ReceiveBlock drives the receiver side of a block transfer. Any reported
// error means the transfer failed; the stream is fatal for this transfer
// only, never for the connection.
func ReceiveBlock(s io.ReadWriter, hooks ReceiverHooks) error {
	var offer Offer
	if err := ReadJSON(s, MaxControlFrame, &offer); err != nil {
		return errs.Wrap(errs.NetworkError, err, "failed to read offer")
	}
	if offer.Size == 0 || offer.Size > MaxBlockSize {
		_ = WriteJSON(s, Answer{Accept: false, Reason: ReasonSizeMismatch})
		return errs.New(errs.SizeMismatch, "offer announces an unreasonable size of %d bytes", offer.Size)
	}

	commit, abort, reason, ok := hooks.Admit(offer)
	if !ok {
		if err := WriteJSON(s, Answer{Accept: false, Reason: reason}); err != nil {
			return errs.Wrap(errs.NetworkError, err, "failed to send rejection")
		}
		log.Debugw("rejected block offer", "block", offer.BlockHash, "reason", reason)
		return nil
	}
	if err := WriteJSON(s, Answer{Accept: true}); err != nil {
		abort()
		return errs.Wrap(errs.NetworkError, err, "failed to send acceptance")
	}

	data := make([]byte, offer.Size)
	if _, err := io.ReadFull(s, data); err != nil {
		abort()
		_ = WriteJSON(s, Receipt{Stored: false, Reason: ReasonSizeMismatch})
		return errs.Wrap(errs.SizeMismatch, err,
			"payload for block %s ended before the announced %d bytes", offer.BlockHash, offer.Size)
	}

	if !hooks.Verify(offer, data) {
		abort()
		_ = WriteJSON(s, Receipt{Stored: false, Reason: ReasonCorruptBlock})
		return errs.New(errs.CorruptBlock, "block %s failed verification", offer.BlockHash)
	}

	if err := hooks.Store(offer.FileHash, offer.BlockHash, data); err != nil {
		abort()
		_ = WriteJSON(s, Receipt{Stored: false, Reason: ReasonIoError})
		return errs.Wrap(errs.IoError, err, "failed to persist block %s", offer.BlockHash)
	}

	if err := commit(); err != nil {
		// The block is stored; the ledger write failed. Report success to
		// the sender, the accountant keeps the in-memory size right.
		log.Errorw("ledger commit failed after storing block", "block", offer.BlockHash, "error", err)
	}
	if err := WriteJSON(s, Receipt{Stored: true}); err != nil {
		return errs.Wrap(errs.NetworkError, err, "failed to send receipt for block %s", offer.BlockHash)
	}
	log.Debugw("accepted block via send request", "block", offer.BlockHash, "bytes", offer.Size)
	return nil
}

// reasonKind maps a wire reason back into the local error taxonomy.
func reasonKind(reason string) errs.Kind {
	switch reason {
	case ReasonInsufficientSpace:
		return errs.InsufficientSpace
	case ReasonSizeMismatch:
		return errs.SizeMismatch
	case ReasonCorruptBlock:
		return errs.CorruptBlock
	case ReasonIoError:
		return errs.IoError
	default:
		return errs.PeerRefused
	}
}
