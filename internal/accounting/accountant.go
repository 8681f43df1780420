// Package accounting enforces the send-storage budget: the byte ceiling for
// blocks this node accepts because another peer asked it to store them.
//
// The accountant is the admission gate of the block-transfer protocol.
// Reserve happens before the payload is received, Commit after the block has
// been verified and persisted, Abort on any failure in between. Committed
// blocks are recorded in a bbolt ledger so a restarted node resumes with the
// correct used size.
package accounting

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/dragoon-rs/dragoonfly/internal/errs"
)

var log = logging.Logger("dragoonfly/accounting")

var (
	bucketMeta   = []byte("meta")
	bucketLedger = []byte("ledger")
	keyUsed      = []byte("used")
)

// Record describes one block accepted via a send-request.
type Record struct {
	Size       uint64    `json:"size"`
	FileHash   string    `json:"file_hash"`
	BlockHash  string    `json:"block_hash"`
	SenderPeer string    `json:"peer_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// Token ties an open reservation to its size. A token must be consumed by
// exactly one Commit or Abort.
type Token struct {
	id   uint64
	size uint64
}

// Size returns the number of bytes the token reserves.
func (t Token) Size() uint64 { return t.size }

// Accountant tracks reserved and used bytes against the budget. All
// operations are short critical sections behind one mutex.
type Accountant struct {
	mu      sync.Mutex
	db      *bolt.DB
	total   uint64
	used    uint64 // committed + reserved
	nextID  uint64
	pending map[uint64]uint64 // token id -> size
}

// Open loads the ledger at path and restores the used size from previously
// committed records. total is the configured budget.
func Open(path string, total uint64) (*Accountant, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errs.Wrap(errs.IoError, err, "failed to open send ledger at %s", path)
	}
	a := &Accountant{
		db:      db,
		total:   total,
		pending: make(map[uint64]uint64),
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLedger); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if v := meta.Get(keyUsed); v != nil {
			a.used = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errs.Wrap(errs.IoError, err, "failed to initialise send ledger")
	}
	if a.used > a.total {
		db.Close()
		return nil, errs.New(errs.Internal,
			"send ledger already holds %d bytes but the configured budget is only %d", a.used, total)
	}
	if a.used > 0 {
		log.Infow("resumed send ledger", "used", a.used, "total", a.total)
	}
	return a, nil
}

// Close releases the ledger.
func (a *Accountant) Close() error { return a.db.Close() }

// Reserve claims size bytes against the budget. It fails with
// InsufficientSpace when the budget cannot cover the request.
func (a *Accountant) Reserve(size uint64) (Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.used+size > a.total {
		return Token{}, errs.New(errs.InsufficientSpace,
			"cannot reserve %d bytes: %d of %d already used", size, a.used, a.total)
	}
	a.used += size
	a.nextID++
	tok := Token{id: a.nextID, size: size}
	a.pending[tok.id] = size
	return tok, nil
}

// Commit finalises a reservation and appends the block to the ledger.
func (a *Accountant) Commit(tok Token, rec Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pending[tok.id]; !ok {
		return errs.New(errs.Internal, "commit of unknown reservation %d", tok.id)
	}
	delete(a.pending, tok.id)
	rec.Size = tok.size
	committed := a.committedLocked()
	err := a.db.Update(func(tx *bolt.Tx) error {
		ledger := tx.Bucket(bucketLedger)
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		key := []byte(rec.FileHash + "/" + rec.BlockHash)
		if err := ledger.Put(key, val); err != nil {
			return err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], committed)
		return tx.Bucket(bucketMeta).Put(keyUsed, buf[:])
	})
	if err != nil {
		// The block is on disk either way; the in-memory used size stays
		// authoritative and the ledger catches up on the next commit.
		log.Errorw("failed to persist send ledger entry", "error", err,
			"file", rec.FileHash, "block", rec.BlockHash)
		return errs.Wrap(errs.IoError, err, "failed to record block %s in the send ledger", rec.BlockHash)
	}
	log.Debugw("committed send reservation", "bytes", tok.size, "used", a.used, "total", a.total)
	return nil
}

// Abort releases a reservation without consuming budget.
func (a *Accountant) Abort(tok Token) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pending[tok.id]; !ok {
		return
	}
	delete(a.pending, tok.id)
	a.used -= tok.size
}

// committedLocked returns used minus open reservations. Caller holds a.mu.
func (a *Accountant) committedLocked() uint64 {
	committed := a.used
	for _, size := range a.pending {
		committed -= size
	}
	return committed
}

// Available returns the bytes still free under the budget. A budget lowered
// below the used size reports zero.
func (a *Accountant) Available() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.used >= a.total {
		return 0
	}
	return a.total - a.used
}

// Used returns the bytes currently counted against the budget, open
// reservations included.
func (a *Accountant) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// SetTotal changes the budget ceiling. Stored blocks are never evicted: if
// the new ceiling is below the used size, the free space is simply zero
// until enough blocks disappear. The returned string describes the outcome.
func (a *Accountant) SetTotal(newTotal uint64) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total = newTotal
	if a.used >= newTotal {
		return fmt.Sprintf(
			"New storage size is %d but already used size is %d, no more blocks will be accepted via send request",
			newTotal, a.used)
	}
	return fmt.Sprintf(
		"New total storage space is %d, %d is already used so the remaining available size for send blocks is %d",
		newTotal, a.used, newTotal-a.used)
}

// Records returns the ledger contents, mostly for tests and debugging.
func (a *Accountant) Records() ([]Record, error) {
	var recs []Record
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLedger).ForEach(func(_, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			recs = append(recs, r)
			return nil
		})
	})
	if err != nil {
		return nil, errs.Wrap(errs.IoError, err, "failed to read send ledger")
	}
	return recs, nil
}
