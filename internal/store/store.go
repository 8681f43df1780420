// Package store implements the on-disk block store.
//
// Blocks live under <base>/<peer_id>/files/<file_hash>/blocks/<block_hash>.
// Writes are atomic (temp file then rename) and idempotent: blocks are
// content-addressed, so re-writing an existing hash is a no-op.
package store

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"

	"github.com/dragoon-rs/dragoonfly/internal/errs"
)

var log = logging.Logger("dragoonfly/store")

// Store is the block store for one local peer identity.
type Store struct {
	root string // <base>/<peer_id>/files
}

// Open prepares the file directory for the given identity. When replace is
// set, the identity's existing file directory (<base>/<peer_id>/files) is
// removed first; nothing else under <base>/<peer_id> is touched.
func Open(base, peerID string, replace bool) (*Store, error) {
	root := filepath.Join(base, peerID, "files")
	if replace {
		if err := os.RemoveAll(root); err != nil {
			return nil, errs.Wrap(errs.IoError, err, "failed to purge file directory %s", root)
		}
	}
	if _, err := os.Stat(root); err == nil {
		log.Warnw("file directory already exists, keeping it", "path", root)
	} else if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Wrap(errs.IoError, err, "failed to create file directory %s", root)
	} else {
		log.Infow("created file directory", "path", root)
	}
	return &Store{root: root}, nil
}

// Root returns the identity's file directory.
func (s *Store) Root() string { return s.root }

// FileDir returns the directory holding everything for one file hash.
func (s *Store) FileDir(fileHash string) string {
	return filepath.Join(s.root, fileHash)
}

// BlockDir returns the directory holding the blocks of one file hash.
func (s *Store) BlockDir(fileHash string) string {
	return filepath.Join(s.root, fileHash, "blocks")
}

// BlockPath returns the path of a single block.
func (s *Store) BlockPath(fileHash, blockHash string) string {
	return filepath.Join(s.BlockDir(fileHash), blockHash)
}

// Put writes a block. It reports whether the block already existed; a
// block that already exists is left untouched.
func (s *Store) Put(fileHash, blockHash string, data []byte) (existed bool, err error) {
	dir := s.BlockDir(fileHash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, errs.Wrap(errs.IoError, err, "failed to create block directory %s", dir)
	}
	path := filepath.Join(dir, blockHash)
	if _, err := os.Stat(path); err == nil {
		return true, nil
	}
	tmp, err := os.CreateTemp(dir, "."+blockHash+".tmp-*")
	if err != nil {
		return false, errs.Wrap(errs.IoError, err, "failed to create temp file in %s", dir)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return false, errs.Wrap(errs.IoError, err, "failed to write block %s", blockHash)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return false, errs.Wrap(errs.IoError, err, "failed to close temp file for block %s", blockHash)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return false, errs.Wrap(errs.IoError, err, "failed to move block %s into place", blockHash)
	}
	return false, nil
}

// Get reads a block's bytes.
func (s *Store) Get(fileHash, blockHash string) ([]byte, error) {
	data, err := os.ReadFile(s.BlockPath(fileHash, blockHash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errs.New(errs.NotFound, "no block %s for file %s", blockHash, fileHash)
	}
	if err != nil {
		return nil, errs.Wrap(errs.IoError, err, "failed to read block %s", blockHash)
	}
	return data, nil
}

// List returns the block hashes currently stored for a file. The listing is
// a directory read without locks; blocks written concurrently may or may not
// appear.
func (s *Store) List(fileHash string) ([]string, error) {
	entries, err := os.ReadDir(s.BlockDir(fileHash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errs.New(errs.NotFound, "no blocks stored for file %s", fileHash)
	}
	if err != nil {
		return nil, errs.Wrap(errs.IoError, err, "failed to list blocks for file %s", fileHash)
	}
	hashes := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			hashes = append(hashes, e.Name())
		}
	}
	return hashes, nil
}

// Remove deletes a single block.
func (s *Store) Remove(fileHash, blockHash string) error {
	err := os.Remove(s.BlockPath(fileHash, blockHash))
	if errors.Is(err, fs.ErrNotExist) {
		return errs.New(errs.NotFound, "no block %s for file %s", blockHash, fileHash)
	}
	if err != nil {
		return errs.Wrap(errs.IoError, err, "failed to remove block %s", blockHash)
	}
	return nil
}

// Clear removes every block stored for a file.
func (s *Store) Clear(fileHash string) error {
	if err := os.RemoveAll(s.BlockDir(fileHash)); err != nil {
		return errs.Wrap(errs.IoError, err, "failed to clear blocks for file %s", fileHash)
	}
	return nil
}

// WriteOutput writes decoded file contents as a sibling of the blocks
// directory and returns the path written.
func (s *Store) WriteOutput(fileHash, name string, data []byte) (string, error) {
	dir := s.FileDir(fileHash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.Wrap(errs.IoError, err, "failed to create file directory %s", dir)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errs.Wrap(errs.IoError, err, "failed to write output file %s", path)
	}
	log.Infow("wrote decoded file", "path", path, "bytes", len(data))
	return path, nil
}

// BlockSize returns the on-disk size of a block.
func (s *Store) BlockSize(fileHash, blockHash string) (int64, error) {
	info, err := os.Stat(s.BlockPath(fileHash, blockHash))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, errs.New(errs.NotFound, "no block %s for file %s", blockHash, fileHash)
	}
	if err != nil {
		return 0, errs.Wrap(errs.IoError, err, "failed to stat block %s", blockHash)
	}
	return info.Size(), nil
}

// ReadBlocksFrom reads the given block hashes from an arbitrary directory.
// It backs decode-blocks, whose inputs may live outside the store layout.
func ReadBlocksFrom(dir string, blockHashes []string) ([][]byte, error) {
	blocks := make([][]byte, 0, len(blockHashes))
	for _, h := range blockHashes {
		data, err := os.ReadFile(filepath.Join(dir, h))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.New(errs.NotFound, "no block %s in %s", h, dir)
		}
		if err != nil {
			return nil, errs.Wrap(errs.IoError, err, "failed to read block %s from %s", h, dir)
		}
		blocks = append(blocks, data)
	}
	return blocks, nil
}
