package swarm

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// DeriveIdentity deterministically builds the node's keypair from an
// integer seed: the seed is laid out little-endian at the front of a
// 32-byte ed25519 seed. Equal seeds always yield equal peer identities.
func DeriveIdentity(seed int64) (crypto.PrivKey, peer.ID, error) {
	var buf [ed25519.SeedSize]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(seed))
	key := ed25519.NewKeyFromSeed(buf[:])

	priv, err := crypto.UnmarshalEd25519PrivateKey(key)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build identity from seed %d: %w", seed, err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, "", fmt.Errorf("failed to derive peer id from seed %d: %w", seed, err)
	}
	return priv, id, nil
}
