package ledger

import (
	"crypto/ecdsa"
	"fmt"

	libp2pcrypto "github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"
)

// NodeID is the stable identity of a node: the base58 libp2p peer id of
// its secp256k1 public key.
type NodeID string

func (id NodeID) String() string {
	return string(id)
}

// PeerID decodes the node id into a libp2p peer id.
func (id NodeID) PeerID() (peer.ID, error) {
	return peer.IDB58Decode(string(id))
}

func NodeIDFromPublicKey(key *ecdsa.PublicKey) (NodeID, error) {
	pid, err := peer.IDFromPublicKey((*libp2pcrypto.Secp256k1PublicKey)(key))
	if err != nil {
		return "", fmt.Errorf("error getting peer id: %w", err)
	}
	return NodeIDFromPeer(pid), nil
}

func NodeIDFromPeer(pid peer.ID) NodeID {
	return NodeID(peer.IDB58Encode(pid))
}

// MustNodeID is NodeIDFromPublicKey for keys known to be valid.
func MustNodeID(key *ecdsa.PublicKey) NodeID {
	id, err := NodeIDFromPublicKey(key)
	if err != nil {
		panic(err)
	}
	return id
}
