package identity

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
)

// NodeKey is the long lived key a node is identified by. It signs
// directory provenance and, for notary nodes, notarizations.
type NodeKey struct {
	Private *ecdsa.PrivateKey
	ID      ledger.NodeID
}

func NewNodeKey(key *ecdsa.PrivateKey) (*NodeKey, error) {
	id, err := ledger.NodeIDFromPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &NodeKey{Private: key, ID: id}, nil
}

func GenerateNodeKey() (*NodeKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("error generating key: %w", err)
	}
	return NewNodeKey(key)
}

// NodeKeyFromHex loads a key written by Hex.
func NodeKeyFromHex(encoded string) (*NodeKey, error) {
	bits, err := hexutil.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("error decoding node key: %w", err)
	}
	key, err := crypto.ToECDSA(bits)
	if err != nil {
		return nil, fmt.Errorf("error loading node key: %w", err)
	}
	return NewNodeKey(key)
}

func (nk *NodeKey) Hex() string {
	return hexutil.Encode(crypto.FromECDSA(nk.Private))
}

func (nk *NodeKey) PublicHex() string {
	return hexutil.Encode(crypto.FromECDSAPub(&nk.Private.PublicKey))
}

func (nk *NodeKey) Sign(hash []byte) (ledger.Signature, error) {
	sig, err := crypto.Sign(hash, nk.Private)
	if err != nil {
		return ledger.Signature{}, fmt.Errorf("error signing: %w", err)
	}
	return ledger.Signature{Key: crypto.CompressPubkey(&nk.Private.PublicKey), Signature: sig}, nil
}
