package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ipfs/go-datastore"
	cbornode "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
)

var log = logging.Logger("identity")

var keysPrefix = datastore.NewKey("/keys")

func init() {
	cbornode.RegisterCborType(storedKey{})
}

// Service issues signing identities for the accounts a node hosts and
// signs with them.
type Service interface {
	// Issue generates a fresh signing identity bound to account.
	Issue(ctx context.Context, account *ledger.Account) (ledger.Party, error)
	// Holds reports whether the private half of party is held here.
	Holds(ctx context.Context, party ledger.Party) (bool, error)
	Sign(ctx context.Context, party ledger.Party, hash []byte) (ledger.Signature, error)
}

type storedKey struct {
	AccountID string
	Private   []byte
}

// KeyStore keeps issued private keys in a datastore under /keys.
type KeyStore struct {
	lock sync.RWMutex
	ds   datastore.Batching
	self ledger.NodeID
}

var _ Service = (*KeyStore)(nil)

func NewKeyStore(ds datastore.Batching, self ledger.NodeID) *KeyStore {
	return &KeyStore{ds: ds, self: self}
}

func keyFor(pub []byte) datastore.Key {
	return keysPrefix.ChildString(hexutil.Encode(pub))
}

func (ks *KeyStore) Issue(ctx context.Context, account *ledger.Account) (ledger.Party, error) {
	if account.Host != ks.self {
		return ledger.Party{}, ledger.NewError(ledger.CodeValidationFailed, ledger.StageResolution, account.ID, "account is not hosted on "+ks.self.String())
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return ledger.Party{}, fmt.Errorf("error generating key: %w", err)
	}
	party := ledger.Party{AccountID: account.ID, Key: crypto.CompressPubkey(&key.PublicKey)}
	bits, err := cbornode.DumpObject(&storedKey{AccountID: account.ID, Private: crypto.FromECDSA(key)})
	if err != nil {
		return ledger.Party{}, fmt.Errorf("error encoding key: %w", err)
	}

	ks.lock.Lock()
	defer ks.lock.Unlock()
	if err := ks.ds.Put(keyFor(party.Key), bits); err != nil {
		return ledger.Party{}, fmt.Errorf("error storing key: %w", err)
	}
	log.Debugf("issued %s for account %s", party.KeyString(), account.ID)
	return party, nil
}

func (ks *KeyStore) load(party ledger.Party) (*storedKey, error) {
	ks.lock.RLock()
	defer ks.lock.RUnlock()
	bits, err := ks.ds.Get(keyFor(party.Key))
	if err == datastore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error getting key: %w", err)
	}
	sk := &storedKey{}
	if err := cbornode.DecodeInto(bits, sk); err != nil {
		return nil, fmt.Errorf("error decoding key: %w", err)
	}
	return sk, nil
}

func (ks *KeyStore) Holds(ctx context.Context, party ledger.Party) (bool, error) {
	sk, err := ks.load(party)
	if err != nil {
		return false, err
	}
	return sk != nil && sk.AccountID == party.AccountID, nil
}

// Sign signs hash with the private half of party. The key must have been
// issued here for the same account.
func (ks *KeyStore) Sign(ctx context.Context, party ledger.Party, hash []byte) (ledger.Signature, error) {
	sk, err := ks.load(party)
	if err != nil {
		return ledger.Signature{}, err
	}
	if sk == nil || sk.AccountID != party.AccountID {
		return ledger.Signature{}, ledger.NewError(ledger.CodeNotFound, "", party.AccountID, "cannot find key "+party.KeyString())
	}
	priv, err := crypto.ToECDSA(sk.Private)
	if err != nil {
		return ledger.Signature{}, fmt.Errorf("error loading key: %w", err)
	}
	sig, err := crypto.Sign(hash, priv)
	if err != nil {
		return ledger.Signature{}, fmt.Errorf("error signing: %w", err)
	}
	return ledger.Signature{Key: party.Key, Signature: sig}, nil
}
