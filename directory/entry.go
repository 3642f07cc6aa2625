package directory

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	cbornode "github.com/ipfs/go-ipld-cbor"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
)

func init() {
	cbornode.RegisterCborType(Provenance{})
	cbornode.RegisterCborType(Entry{})
}

// Provenance proves an account was created by its host: the host node's
// signature over the account's canonical encoding.
type Provenance struct {
	HostKey   []byte
	Signature []byte
}

// Entry is what directories store and exchange during sync.
type Entry struct {
	Account    *ledger.Account
	Provenance Provenance
}

func accountHash(account *ledger.Account) ([]byte, error) {
	bits, err := cbornode.DumpObject(account)
	if err != nil {
		return nil, fmt.Errorf("error encoding account: %w", err)
	}
	return crypto.Keccak256(bits), nil
}

// NewEntry signs account with the key of the node hosting it.
func NewEntry(account *ledger.Account, hostKey *ecdsa.PrivateKey) (*Entry, error) {
	host, err := ledger.NodeIDFromPublicKey(&hostKey.PublicKey)
	if err != nil {
		return nil, err
	}
	if host != account.Host {
		return nil, fmt.Errorf("key of %s cannot vouch for account hosted on %s", host, account.Host)
	}
	hash, err := accountHash(account)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash, hostKey)
	if err != nil {
		return nil, fmt.Errorf("error signing account: %w", err)
	}
	return &Entry{
		Account: account,
		Provenance: Provenance{
			HostKey:   crypto.CompressPubkey(&hostKey.PublicKey),
			Signature: sig,
		},
	}, nil
}

// Verify checks that the provenance key belongs to the account's host and
// that it signed exactly this account.
func (e *Entry) Verify() error {
	if e.Account == nil || e.Account.ID == "" {
		return fmt.Errorf("entry has no account")
	}
	pub, err := crypto.DecompressPubkey(e.Provenance.HostKey)
	if err != nil {
		return fmt.Errorf("invalid host key: %w", err)
	}
	host, err := ledger.NodeIDFromPublicKey(pub)
	if err != nil {
		return err
	}
	if host != e.Account.Host {
		return fmt.Errorf("host key belongs to %s not %s", host, e.Account.Host)
	}
	hash, err := accountHash(e.Account)
	if err != nil {
		return err
	}
	if len(e.Provenance.Signature) < 64 || !crypto.VerifySignature(e.Provenance.HostKey, hash, e.Provenance.Signature[:64]) {
		return fmt.Errorf("invalid provenance signature for %s", e.Account.ID)
	}
	return nil
}
