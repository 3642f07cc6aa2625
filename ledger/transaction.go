package ledger

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"
	"github.com/multiformats/go-multihash"
	"github.com/quorumcontrol/chaintree/safewrap"
)

func init() {
	cbornode.RegisterCborType(Command{})
	cbornode.RegisterCborType(Transaction{})
	cbornode.RegisterCborType(Signature{})
	cbornode.RegisterCborType(SignedTransaction{})
}

type CommandKind string

const (
	CommandIssue    CommandKind = "issue"
	CommandTransfer CommandKind = "transfer"
	CommandShare    CommandKind = "share"
)

// Command carries the kind of state change and the parties whose
// signatures are required for it.
type Command struct {
	Kind    CommandKind
	Signers []Party
}

// SignerAccounts returns the account ids of the required signers.
func (c Command) SignerAccounts() []string {
	ids := make([]string, len(c.Signers))
	for i, s := range c.Signers {
		ids[i] = s.AccountID
	}
	return ids
}

// Transaction is a proposal: zero or more consumed record versions, the
// produced version and the command authorizing it.
type Transaction struct {
	Inputs  []StateRef
	Outputs []*Record
	Command Command
	// Notary is the id of the uniqueness service that must finalize this
	Notary string
	Nonce  string
}

func (t *Transaction) node() (*cbornode.Node, error) {
	sw := &safewrap.SafeWrap{}
	n := sw.WrapObject(t)
	if sw.Err != nil {
		return nil, fmt.Errorf("error wrapping transaction: %w", sw.Err)
	}
	return n, nil
}

// ID is the content id of the canonical cbor encoding.
func (t *Transaction) ID() (cid.Cid, error) {
	n, err := t.node()
	if err != nil {
		return cid.Undef, err
	}
	return n.Cid(), nil
}

func (t *Transaction) MustID() cid.Cid {
	id, err := t.ID()
	if err != nil {
		panic(err)
	}
	return id
}

// ParseTxID decodes a transaction id as carried in a StateRef. Only
// sha2-256 cbor ids are produced by ID, so anything else is rejected.
func ParseTxID(s string) (cid.Cid, error) {
	id, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, Wrap(CodeValidationFailed, "", s, err)
	}
	decoded, err := multihash.Decode(id.Hash())
	if err != nil {
		return cid.Undef, Wrap(CodeValidationFailed, "", s, err)
	}
	if decoded.Code != multihash.SHA2_256 || id.Type() != cid.DagCBOR {
		return cid.Undef, NewError(CodeValidationFailed, "", s, "not a transaction id")
	}
	return id, nil
}

// SigningHash is the 32 byte digest every signer (and the notary) signs.
func SigningHash(id cid.Cid) []byte {
	return crypto.Keccak256(id.Bytes())
}

type Signature struct {
	Key       []byte
	Signature []byte
}

func (s Signature) IsZero() bool {
	return len(s.Key) == 0 && len(s.Signature) == 0
}

// Verify checks that Signature is a valid signature by Key over hash.
func (s Signature) Verify(hash []byte) bool {
	if len(s.Signature) < 64 {
		return false
	}
	return crypto.VerifySignature(s.Key, hash, s.Signature[:64])
}

// SignedTransaction is a transaction plus the signatures collected so far
// and, once finalized, the notary's attestation.
type SignedTransaction struct {
	Tx           *Transaction
	Signatures   []Signature
	Notarization Signature
}

func (st *SignedTransaction) ID() (cid.Cid, error) {
	return st.Tx.ID()
}

func (st *SignedTransaction) MustID() cid.Cid {
	return st.Tx.MustID()
}

// Copy returns a SignedTransaction that shares the immutable
// Transaction but owns its signature slice.
func (st *SignedTransaction) Copy() *SignedTransaction {
	sigs := make([]Signature, len(st.Signatures))
	copy(sigs, st.Signatures)
	return &SignedTransaction{
		Tx:           st.Tx,
		Signatures:   sigs,
		Notarization: st.Notarization,
	}
}

func (st *SignedTransaction) SignedBy(key []byte) bool {
	for _, s := range st.Signatures {
		if bytes.Equal(s.Key, key) {
			return true
		}
	}
	return false
}

// AddSignatures appends signatures from keys that have not signed yet.
func (st *SignedTransaction) AddSignatures(sigs ...Signature) {
	for _, s := range sigs {
		if st.SignedBy(s.Key) {
			continue
		}
		st.Signatures = append(st.Signatures, s)
	}
}

// MissingSigners returns the required signers without a signature.
func (st *SignedTransaction) MissingSigners() []Party {
	var missing []Party
	for _, p := range st.Tx.Command.Signers {
		if !st.SignedBy(p.Key) {
			missing = append(missing, p)
		}
	}
	return missing
}

// VerifySignatures checks every attached signature against the
// transaction id and that each one comes from a required signer. When
// complete is true it also requires that no signer is missing.
func (st *SignedTransaction) VerifySignatures(complete bool) error {
	id, err := st.ID()
	if err != nil {
		return err
	}
	hash := SigningHash(id)
	for _, s := range st.Signatures {
		if !st.requires(s.Key) {
			return NewError(CodeValidationFailed, "", id.String(), "signature from a key that is not a required signer")
		}
		if !s.Verify(hash) {
			return NewError(CodeValidationFailed, "", id.String(), "invalid signature from "+hexKey(s.Key))
		}
	}
	if complete {
		if missing := st.MissingSigners(); len(missing) > 0 {
			return NewError(CodeValidationFailed, "", id.String(), fmt.Sprintf("missing %d required signatures", len(missing)))
		}
	}
	return nil
}

func (st *SignedTransaction) requires(key []byte) bool {
	for _, p := range st.Tx.Command.Signers {
		if bytes.Equal(p.Key, key) {
			return true
		}
	}
	return false
}

// OutputRef returns the StateRef of output i.
func (st *SignedTransaction) OutputRef(i int) (StateRef, error) {
	id, err := st.ID()
	if err != nil {
		return StateRef{}, err
	}
	return StateRef{TxID: id.String(), Index: i}, nil
}

func hexKey(key []byte) string {
	return Party{Key: key}.KeyString()
}
