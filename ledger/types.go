package ledger

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	cbornode "github.com/ipfs/go-ipld-cbor"
)

func init() {
	cbornode.RegisterCborType(Account{})
	cbornode.RegisterCborType(Party{})
	cbornode.RegisterCborType(Record{})
	cbornode.RegisterCborType(StateRef{})
}

// Account is a named logical identity hosted by exactly one node.
type Account struct {
	ID   string
	Name string
	Host NodeID
}

func (a *Account) String() string {
	return fmt.Sprintf("%s(%s)@%s", a.Name, a.ID, a.Host)
}

// Party is a signing identity bound to an account. Key is the
// compressed secp256k1 public key.
type Party struct {
	AccountID string
	Key       []byte
}

func (p Party) KeyString() string {
	return hexutil.Encode(p.Key)
}

func (p Party) Equal(other Party) bool {
	return p.AccountID == other.AccountID && bytes.Equal(p.Key, other.Key)
}

func (p Party) IsZero() bool {
	return p.AccountID == "" && len(p.Key) == 0
}

// Record is one immutable version of an ownership record. All versions
// share LinearID.
type Record struct {
	LinearID     string
	Payload      string
	Owner        Party
	Participants []Party
}

// NewRecord creates the first version of a record owned (and only
// visible to) owner.
func NewRecord(payload string, owner Party) *Record {
	return &Record{
		LinearID:     uuid.New().String(),
		Payload:      payload,
		Owner:        owner,
		Participants: []Party{owner},
	}
}

func (r *Record) copy() *Record {
	participants := make([]Party, len(r.Participants))
	copy(participants, r.Participants)
	return &Record{
		LinearID:     r.LinearID,
		Payload:      r.Payload,
		Owner:        r.Owner,
		Participants: participants,
	}
}

// WithNewOwner returns the next version with the owner replaced. The old
// owner leaves the participant set and the new owner joins it.
func (r *Record) WithNewOwner(newOwner Party) *Record {
	next := r.copy()
	participants := make([]Party, 0, len(r.Participants)+1)
	for _, p := range r.Participants {
		if p.AccountID == r.Owner.AccountID || p.AccountID == newOwner.AccountID {
			continue
		}
		participants = append(participants, p)
	}
	next.Owner = newOwner
	next.Participants = append(participants, newOwner)
	return next
}

// WithAdditionalParticipants returns the next version with parties
// added by set union on account id, along with the parties that were
// genuinely new. Existing participants keep their position.
func (r *Record) WithAdditionalParticipants(parties []Party) (*Record, []Party) {
	next := r.copy()
	var added []Party
	for _, p := range parties {
		if next.HasParticipant(p.AccountID) {
			continue
		}
		next.Participants = append(next.Participants, p)
		added = append(added, p)
	}
	return next, added
}

func (r *Record) HasParticipant(accountID string) bool {
	for _, p := range r.Participants {
		if p.AccountID == accountID {
			return true
		}
	}
	return false
}

func (r *Record) ParticipantIDs() []string {
	ids := make([]string, len(r.Participants))
	for i, p := range r.Participants {
		ids[i] = p.AccountID
	}
	return ids
}

// StateRef points at one record version: output Index of transaction TxID.
type StateRef struct {
	TxID  string
	Index int
}

func (sr StateRef) String() string {
	return fmt.Sprintf("%s:%d", sr.TxID, sr.Index)
}

// StateAndRef is a resolved record version.
type StateAndRef struct {
	Ref    StateRef
	Record *Record
}
