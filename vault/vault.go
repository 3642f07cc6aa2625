package vault

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	cbornode "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log"
	"github.com/opentracing/opentracing-go"
	"github.com/quorumcontrol/chaintree/safewrap"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
)

var log = logging.Logger("vault")

var (
	recordsPrefix      = datastore.NewKey("/records")
	consumedPrefix     = datastore.NewKey("/consumed")
	linearPrefix       = datastore.NewKey("/linear")
	participantsPrefix = datastore.NewKey("/participants")
	signaturesPrefix   = datastore.NewKey("/signatures")
)

func init() {
	cbornode.RegisterCborType(signatureSet{})
}

// Criteria narrows a query. Empty fields do not filter. A record matches
// when it has any of AccountIDs as a participant and any of LinearIDs as
// its linear id.
type Criteria struct {
	AccountIDs []string
	LinearIDs  []string
}

// Vault is the durable record store. Only finalized transactions are ever
// recorded, so "current" is simply "not consumed by a recorded
// transaction".
type Vault interface {
	// Query returns the current record versions matching criteria.
	Query(ctx context.Context, criteria Criteria) ([]ledger.StateAndRef, error)
	// State returns one record version whether or not it has been consumed.
	State(ctx context.Context, ref ledger.StateRef) (*ledger.Record, error)
	// Record durably stores a finalized transaction. Recording the same
	// transaction twice is a no-op.
	Record(ctx context.Context, stx *ledger.SignedTransaction) error
	Transaction(ctx context.Context, id cid.Cid) (*ledger.SignedTransaction, error)
	Contains(ctx context.Context, id cid.Cid) (bool, error)
}

type signatureSet struct {
	Signatures   []ledger.Signature
	Notarization ledger.Signature
}

// Store implements Vault over a datastore for the indexes and a
// blockstore for transaction bodies.
type Store struct {
	sync.Mutex
	ds     datastore.Batching
	blocks blockstore.Blockstore
}

var _ Vault = (*Store)(nil)

func New(ds datastore.Batching, bs blockstore.Blockstore) *Store {
	return &Store{ds: ds, blocks: bs}
}

func refKey(prefix datastore.Key, ref ledger.StateRef) datastore.Key {
	return prefix.ChildString(ref.TxID).ChildString(strconv.Itoa(ref.Index))
}

func refFromKey(k datastore.Key, depth int) (ledger.StateRef, error) {
	parts := k.List()
	if len(parts) < depth+2 {
		return ledger.StateRef{}, fmt.Errorf("malformed key %s", k)
	}
	idx, err := strconv.Atoi(parts[depth+1])
	if err != nil {
		return ledger.StateRef{}, fmt.Errorf("malformed index in %s: %w", k, err)
	}
	return ledger.StateRef{TxID: parts[depth], Index: idx}, nil
}

func (s *Store) Contains(ctx context.Context, id cid.Cid) (bool, error) {
	return s.ds.Has(refKey(recordsPrefix, ledger.StateRef{TxID: id.String(), Index: 0}))
}

func (s *Store) Record(ctx context.Context, stx *ledger.SignedTransaction) error {
	sp, _ := opentracing.StartSpanFromContext(ctx, "vault.Record")
	defer sp.Finish()

	if err := ctx.Err(); err != nil {
		return err
	}

	sw := &safewrap.SafeWrap{}
	txNode := sw.WrapObject(stx.Tx)
	sigNode := sw.WrapObject(&signatureSet{Signatures: stx.Signatures, Notarization: stx.Notarization})
	if sw.Err != nil {
		return fmt.Errorf("error wrapping transaction: %w", sw.Err)
	}
	id := txNode.Cid()
	sp.SetTag("tx", id.String())

	s.Lock()
	defer s.Unlock()

	exists, err := s.Contains(ctx, id)
	if err != nil {
		return fmt.Errorf("error checking for %s: %w", id, err)
	}
	if exists {
		log.Debugf("transaction %s already recorded", id)
		return nil
	}

	if err := s.blocks.Put(txNode); err != nil {
		return fmt.Errorf("error storing transaction %s: %w", id, err)
	}

	batch, err := s.ds.Batch()
	if err != nil {
		return fmt.Errorf("error creating batch: %w", err)
	}
	txID := id.String()
	for _, in := range stx.Tx.Inputs {
		if err := batch.Put(refKey(consumedPrefix, in), []byte(txID)); err != nil {
			return err
		}
	}
	for i, out := range stx.Tx.Outputs {
		ref := ledger.StateRef{TxID: txID, Index: i}
		bits, err := cbornode.DumpObject(out)
		if err != nil {
			return fmt.Errorf("error encoding output %d: %w", i, err)
		}
		if err := batch.Put(refKey(recordsPrefix, ref), bits); err != nil {
			return err
		}
		if err := batch.Put(refKey(linearPrefix.ChildString(out.LinearID), ref), []byte{}); err != nil {
			return err
		}
		for _, p := range out.Participants {
			if err := batch.Put(refKey(participantsPrefix.ChildString(p.AccountID), ref), []byte{}); err != nil {
				return err
			}
		}
	}
	if err := batch.Put(signaturesPrefix.ChildString(txID), sigNode.RawData()); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("error committing %s: %w", txID, err)
	}
	log.Debugf("recorded %s consuming %d inputs", txID, len(stx.Tx.Inputs))
	return nil
}

func (s *Store) Transaction(ctx context.Context, id cid.Cid) (*ledger.SignedTransaction, error) {
	blk, err := s.blocks.Get(id)
	if err == blockstore.ErrNotFound {
		return nil, ledger.NewError(ledger.CodeNotFound, "", id.String(), "unknown transaction")
	}
	if err != nil {
		return nil, fmt.Errorf("error getting transaction %s: %w", id, err)
	}
	tx := &ledger.Transaction{}
	if err := cbornode.DecodeInto(blk.RawData(), tx); err != nil {
		return nil, fmt.Errorf("error decoding transaction %s: %w", id, err)
	}
	sigBytes, err := s.ds.Get(signaturesPrefix.ChildString(id.String()))
	if err != nil {
		return nil, fmt.Errorf("error getting signatures of %s: %w", id, err)
	}
	sigs := &signatureSet{}
	if err := cbornode.DecodeInto(sigBytes, sigs); err != nil {
		return nil, fmt.Errorf("error decoding signatures of %s: %w", id, err)
	}
	return &ledger.SignedTransaction{
		Tx:           tx,
		Signatures:   sigs.Signatures,
		Notarization: sigs.Notarization,
	}, nil
}

func (s *Store) State(ctx context.Context, ref ledger.StateRef) (*ledger.Record, error) {
	bits, err := s.ds.Get(refKey(recordsPrefix, ref))
	if err == datastore.ErrNotFound {
		return nil, ledger.NewError(ledger.CodeNotFound, "", ref.String(), "unknown record version")
	}
	if err != nil {
		return nil, fmt.Errorf("error getting %s: %w", ref, err)
	}
	rec := &ledger.Record{}
	if err := cbornode.DecodeInto(bits, rec); err != nil {
		return nil, fmt.Errorf("error decoding %s: %w", ref, err)
	}
	return rec, nil
}

func (s *Store) isConsumed(ref ledger.StateRef) (bool, error) {
	return s.ds.Has(refKey(consumedPrefix, ref))
}

func (s *Store) Query(ctx context.Context, criteria Criteria) ([]ledger.StateAndRef, error) {
	// walk the narrowest index available
	var prefixes []datastore.Key
	switch {
	case len(criteria.LinearIDs) > 0:
		for _, lid := range criteria.LinearIDs {
			prefixes = append(prefixes, linearPrefix.ChildString(lid))
		}
	case len(criteria.AccountIDs) > 0:
		for _, acc := range criteria.AccountIDs {
			prefixes = append(prefixes, participantsPrefix.ChildString(acc))
		}
	default:
		prefixes = []datastore.Key{recordsPrefix}
	}

	seen := make(map[ledger.StateRef]struct{})
	var found []ledger.StateAndRef
	for _, prefix := range prefixes {
		refs, err := s.refsUnder(prefix)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if _, ok := seen[ref]; ok {
				continue
			}
			seen[ref] = struct{}{}

			consumed, err := s.isConsumed(ref)
			if err != nil {
				return nil, fmt.Errorf("error checking %s: %w", ref, err)
			}
			if consumed {
				continue
			}
			rec, err := s.State(ctx, ref)
			if err != nil {
				return nil, err
			}
			if !matches(rec, criteria) {
				continue
			}
			found = append(found, ledger.StateAndRef{Ref: ref, Record: rec})
		}
	}
	return found, nil
}

func (s *Store) refsUnder(prefix datastore.Key) ([]ledger.StateRef, error) {
	res, err := s.ds.Query(query.Query{Prefix: prefix.String() + "/", KeysOnly: true})
	if err != nil {
		return nil, fmt.Errorf("error querying %s: %w", prefix, err)
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", prefix, err)
	}
	depth := len(prefix.List())
	refs := make([]ledger.StateRef, 0, len(entries))
	for _, e := range entries {
		ref, err := refFromKey(datastore.NewKey(e.Key), depth)
		if err != nil {
			log.Warningf("skipping index entry: %v", err)
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func matches(rec *ledger.Record, criteria Criteria) bool {
	if len(criteria.LinearIDs) > 0 && !contains(criteria.LinearIDs, rec.LinearID) {
		return false
	}
	if len(criteria.AccountIDs) > 0 {
		for _, acc := range criteria.AccountIDs {
			if rec.HasParticipant(acc) {
				return true
			}
		}
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, l := range list {
		if l == s {
			return true
		}
	}
	return false
}
