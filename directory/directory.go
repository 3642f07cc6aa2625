package directory

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	cbornode "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
)

var log = logging.Logger("directory")

var (
	accountsPrefix = datastore.NewKey("/accounts")
	namesPrefix    = datastore.NewKey("/accountnames")
)

const cacheSize = 1024

// Directory maps account ids and names to their hosting node. Entries
// only ever accumulate.
type Directory interface {
	Get(ctx context.Context, accountID string) (*ledger.Account, error)
	Entry(ctx context.Context, accountID string) (*Entry, error)
	ByName(ctx context.Context, name string) ([]*ledger.Account, error)
	Hosted(ctx context.Context, host ledger.NodeID) ([]*Entry, error)
	All(ctx context.Context) ([]*Entry, error)
	// Merge adds the entries it does not know yet and returns how many
	// were added. Entries failing provenance are dropped.
	Merge(ctx context.Context, entries []*Entry) (int, error)
}

// Store is the datastore backed Directory of one node. It can create
// accounts hosted by that node.
type Store struct {
	lock    sync.Mutex
	ds      datastore.Batching
	nodeKey *ecdsa.PrivateKey
	self    ledger.NodeID
	cache   *lru.Cache
}

var _ Directory = (*Store)(nil)

func New(ds datastore.Batching, nodeKey *ecdsa.PrivateKey) (*Store, error) {
	self, err := ledger.NodeIDFromPublicKey(&nodeKey.PublicKey)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("error creating cache: %w", err)
	}
	return &Store{ds: ds, nodeKey: nodeKey, self: self, cache: cache}, nil
}

func nameKey(name string, accountID string) datastore.Key {
	return namesPrefix.ChildString(hexutil.Encode([]byte(name))).ChildString(accountID)
}

// CreateAccount creates an account hosted by this node. Names are unique
// among the accounts this node hosts.
func (s *Store) CreateAccount(ctx context.Context, name string) (*ledger.Account, error) {
	if name == "" {
		return nil, fmt.Errorf("account name must not be empty")
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	existing, err := s.ByName(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, acc := range existing {
		if acc.Host == s.self {
			return nil, fmt.Errorf("account named %q already exists on this node", name)
		}
	}
	account := &ledger.Account{ID: uuid.New().String(), Name: name, Host: s.self}
	entry, err := NewEntry(account, s.nodeKey)
	if err != nil {
		return nil, err
	}
	if err := s.put(entry); err != nil {
		return nil, err
	}
	log.Infof("created account %s", account)
	return account, nil
}

func (s *Store) put(entry *Entry) error {
	bits, err := cbornode.DumpObject(entry)
	if err != nil {
		return fmt.Errorf("error encoding entry: %w", err)
	}
	batch, err := s.ds.Batch()
	if err != nil {
		return fmt.Errorf("error creating batch: %w", err)
	}
	if err := batch.Put(accountsPrefix.ChildString(entry.Account.ID), bits); err != nil {
		return err
	}
	if err := batch.Put(nameKey(entry.Account.Name, entry.Account.ID), []byte{}); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("error storing %s: %w", entry.Account.ID, err)
	}
	s.cache.Add(entry.Account.ID, entry)
	return nil
}

func (s *Store) Entry(ctx context.Context, accountID string) (*Entry, error) {
	if cached, ok := s.cache.Get(accountID); ok {
		return cached.(*Entry), nil
	}
	bits, err := s.ds.Get(accountsPrefix.ChildString(accountID))
	if err == datastore.ErrNotFound {
		return nil, ledger.NewError(ledger.CodeNotFound, "", accountID, "unknown account")
	}
	if err != nil {
		return nil, fmt.Errorf("error getting account %s: %w", accountID, err)
	}
	entry := &Entry{}
	if err := cbornode.DecodeInto(bits, entry); err != nil {
		return nil, fmt.Errorf("error decoding account %s: %w", accountID, err)
	}
	s.cache.Add(accountID, entry)
	return entry, nil
}

func (s *Store) Get(ctx context.Context, accountID string) (*ledger.Account, error) {
	entry, err := s.Entry(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return entry.Account, nil
}

func (s *Store) ByName(ctx context.Context, name string) ([]*ledger.Account, error) {
	prefix := namesPrefix.ChildString(hexutil.Encode([]byte(name)))
	res, err := s.ds.Query(query.Query{Prefix: prefix.String() + "/", KeysOnly: true})
	if err != nil {
		return nil, fmt.Errorf("error querying names: %w", err)
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, fmt.Errorf("error reading names: %w", err)
	}
	accounts := make([]*ledger.Account, 0, len(entries))
	for _, e := range entries {
		acc, err := s.Get(ctx, datastore.NewKey(e.Key).BaseNamespace())
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

func (s *Store) All(ctx context.Context) ([]*Entry, error) {
	res, err := s.ds.Query(query.Query{Prefix: accountsPrefix.String() + "/"})
	if err != nil {
		return nil, fmt.Errorf("error querying accounts: %w", err)
	}
	results, err := res.Rest()
	if err != nil {
		return nil, fmt.Errorf("error reading accounts: %w", err)
	}
	entries := make([]*Entry, 0, len(results))
	for _, r := range results {
		entry := &Entry{}
		if err := cbornode.DecodeInto(r.Value, entry); err != nil {
			return nil, fmt.Errorf("error decoding %s: %w", r.Key, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Store) Hosted(ctx context.Context, host ledger.NodeID) ([]*Entry, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	var hosted []*Entry
	for _, e := range all {
		if e.Account.Host == host {
			hosted = append(hosted, e)
		}
	}
	return hosted, nil
}

func (s *Store) Merge(ctx context.Context, entries []*Entry) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	added := 0
	for _, entry := range entries {
		if err := entry.Verify(); err != nil {
			log.Warningf("dropping directory entry: %v", err)
			continue
		}
		has, err := s.ds.Has(accountsPrefix.ChildString(entry.Account.ID))
		if err != nil {
			return added, fmt.Errorf("error checking %s: %w", entry.Account.ID, err)
		}
		if has {
			continue
		}
		if err := s.put(entry); err != nil {
			return added, err
		}
		added++
	}
	if added > 0 {
		log.Debugf("merged %d new accounts", added)
	}
	return added, nil
}

// Self is the id of the node whose directory this is.
func (s *Store) Self() ledger.NodeID {
	return s.self
}
