package resolver

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log"
	"github.com/opentracing/opentracing-go"

	"github.com/quorumcontrol/tupelo-accounts/directory"
	"github.com/quorumcontrol/tupelo-accounts/identity"
	"github.com/quorumcontrol/tupelo-accounts/ledger"
	"github.com/quorumcontrol/tupelo-accounts/transport"
)

var log = logging.Logger("resolver")

// Resolver maps accounts to signing identities for a single run. Each run
// creates its own; a Resolver is never shared between runs, so concurrent
// runs for one account get distinct identities.
type Resolver struct {
	self      ledger.NodeID
	directory directory.Directory
	keys      identity.Service
	transport transport.Transport

	lock       sync.Mutex
	accounts   map[string]*ledger.Account
	identities map[string]ledger.Party
}

func New(self ledger.NodeID, dir directory.Directory, keys identity.Service, tr transport.Transport) *Resolver {
	return &Resolver{
		self:       self,
		directory:  dir,
		keys:       keys,
		transport:  tr,
		accounts:   make(map[string]*ledger.Account),
		identities: make(map[string]ledger.Party),
	}
}

func (r *Resolver) remember(account *ledger.Account) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.accounts[account.ID] = account
}

// Resolve looks up accountID in the directory.
func (r *Resolver) Resolve(ctx context.Context, accountID string) (*ledger.Account, error) {
	account, err := r.directory.Get(ctx, accountID)
	if err != nil {
		return nil, ledger.WithStage(err, ledger.StageResolution)
	}
	r.remember(account)
	return account, nil
}

// ResolveByName fails with ledger.ErrNotFound on no match and
// ledger.ErrAmbiguous when more than one node hosts an account by name.
func (r *Resolver) ResolveByName(ctx context.Context, name string) (*ledger.Account, error) {
	accounts, err := r.directory.ByName(ctx, name)
	if err != nil {
		return nil, err
	}
	switch len(accounts) {
	case 0:
		return nil, ledger.NewError(ledger.CodeNotFound, ledger.StageResolution, name, "no account with that name")
	case 1:
		r.remember(accounts[0])
		return accounts[0], nil
	default:
		return nil, ledger.NewError(ledger.CodeAmbiguous, ledger.StageResolution, name, "more than one account with that name")
	}
}

func (r *Resolver) ResolveAll(ctx context.Context, accountIDs []string) ([]*ledger.Account, error) {
	accounts := make([]*ledger.Account, len(accountIDs))
	for i, id := range accountIDs {
		account, err := r.Resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		accounts[i] = account
	}
	return accounts, nil
}

// SigningIdentity returns the identity account signs with in this run,
// asking the account's host for one the first time.
func (r *Resolver) SigningIdentity(ctx context.Context, account *ledger.Account) (ledger.Party, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if party, ok := r.identities[account.ID]; ok {
		return party, nil
	}

	sp, ctx := opentracing.StartSpanFromContext(ctx, "resolver.SigningIdentity")
	defer sp.Finish()
	sp.SetTag("account", account.ID)

	var party ledger.Party
	var err error
	if account.Host == r.self {
		party, err = r.keys.Issue(ctx, account)
	} else {
		sp.SetTag("remote", account.Host.String())
		party, err = identity.RequestKey(ctx, r.transport, account.Host, account.ID)
	}
	if err != nil {
		return ledger.Party{}, ledger.WithStage(err, ledger.StageResolution)
	}
	log.Debugf("identity %s for %s", party.KeyString(), account.ID)
	r.accounts[account.ID] = account
	r.identities[account.ID] = party
	return party, nil
}

// Party returns the identity already issued for accountID in this run.
func (r *Resolver) Party(accountID string) (ledger.Party, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	party, ok := r.identities[accountID]
	if !ok {
		return ledger.Party{}, ledger.NewError(ledger.CodeNotFound, ledger.StageResolution, accountID, "cannot find key for account")
	}
	return party, nil
}

// Account returns an account resolved earlier in this run.
func (r *Resolver) Account(accountID string) (*ledger.Account, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	account, ok := r.accounts[accountID]
	if !ok {
		return nil, ledger.NewError(ledger.CodeNotFound, ledger.StageResolution, accountID, "account was never resolved in this run")
	}
	return account, nil
}

// Host returns the node hosting an account resolved earlier in this run.
func (r *Resolver) Host(accountID string) (ledger.NodeID, error) {
	account, err := r.Account(accountID)
	if err != nil {
		return "", err
	}
	return account.Host, nil
}

func (r *Resolver) Self() ledger.NodeID {
	return r.self
}
