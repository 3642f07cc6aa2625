package node

import (
	"context"
	"fmt"

	"github.com/AsynkronIT/protoactor-go/actor"
	logging "github.com/ipfs/go-log"
	"github.com/libp2p/go-libp2p-core/protocol"
	"github.com/opentracing/opentracing-go"

	"github.com/quorumcontrol/tupelo-accounts/accountsync"
	"github.com/quorumcontrol/tupelo-accounts/directory"
	"github.com/quorumcontrol/tupelo-accounts/flows"
	"github.com/quorumcontrol/tupelo-accounts/identity"
	"github.com/quorumcontrol/tupelo-accounts/ledger"
	"github.com/quorumcontrol/tupelo-accounts/notary"
	"github.com/quorumcontrol/tupelo-accounts/resolver"
	"github.com/quorumcontrol/tupelo-accounts/storage"
	"github.com/quorumcontrol/tupelo-accounts/transport"
	"github.com/quorumcontrol/tupelo-accounts/vault"
)

// inboundSession is handed to the session actor for every stream a
// remote node opens.
type inboundSession struct {
	ctx     context.Context
	proto   protocol.ID
	remote  ledger.NodeID
	session *transport.Session
	handler transport.Handler
	done    chan struct{}
}

type Node struct {
	name string

	key       *identity.NodeKey
	directory *directory.Store
	keys      *identity.KeyStore
	vault     *vault.Store
	transport transport.Transport
	notary    notary.Client
	// notaryService is only set when this node runs the notary itself
	notaryService *notary.Service

	services  *flows.Services
	responder *flows.Responder
	syncer    *accountsync.Syncer

	logger logging.EventLogger

	rootContext *actor.RootContext
	pid         *actor.PID
	sessionsPid *actor.PID
	ready       chan struct{}
}

type NewNodeOptions struct {
	Key       *identity.NodeKey
	Transport transport.Transport
	// Storage defaults to memory
	Storage *storage.Config
	// Notary is used as is when set. Otherwise RunNotary starts a notary
	// in this node or NotaryID names a remote one.
	Notary    notary.Client
	RunNotary bool
	NotaryID  ledger.NodeID

	Name             string             // optional
	RootActorContext *actor.RootContext // optional
}

func NewNode(ctx context.Context, opts *NewNodeOptions) (*Node, error) {
	if opts.Key == nil || opts.Transport == nil {
		return nil, fmt.Errorf("a node needs a key and a transport")
	}
	if opts.Transport.Self() != opts.Key.ID {
		return nil, fmt.Errorf("transport is %s but key is %s", opts.Transport.Self(), opts.Key.ID)
	}
	storageConfig := opts.Storage
	if storageConfig == nil {
		storageConfig = &storage.Config{Kind: storage.KindMemory}
	}

	n := &Node{
		name:        opts.Name,
		key:         opts.Key,
		transport:   opts.Transport,
		logger:      logging.Logger("node"),
		rootContext: opts.RootActorContext,
		ready:       make(chan struct{}),
	}
	if n.name == "" {
		n.name = "node-" + opts.Key.ID.String()
	}
	if n.rootContext == nil {
		n.rootContext = actor.EmptyRootContext
	}

	dirStore, err := storageConfig.Open("directory")
	if err != nil {
		return nil, fmt.Errorf("error opening directory storage: %w", err)
	}
	n.directory, err = directory.New(dirStore, opts.Key.Private)
	if err != nil {
		return nil, fmt.Errorf("error creating directory: %w", err)
	}

	keyStore, err := storageConfig.Open("keys")
	if err != nil {
		return nil, fmt.Errorf("error opening key storage: %w", err)
	}
	n.keys = identity.NewKeyStore(keyStore, opts.Key.ID)

	vaultStore, err := storageConfig.Open("vault")
	if err != nil {
		return nil, fmt.Errorf("error opening vault storage: %w", err)
	}
	vaultBlocks, err := storageConfig.Blockstore(vaultStore)
	if err != nil {
		return nil, err
	}
	n.vault = vault.New(vaultStore, vaultBlocks)

	n.notary, err = n.setupNotary(ctx, opts, storageConfig)
	if err != nil {
		return nil, err
	}

	n.services = &flows.Services{
		Self:      opts.Key.ID,
		Directory: n.directory,
		Keys:      n.keys,
		Transport: opts.Transport,
		Vault:     n.vault,
		Notary:    n.notary,
	}
	n.responder, err = flows.NewResponder(n.services)
	if err != nil {
		return nil, fmt.Errorf("error creating responder: %w", err)
	}
	n.syncer = accountsync.New(n.directory, opts.Transport)
	return n, nil
}

func (n *Node) setupNotary(ctx context.Context, opts *NewNodeOptions, storageConfig *storage.Config) (notary.Client, error) {
	switch {
	case opts.Notary != nil:
		return opts.Notary, nil
	case opts.RunNotary:
		ds, err := storageConfig.Open("notary")
		if err != nil {
			return nil, fmt.Errorf("error opening notary storage: %w", err)
		}
		bs, err := storageConfig.Blockstore(ds)
		if err != nil {
			return nil, err
		}
		n.notaryService, err = notary.NewService(ctx, &notary.Options{
			Key:              n.key,
			Datastore:        ds,
			Blockstore:       bs,
			RootActorContext: n.rootContext,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating notary: %w", err)
		}
		return notary.NewLocalClient(n.notaryService), nil
	case opts.NotaryID != "":
		return notary.NewRemoteClient(opts.Transport, opts.NotaryID), nil
	default:
		return nil, fmt.Errorf("no notary configured")
	}
}

// Start spawns the node's actors and registers its protocol handlers. It
// returns once the node accepts sessions. Everything stops when ctx is
// done.
func (n *Node) Start(ctx context.Context) error {
	if n.notaryService != nil {
		if err := n.notaryService.Start(ctx); err != nil {
			return err
		}
	}
	pid, err := n.rootContext.SpawnNamed(actor.PropsFromFunc(n.Receive), n.name)
	if err != nil {
		return fmt.Errorf("error starting node actor: %w", err)
	}
	n.pid = pid

	select {
	case <-n.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	go func() {
		<-ctx.Done()
		n.logger.Infof("node %s stopping", n.key.ID)
		n.rootContext.Poison(n.pid)
	}()
	n.logger.Debugf("node %s started", n.key.ID)
	return nil
}

func (n *Node) Receive(actorContext actor.Context) {
	switch msg := actorContext.Message().(type) {
	case *actor.Started:
		n.setupSessions(actorContext)
		close(n.ready)
	default:
		n.logger.Debugf("root node actor received other %T message: %+v", msg, msg)
	}
}

func (n *Node) setupSessions(actorContext actor.Context) {
	sessionsPid, err := actorContext.SpawnNamed(actor.PropsFromFunc(n.SessionReceive), "sessions")
	if err != nil {
		panic(err)
	}
	n.sessionsPid = sessionsPid

	n.handle(identity.KeyProtocol, identity.KeyHandler(n.directory, n.keys))
	n.handle(flows.SignProtocol, n.responder.HandleSign)
	n.handle(flows.FinalityProtocol, n.responder.HandleFinality)
	n.handle(accountsync.SyncAllProtocol, n.syncer.HandleSyncAll)
	n.handle(accountsync.SyncMineProtocol, n.syncer.HandleSyncMine)
	if n.notaryService != nil {
		n.handle(notary.NotarizeProtocol, notary.Handler(n.notaryService))
	}
}

// handle routes sessions for proto through the sessions actor. The
// transport closes a session when its handler returns, so the returned
// handler waits for the real one to finish.
func (n *Node) handle(proto protocol.ID, handler transport.Handler) {
	n.transport.Handle(proto, func(ctx context.Context, remote ledger.NodeID, s *transport.Session) {
		msg := &inboundSession{
			ctx:     ctx,
			proto:   proto,
			remote:  remote,
			session: s,
			handler: handler,
			done:    make(chan struct{}),
		}
		n.rootContext.Send(n.sessionsPid, msg)
		select {
		case <-msg.done:
		case <-ctx.Done():
		}
	})
}

func (n *Node) SessionReceive(actorContext actor.Context) {
	switch msg := actorContext.Message().(type) {
	case *inboundSession:
		go func() {
			defer close(msg.done)
			n.logger.Debugf("%s session from %s", msg.proto, msg.remote)
			msg.handler(msg.ctx, msg.remote, msg.session)
		}()
	default:
		n.logger.Debugf("sessions actor received other %T message: %+v", msg, msg)
	}
}

func (n *Node) Close() error {
	if err := n.transport.Close(); err != nil {
		return fmt.Errorf("error closing transport: %w", err)
	}
	return nil
}

func (n *Node) ID() ledger.NodeID {
	return n.key.ID
}

// NotaryID is the id of the notary this node finalizes with.
func (n *Node) NotaryID() ledger.NodeID {
	return n.notary.ID()
}

func (n *Node) Directory() directory.Directory {
	return n.directory
}

func (n *Node) Vault() vault.Vault {
	return n.vault
}

// OnTransition registers fn to observe the state changes of runs this
// node initiates. It must be set before any run starts.
func (n *Node) OnTransition(fn func(r *flows.Run, from, to flows.State)) {
	n.services.OnTransition = fn
}

// CreateAccount creates an account hosted by this node. It is not known
// to other nodes until it is synced.
func (n *Node) CreateAccount(ctx context.Context, name string) (*ledger.Account, error) {
	return n.directory.CreateAccount(ctx, name)
}

// Accounts lists every account this node knows about.
func (n *Node) Accounts(ctx context.Context) ([]*ledger.Account, error) {
	entries, err := n.directory.All(ctx)
	if err != nil {
		return nil, err
	}
	accounts := make([]*ledger.Account, len(entries))
	for i, e := range entries {
		accounts[i] = e.Account
	}
	return accounts, nil
}

// Issue creates a new record owned by accountID and returns its linear id.
func (n *Node) Issue(ctx context.Context, accountID string, payload string) (string, error) {
	_, linearID, err := flows.Issue(ctx, n.services, accountID, payload)
	return linearID, err
}

func (n *Node) Transfer(ctx context.Context, ownerAccountID string, newOwnerAccountID string, linearID string) (string, error) {
	_, lid, err := flows.Transfer(ctx, n.services, ownerAccountID, newOwnerAccountID, linearID)
	return lid, err
}

func (n *Node) Share(ctx context.Context, ownerAccountID string, accountIDs []string, linearID string) (string, error) {
	_, lid, err := flows.Share(ctx, n.services, ownerAccountID, accountIDs, linearID)
	return lid, err
}

func (n *Node) resolveName(ctx context.Context, name string) (string, error) {
	r := resolver.New(n.key.ID, n.directory, n.keys, n.transport)
	acc, err := r.ResolveByName(ctx, name)
	if err != nil {
		return "", ledger.WithStage(err, ledger.StageResolution)
	}
	return acc.ID, nil
}

// IssueByName is Issue for an account named name. The name must match
// exactly one known account.
func (n *Node) IssueByName(ctx context.Context, name string, payload string) (string, error) {
	id, err := n.resolveName(ctx, name)
	if err != nil {
		return "", err
	}
	return n.Issue(ctx, id, payload)
}

func (n *Node) TransferByName(ctx context.Context, ownerName string, newOwnerName string, linearID string) (string, error) {
	owner, err := n.resolveName(ctx, ownerName)
	if err != nil {
		return "", err
	}
	newOwner, err := n.resolveName(ctx, newOwnerName)
	if err != nil {
		return "", err
	}
	return n.Transfer(ctx, owner, newOwner, linearID)
}

// QueryByAccount returns the current records accountID participates in.
// An empty linearID matches every record.
func (n *Node) QueryByAccount(ctx context.Context, accountID string, linearID string) ([]ledger.StateAndRef, error) {
	sp, ctx := opentracing.StartSpanFromContext(ctx, "node.QueryByAccount")
	defer sp.Finish()

	criteria := vault.Criteria{AccountIDs: []string{accountID}}
	if linearID != "" {
		criteria.LinearIDs = []string{linearID}
	}
	return n.vault.Query(ctx, criteria)
}

// SyncAccounts makes every node in nodes (and this one) know every account
// hosted by any of them.
func (n *Node) SyncAccounts(ctx context.Context, nodes []ledger.NodeID) error {
	return n.syncer.SyncAll(ctx, nodes)
}

// ShareAccount pushes one account this node knows to nodes.
func (n *Node) ShareAccount(ctx context.Context, accountID string, nodes []ledger.NodeID) error {
	return n.syncer.ShareAccount(ctx, accountID, nodes)
}
