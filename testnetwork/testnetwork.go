// Package testnetwork runs several nodes in one process over an in-memory
// transport, all finalizing with one shared notary.
package testnetwork

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumcontrol/tupelo-accounts/identity"
	"github.com/quorumcontrol/tupelo-accounts/ledger"
	"github.com/quorumcontrol/tupelo-accounts/node"
	"github.com/quorumcontrol/tupelo-accounts/notary"
	"github.com/quorumcontrol/tupelo-accounts/storage"
	"github.com/quorumcontrol/tupelo-accounts/transport"
)

type TestNetwork struct {
	Network       *transport.Network
	NotaryService *notary.Service
	Notary        notary.Client
	Nodes         []*node.Node
}

// New starts size nodes, each of them synced with the others.
func New(ctx context.Context, t testing.TB, size int) *TestNetwork {
	return NewWithNotary(ctx, t, size, nil)
}

// NewWithNotary is New with every node's notary client passed through
// wrap, which may be nil.
func NewWithNotary(ctx context.Context, t testing.TB, size int, wrap func(notary.Client) notary.Client) *TestNetwork {
	key, err := identity.GenerateNodeKey()
	require.Nil(t, err)
	ds := storage.NewDefaultMemory()
	bs, err := storage.NewBlockstore(ds, 0)
	require.Nil(t, err)
	svc, err := notary.NewService(ctx, &notary.Options{Key: key, Datastore: ds, Blockstore: bs})
	require.Nil(t, err)
	require.Nil(t, svc.Start(ctx))

	tn := &TestNetwork{
		Network:       transport.NewNetwork(),
		NotaryService: svc,
		Notary:        notary.NewLocalClient(svc),
	}
	if wrap != nil {
		tn.Notary = wrap(tn.Notary)
	}
	for i := 0; i < size; i++ {
		tn.AddNode(ctx, t)
	}
	tn.Sync(ctx, t)
	return tn
}

// AddNode starts one more node. It is not synced.
func (tn *TestNetwork) AddNode(ctx context.Context, t testing.TB) *node.Node {
	key, err := identity.GenerateNodeKey()
	require.Nil(t, err)
	n, err := node.NewNode(ctx, &node.NewNodeOptions{
		Key:       key,
		Transport: tn.Network.Join(key.ID),
		Notary:    tn.Notary,
		Name:      fmt.Sprintf("test-node-%d-%s", len(tn.Nodes), key.ID),
	})
	require.Nil(t, err)
	require.Nil(t, n.Start(ctx))
	tn.Nodes = append(tn.Nodes, n)
	return n
}

func (tn *TestNetwork) IDs() []ledger.NodeID {
	ids := make([]ledger.NodeID, len(tn.Nodes))
	for i, n := range tn.Nodes {
		ids[i] = n.ID()
	}
	return ids
}

// Sync runs a full account sync from the first node.
func (tn *TestNetwork) Sync(ctx context.Context, t testing.TB) {
	if len(tn.Nodes) == 0 {
		return
	}
	require.Nil(t, tn.Nodes[0].SyncAccounts(ctx, tn.IDs()))
}

// Account creates an account on n and syncs it to every node.
func (tn *TestNetwork) Account(ctx context.Context, t testing.TB, n *node.Node, name string) *ledger.Account {
	acc, err := n.CreateAccount(ctx, name)
	require.Nil(t, err)
	tn.Sync(ctx, t)
	return acc
}

func (tn *TestNetwork) SessionsOpened(n *node.Node) int {
	return tn.Network.SessionsOpened(n.ID())
}
