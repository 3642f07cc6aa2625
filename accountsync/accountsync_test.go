package accountsync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumcontrol/tupelo-accounts/directory"
	"github.com/quorumcontrol/tupelo-accounts/identity"
	"github.com/quorumcontrol/tupelo-accounts/ledger"
	"github.com/quorumcontrol/tupelo-accounts/storage"
	"github.com/quorumcontrol/tupelo-accounts/transport"
)

type syncNode struct {
	id        ledger.NodeID
	directory *directory.Store
	syncer    *Syncer
}

func newNodes(t *testing.T, network *transport.Network, count int) []*syncNode {
	nodes := make([]*syncNode, count)
	for i := range nodes {
		key, err := identity.GenerateNodeKey()
		require.Nil(t, err)
		dir, err := directory.New(storage.NewDefaultMemory(), key.Private)
		require.Nil(t, err)
		tr := network.Join(key.ID)
		s := New(dir, tr)
		tr.Handle(SyncAllProtocol, s.HandleSyncAll)
		tr.Handle(SyncMineProtocol, s.HandleSyncMine)
		nodes[i] = &syncNode{id: key.ID, directory: dir, syncer: s}
	}
	return nodes
}

func ids(nodes []*syncNode) []ledger.NodeID {
	out := make([]ledger.NodeID, len(nodes))
	for i, n := range nodes {
		out[i] = n.id
	}
	return out
}

func size(t *testing.T, n *syncNode) int {
	all, err := n.directory.All(context.Background())
	require.Nil(t, err)
	return len(all)
}

func TestSyncAll(t *testing.T) {
	ctx := context.Background()
	network := transport.NewNetwork()
	nodes := newNodes(t, network, 3)
	for i, n := range nodes {
		_, err := n.directory.CreateAccount(ctx, fmt.Sprintf("account-%d", i))
		require.Nil(t, err)
	}

	require.Nil(t, nodes[0].syncer.SyncAll(ctx, ids(nodes)))
	for _, n := range nodes {
		assert.Equal(t, 3, size(t, n))
	}

	t.Run("syncing again changes nothing", func(t *testing.T) {
		require.Nil(t, nodes[1].syncer.SyncAll(ctx, ids(nodes)))
		for _, n := range nodes {
			assert.Equal(t, 3, size(t, n))
		}
	})

	t.Run("a new account reaches everyone", func(t *testing.T) {
		_, err := nodes[2].directory.CreateAccount(ctx, "late")
		require.Nil(t, err)
		require.Nil(t, nodes[0].syncer.SyncAll(ctx, ids(nodes)))
		for _, n := range nodes {
			assert.Equal(t, 4, size(t, n))
		}
	})
}

func TestSyncManyAccounts(t *testing.T) {
	ctx := context.Background()
	network := transport.NewNetwork()
	nodes := newNodes(t, network, 3)
	for _, n := range nodes {
		for i := 0; i < 100; i++ {
			_, err := n.directory.CreateAccount(ctx, fmt.Sprintf("account-%d", i))
			require.Nil(t, err)
		}
	}
	require.Nil(t, nodes[0].syncer.SyncAll(ctx, ids(nodes)))
	for _, n := range nodes {
		assert.Equal(t, 300, size(t, n))
		named, err := n.directory.ByName(ctx, "account-7")
		require.Nil(t, err)
		assert.Len(t, named, 3)
	}
}

func TestSyncUnreachable(t *testing.T) {
	ctx := context.Background()
	network := transport.NewNetwork()
	nodes := newNodes(t, network, 3)
	for i, n := range nodes {
		_, err := n.directory.CreateAccount(ctx, fmt.Sprintf("account-%d", i))
		require.Nil(t, err)
	}
	network.Disconnect(nodes[2].id)

	err := nodes[0].syncer.SyncAll(ctx, ids(nodes))
	require.NotNil(t, err)
	assert.True(t, errors.Is(err, ledger.ErrUnreachable))
	var ec *ledger.ErrorCode
	require.True(t, errors.As(err, &ec))
	assert.Equal(t, ledger.StageSync, ec.Stage)
	assert.Equal(t, nodes[2].id.String(), ec.ID)

	assert.Equal(t, 2, size(t, nodes[0]))
	assert.Equal(t, 2, size(t, nodes[1]))
	assert.Equal(t, 1, size(t, nodes[2]))

	network.Reconnect(nodes[2].id)
	require.Nil(t, nodes[0].syncer.SyncAll(ctx, ids(nodes)))
	for _, n := range nodes {
		assert.Equal(t, 3, size(t, n))
	}
}

func TestShareAccount(t *testing.T) {
	ctx := context.Background()
	network := transport.NewNetwork()
	nodes := newNodes(t, network, 2)
	acc, err := nodes[0].directory.CreateAccount(ctx, "only-this-one")
	require.Nil(t, err)
	_, err = nodes[0].directory.CreateAccount(ctx, "not-shared")
	require.Nil(t, err)

	require.Nil(t, nodes[0].syncer.ShareAccount(ctx, acc.ID, ids(nodes)))
	got, err := nodes[1].directory.Get(ctx, acc.ID)
	require.Nil(t, err)
	assert.Equal(t, acc, got)
	assert.Equal(t, 1, size(t, nodes[1]))

	err = nodes[0].syncer.ShareAccount(ctx, "unknown", ids(nodes))
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
}

func TestForgedEntriesAreDropped(t *testing.T) {
	ctx := context.Background()
	network := transport.NewNetwork()
	nodes := newNodes(t, network, 2)
	victim := nodes[1]

	forger, err := crypto.GenerateKey()
	require.Nil(t, err)
	forgerID := ledger.MustNodeID(&forger.PublicKey)
	tr := network.Join(forgerID)

	// claims to be hosted by the victim but is signed by someone else
	entry, err := directory.NewEntry(&ledger.Account{ID: "forged", Name: "forged", Host: forgerID}, forger)
	require.Nil(t, err)
	entry.Account = &ledger.Account{ID: "forged", Name: "forged", Host: victim.id}

	sess, err := tr.Open(ctx, victim.id, SyncMineProtocol)
	require.Nil(t, err)
	defer sess.Close()
	ack := &SyncAck{}
	require.Nil(t, sess.Request(&PublishMessage{Entries: []*directory.Entry{entry}}, ack))
	assert.Equal(t, 0, ack.Merged)

	_, err = victim.directory.Get(ctx, "forged")
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
}
