package node_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumcontrol/tupelo-accounts/flows"
	"github.com/quorumcontrol/tupelo-accounts/identity"
	"github.com/quorumcontrol/tupelo-accounts/ledger"
	"github.com/quorumcontrol/tupelo-accounts/node"
	"github.com/quorumcontrol/tupelo-accounts/notary"
	"github.com/quorumcontrol/tupelo-accounts/storage"
	"github.com/quorumcontrol/tupelo-accounts/testnetwork"
	"github.com/quorumcontrol/tupelo-accounts/transport"
)

func current(t *testing.T, n *node.Node, accountID string, linearID string) []ledger.StateAndRef {
	found, err := n.QueryByAccount(context.Background(), accountID, linearID)
	require.Nil(t, err)
	return found
}

func TestOwnershipAcrossNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tn := testnetwork.New(ctx, t, 2)
	a, b := tn.Nodes[0], tn.Nodes[1]
	a1 := tn.Account(ctx, t, a, "a1")
	a2 := tn.Account(ctx, t, a, "a2")
	b1 := tn.Account(ctx, t, b, "b1")

	linearID, err := a.Issue(ctx, a1.ID, "hello")
	require.Nil(t, err)
	found := current(t, a, a1.ID, linearID)
	require.Len(t, found, 1)
	assert.Equal(t, "hello", found[0].Record.Payload)
	assert.Equal(t, []string{a1.ID}, found[0].Record.ParticipantIDs())
	assert.Len(t, current(t, a, a2.ID, linearID), 0)

	t.Run("same node transfer opens no sessions", func(t *testing.T) {
		before := tn.SessionsOpened(a)
		beforeB := tn.SessionsOpened(b)

		lid, err := a.Transfer(ctx, a1.ID, a2.ID, linearID)
		require.Nil(t, err)
		assert.Equal(t, linearID, lid)

		assert.Equal(t, before, tn.SessionsOpened(a))
		assert.Equal(t, beforeB, tn.SessionsOpened(b))
		assert.Len(t, current(t, a, a1.ID, linearID), 0)
		found := current(t, a, a2.ID, linearID)
		require.Len(t, found, 1)
		assert.Equal(t, a2.ID, found[0].Record.Owner.AccountID)
		assert.Equal(t, []string{a2.ID}, found[0].Record.ParticipantIDs())
	})

	t.Run("cross node transfer", func(t *testing.T) {
		before := tn.SessionsOpened(a)
		_, err := a.Transfer(ctx, a2.ID, b1.ID, linearID)
		require.Nil(t, err)
		assert.True(t, tn.SessionsOpened(a) > before)

		assert.Len(t, current(t, a, a2.ID, linearID), 0)
		found := current(t, b, b1.ID, linearID)
		require.Len(t, found, 1)
		assert.Equal(t, b1.ID, found[0].Record.Owner.AccountID)
		assert.Equal(t, "hello", found[0].Record.Payload)
	})

	t.Run("the new owner can transfer it back", func(t *testing.T) {
		_, err := b.Transfer(ctx, b1.ID, a1.ID, linearID)
		require.Nil(t, err)
		assert.Len(t, current(t, b, b1.ID, linearID), 0)
		found := current(t, a, a1.ID, linearID)
		require.Len(t, found, 1)
		assert.Equal(t, a1.ID, found[0].Record.Owner.AccountID)
	})

	t.Run("a former owner cannot transfer it", func(t *testing.T) {
		_, err := b.Transfer(ctx, b1.ID, b1.ID, linearID)
		require.NotNil(t, err)
		_, err = a.Transfer(ctx, a2.ID, a1.ID, linearID)
		assert.True(t, errors.Is(err, ledger.ErrNotFound))
	})
}

func TestShare(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tn := testnetwork.New(ctx, t, 3)
	a, b, c := tn.Nodes[0], tn.Nodes[1], tn.Nodes[2]
	a1 := tn.Account(ctx, t, a, "a1")
	b1 := tn.Account(ctx, t, b, "b1")
	c1 := tn.Account(ctx, t, c, "c1")

	linearID, err := a.Issue(ctx, a1.ID, "shared")
	require.Nil(t, err)

	// the owner and the repeated b1 are not new
	_, err = a.Share(ctx, a1.ID, []string{b1.ID, c1.ID, b1.ID, a1.ID}, linearID)
	require.Nil(t, err)

	for _, check := range []struct {
		n       *node.Node
		account string
	}{{a, a1.ID}, {b, b1.ID}, {c, c1.ID}} {
		found := current(t, check.n, check.account, linearID)
		require.Len(t, found, 1)
		assert.Equal(t, a1.ID, found[0].Record.Owner.AccountID)
		assert.ElementsMatch(t, []string{a1.ID, b1.ID, c1.ID}, found[0].Record.ParticipantIDs())
	}

	t.Run("sharing again is a no-op", func(t *testing.T) {
		before := tn.SessionsOpened(a)
		lid, err := a.Share(ctx, a1.ID, []string{b1.ID}, linearID)
		require.Nil(t, err)
		assert.Equal(t, linearID, lid)
		assert.Equal(t, before, tn.SessionsOpened(a))
	})

	t.Run("participants that are not the owner cannot share", func(t *testing.T) {
		_, err := b.Share(ctx, b1.ID, []string{c1.ID}, linearID)
		assert.True(t, errors.Is(err, ledger.ErrValidationFailed))
	})
}

func TestByName(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tn := testnetwork.New(ctx, t, 2)
	a, b := tn.Nodes[0], tn.Nodes[1]
	tn.Account(ctx, t, a, "alice")
	bob := tn.Account(ctx, t, b, "bob")
	tn.Account(ctx, t, a, "twin")
	tn.Account(ctx, t, b, "twin")

	linearID, err := a.IssueByName(ctx, "alice", "by name")
	require.Nil(t, err)
	_, err = a.TransferByName(ctx, "alice", "bob", linearID)
	require.Nil(t, err)
	require.Len(t, current(t, b, bob.ID, linearID), 1)

	_, err = a.IssueByName(ctx, "twin", "nope")
	assert.True(t, errors.Is(err, ledger.ErrAmbiguous))

	_, err = a.IssueByName(ctx, "nobody", "nope")
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
	var ec *ledger.ErrorCode
	require.True(t, errors.As(err, &ec))
	assert.Equal(t, ledger.StageResolution, ec.Stage)
}

func TestUnknownAccounts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tn := testnetwork.New(ctx, t, 2)
	a, b := tn.Nodes[0], tn.Nodes[1]
	a1 := tn.Account(ctx, t, a, "a1")

	_, err := a.Issue(ctx, "unknown", "x")
	assert.True(t, errors.Is(err, ledger.ErrNotFound))

	// created on b but never synced
	hidden, err := b.CreateAccount(ctx, "hidden")
	require.Nil(t, err)
	linearID, err := a.Issue(ctx, a1.ID, "x")
	require.Nil(t, err)
	_, err = a.Transfer(ctx, a1.ID, hidden.ID, linearID)
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
	assert.Len(t, current(t, a, a1.ID, linearID), 1)

	accounts, err := a.Accounts(ctx)
	require.Nil(t, err)
	assert.Len(t, accounts, 1)
	require.Nil(t, b.ShareAccount(ctx, hidden.ID, []ledger.NodeID{a.ID()}))
	accounts, err = a.Accounts(ctx)
	require.Nil(t, err)
	assert.Len(t, accounts, 2)
}

// gatedNotary holds notarizations until a set number of them have
// arrived so that competing runs reach the notary together.
type gatedNotary struct {
	notary.Client
	lock sync.Mutex
	gate *sync.WaitGroup
}

func (g *gatedNotary) arm(count int) {
	g.lock.Lock()
	defer g.lock.Unlock()
	wg := &sync.WaitGroup{}
	wg.Add(count)
	g.gate = wg
}

func (g *gatedNotary) disarm() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.gate = nil
}

func (g *gatedNotary) Notarize(ctx context.Context, stx *ledger.SignedTransaction) (ledger.Signature, error) {
	g.lock.Lock()
	gate := g.gate
	g.lock.Unlock()
	if gate != nil {
		gate.Done()
		gate.Wait()
	}
	return g.Client.Notarize(ctx, stx)
}

func TestConcurrentConflictingTransfers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gated := &gatedNotary{}
	tn := testnetwork.NewWithNotary(ctx, t, 2, func(c notary.Client) notary.Client {
		gated.Client = c
		return gated
	})
	a, b := tn.Nodes[0], tn.Nodes[1]
	a1 := tn.Account(ctx, t, a, "a1")
	a2 := tn.Account(ctx, t, a, "a2")
	b1 := tn.Account(ctx, t, b, "b1")

	linearID, err := a.Issue(ctx, a1.ID, "contested")
	require.Nil(t, err)

	gated.arm(2)
	defer gated.disarm()

	var wg sync.WaitGroup
	var sameNodeErr, crossNodeErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, sameNodeErr = a.Transfer(ctx, a1.ID, a2.ID, linearID)
	}()
	go func() {
		defer wg.Done()
		_, crossNodeErr = a.Transfer(ctx, a1.ID, b1.ID, linearID)
	}()
	wg.Wait()

	require.True(t, (sameNodeErr == nil) != (crossNodeErr == nil), "exactly one transfer must win: %v / %v", sameNodeErr, crossNodeErr)
	loser := sameNodeErr
	if loser == nil {
		loser = crossNodeErr
	}
	assert.True(t, errors.Is(loser, ledger.ErrNotarizationConflict))
	var ec *ledger.ErrorCode
	require.True(t, errors.As(loser, &ec))
	assert.Equal(t, ledger.StageNotarization, ec.Stage)

	assert.Len(t, current(t, a, a1.ID, linearID), 0)
	if sameNodeErr == nil {
		assert.Len(t, current(t, a, a2.ID, linearID), 1)
		assert.Len(t, current(t, b, b1.ID, linearID), 0)
	} else {
		assert.Len(t, current(t, a, a2.ID, linearID), 0)
		assert.Len(t, current(t, b, b1.ID, linearID), 1)
	}
}

func TestStatesObserved(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tn := testnetwork.New(ctx, t, 2)
	a, b := tn.Nodes[0], tn.Nodes[1]
	a1 := tn.Account(ctx, t, a, "a1")
	b1 := tn.Account(ctx, t, b, "b1")

	var lock sync.Mutex
	var states []flows.State
	a.OnTransition(func(r *flows.Run, from, to flows.State) {
		lock.Lock()
		defer lock.Unlock()
		states = append(states, to)
	})

	linearID, err := a.Issue(ctx, a1.ID, "watched")
	require.Nil(t, err)
	_, err = a.Transfer(ctx, a1.ID, b1.ID, linearID)
	require.Nil(t, err)

	lock.Lock()
	defer lock.Unlock()
	assert.Equal(t, []flows.State{
		flows.ProposalBuilt, flows.Signing, flows.Notarizing, flows.Finalized,
		flows.ProposalBuilt, flows.Signing, flows.CollectingSignatures, flows.Notarizing, flows.Finalized,
	}, states)
}

func TestRemoteNotary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	network := transport.NewNetwork()

	notaryKey, err := identity.GenerateNodeKey()
	require.Nil(t, err)
	notaryNode, err := node.NewNode(ctx, &node.NewNodeOptions{
		Key:       notaryKey,
		Transport: network.Join(notaryKey.ID),
		RunNotary: true,
	})
	require.Nil(t, err)
	require.Nil(t, notaryNode.Start(ctx))
	assert.Equal(t, notaryKey.ID, notaryNode.NotaryID())

	key, err := identity.GenerateNodeKey()
	require.Nil(t, err)
	n, err := node.NewNode(ctx, &node.NewNodeOptions{
		Key:       key,
		Transport: network.Join(key.ID),
		Storage:   &storage.Config{Kind: storage.KindMemory},
		NotaryID:  notaryKey.ID,
	})
	require.Nil(t, err)
	require.Nil(t, n.Start(ctx))

	acc, err := n.CreateAccount(ctx, "solo")
	require.Nil(t, err)
	linearID, err := n.Issue(ctx, acc.ID, "remote notarized")
	require.Nil(t, err)
	assert.Len(t, current(t, n, acc.ID, linearID), 1)

	network.Disconnect(notaryKey.ID)
	_, err = n.Issue(ctx, acc.ID, "no notary")
	assert.True(t, errors.Is(err, ledger.ErrUnreachable))
}
