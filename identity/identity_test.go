package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
	"github.com/quorumcontrol/tupelo-accounts/storage"
	"github.com/quorumcontrol/tupelo-accounts/transport"
)

type accountMap map[string]*ledger.Account

func (am accountMap) Get(ctx context.Context, id string) (*ledger.Account, error) {
	acc, ok := am[id]
	if !ok {
		return nil, ledger.NewError(ledger.CodeNotFound, "", id, "unknown account")
	}
	return acc, nil
}

func TestKeyStore(t *testing.T) {
	ctx := context.Background()
	ks := NewKeyStore(storage.NewDefaultMemory(), "node-a")
	acc := &ledger.Account{ID: "a1", Name: "alice", Host: "node-a"}

	p1, err := ks.Issue(ctx, acc)
	require.Nil(t, err)
	p2, err := ks.Issue(ctx, acc)
	require.Nil(t, err)
	assert.False(t, p1.Equal(p2))

	held, err := ks.Holds(ctx, p1)
	require.Nil(t, err)
	assert.True(t, held)

	hash := crypto.Keccak256([]byte("hi"))
	sig, err := ks.Sign(ctx, p1, hash)
	require.Nil(t, err)
	assert.True(t, sig.Verify(hash))

	t.Run("key bound to another account", func(t *testing.T) {
		wrong := ledger.Party{AccountID: "a2", Key: p1.Key}
		held, err := ks.Holds(ctx, wrong)
		require.Nil(t, err)
		assert.False(t, held)
		_, err = ks.Sign(ctx, wrong, hash)
		assert.True(t, errors.Is(err, ledger.ErrNotFound))
	})

	t.Run("accounts hosted elsewhere", func(t *testing.T) {
		_, err := ks.Issue(ctx, &ledger.Account{ID: "b1", Host: "node-b"})
		assert.NotNil(t, err)
	})
}

func TestNodeKey(t *testing.T) {
	nk, err := GenerateNodeKey()
	require.Nil(t, err)
	loaded, err := NodeKeyFromHex(nk.Hex())
	require.Nil(t, err)
	assert.Equal(t, nk.ID, loaded.ID)

	hash := crypto.Keccak256([]byte("hi"))
	sig, err := loaded.Sign(hash)
	require.Nil(t, err)
	assert.True(t, sig.Verify(hash))
}

func TestRemoteKey(t *testing.T) {
	ctx := context.Background()
	n := transport.NewNetwork()
	a := n.Join("node-a")

	ks := NewKeyStore(storage.NewDefaultMemory(), "node-a")
	accounts := accountMap{"a1": {ID: "a1", Name: "alice", Host: "node-a"}}
	a.Handle(KeyProtocol, KeyHandler(accounts, ks))

	b := n.Join("node-b")
	party, err := RequestKey(ctx, b, "node-a", "a1")
	require.Nil(t, err)
	assert.Equal(t, "a1", party.AccountID)
	held, err := ks.Holds(ctx, party)
	require.Nil(t, err)
	assert.True(t, held)

	_, err = RequestKey(ctx, b, "node-a", "missing")
	assert.True(t, errors.Is(err, ledger.ErrNotFound))

	_, err = RequestKey(ctx, b, "node-c", "a1")
	assert.True(t, errors.Is(err, ledger.ErrUnreachable))
}
