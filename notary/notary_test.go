package notary

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ipfs/go-datastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumcontrol/tupelo-accounts/identity"
	"github.com/quorumcontrol/tupelo-accounts/ledger"
	"github.com/quorumcontrol/tupelo-accounts/storage"
	"github.com/quorumcontrol/tupelo-accounts/transport"
)

type signer struct {
	party ledger.Party
	key   *ecdsa.PrivateKey
}

func newSigner(t *testing.T, accountID string) *signer {
	key, err := crypto.GenerateKey()
	require.Nil(t, err)
	return &signer{
		party: ledger.Party{AccountID: accountID, Key: crypto.CompressPubkey(&key.PublicKey)},
		key:   key,
	}
}

func signAll(t *testing.T, tx *ledger.Transaction, signers ...*signer) *ledger.SignedTransaction {
	stx := &ledger.SignedTransaction{Tx: tx}
	hash := ledger.SigningHash(tx.MustID())
	for _, s := range signers {
		sig, err := crypto.Sign(hash, s.key)
		require.Nil(t, err)
		stx.AddSignatures(ledger.Signature{Key: s.party.Key, Signature: sig})
	}
	return stx
}

func startService(ctx context.Context, t *testing.T, key *identity.NodeKey, ds datastore.Batching, name string) *Service {
	bs, err := storage.NewBlockstore(ds, -1)
	require.Nil(t, err)
	s, err := NewService(ctx, &Options{Key: key, Datastore: ds, Blockstore: bs, Name: name})
	require.Nil(t, err)
	require.Nil(t, s.Start(ctx))
	return s
}

func TestNotarize(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key, err := identity.GenerateNodeKey()
	require.Nil(t, err)
	ds := storage.NewDefaultMemory()
	s := startService(ctx, t, key, ds, "")
	client := NewLocalClient(s)

	a1 := newSigner(t, "a1")
	a2 := newSigner(t, "a2")
	b1 := newSigner(t, "b1")

	issue := &ledger.Transaction{
		Outputs: []*ledger.Record{ledger.NewRecord("hello", a1.party)},
		Command: ledger.Command{Kind: ledger.CommandIssue, Signers: []ledger.Party{a1.party}},
		Notary:  key.ID.String(),
	}
	issued := signAll(t, issue, a1)
	att, err := client.Notarize(ctx, issued)
	require.Nil(t, err)
	issued.Notarization = att
	require.Nil(t, VerifyAttestation(issued))

	ref, err := issued.OutputRef(0)
	require.Nil(t, err)
	transferTo := func(to *signer, nonce string) *ledger.SignedTransaction {
		return signAll(t, &ledger.Transaction{
			Inputs:  []ledger.StateRef{ref},
			Outputs: []*ledger.Record{issue.Outputs[0].WithNewOwner(to.party)},
			Command: ledger.Command{Kind: ledger.CommandTransfer, Signers: []ledger.Party{a1.party, to.party}},
			Notary:  key.ID.String(),
			Nonce:   nonce,
		}, a1, to)
	}

	first := transferTo(a2, "1")
	_, err = client.Notarize(ctx, first)
	require.Nil(t, err)

	t.Run("resubmitting the same transaction is accepted", func(t *testing.T) {
		_, err := client.Notarize(ctx, first)
		require.Nil(t, err)
	})

	t.Run("double spend is a conflict", func(t *testing.T) {
		_, err := client.Notarize(ctx, transferTo(b1, "2"))
		assert.True(t, errors.Is(err, ledger.ErrNotarizationConflict))
	})

	t.Run("incomplete signatures are refused", func(t *testing.T) {
		partial := transferTo(b1, "3")
		partial.Signatures = partial.Signatures[:1]
		_, err := client.Notarize(ctx, partial)
		assert.True(t, errors.Is(err, ledger.ErrValidationFailed))
	})

	t.Run("other notaries are refused", func(t *testing.T) {
		tx := *issue
		tx.Notary = "someone-else"
		_, err := client.Notarize(ctx, signAll(t, &tx, a1))
		assert.True(t, errors.Is(err, ledger.ErrValidationFailed))
	})

	t.Run("state survives a restart", func(t *testing.T) {
		restarted := startService(ctx, t, key, ds, "notary-restarted")
		_, err := NewLocalClient(restarted).Notarize(ctx, transferTo(b1, "4"))
		assert.True(t, errors.Is(err, ledger.ErrNotarizationConflict))
	})
}

func TestRemoteNotary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key, err := identity.GenerateNodeKey()
	require.Nil(t, err)
	s := startService(ctx, t, key, storage.NewDefaultMemory(), "")

	n := transport.NewNetwork()
	notaryNode := n.Join(key.ID)
	notaryNode.Handle(NotarizeProtocol, Handler(s))
	client := NewRemoteClient(n.Join("node-a"), key.ID)
	assert.Equal(t, key.ID, client.ID())

	a1 := newSigner(t, "a1")
	issue := &ledger.Transaction{
		Outputs: []*ledger.Record{ledger.NewRecord("hello", a1.party)},
		Command: ledger.Command{Kind: ledger.CommandIssue, Signers: []ledger.Party{a1.party}},
		Notary:  key.ID.String(),
	}
	stx := signAll(t, issue, a1)
	stx.Notarization, err = client.Notarize(ctx, stx)
	require.Nil(t, err)
	assert.Nil(t, VerifyAttestation(stx))

	ref, err := stx.OutputRef(0)
	require.Nil(t, err)
	spend := func(nonce string) *ledger.SignedTransaction {
		b1 := newSigner(t, "b1")
		return signAll(t, &ledger.Transaction{
			Inputs:  []ledger.StateRef{ref},
			Outputs: []*ledger.Record{issue.Outputs[0].WithNewOwner(b1.party)},
			Command: ledger.Command{Kind: ledger.CommandTransfer, Signers: []ledger.Party{a1.party, b1.party}},
			Notary:  key.ID.String(),
			Nonce:   nonce,
		}, a1, b1)
	}
	_, err = client.Notarize(ctx, spend("1"))
	require.Nil(t, err)
	_, err = client.Notarize(ctx, spend("2"))
	assert.True(t, errors.Is(err, ledger.ErrNotarizationConflict))

	n.Disconnect(key.ID)
	_, err = client.Notarize(ctx, spend("3"))
	assert.True(t, errors.Is(err, ledger.ErrUnreachable))
}
