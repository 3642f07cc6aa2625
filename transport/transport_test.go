package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	cbornode "github.com/ipfs/go-ipld-cbor"
	"github.com/libp2p/go-libp2p-core/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
)

const echoProtocol = protocol.ID("/accounts/test-echo/1.0.0")

type echoMessage struct {
	Text string
}

func init() {
	cbornode.RegisterCborType(echoMessage{})
}

func echoHandler(ctx context.Context, remote ledger.NodeID, s *Session) {
	for {
		msg := &echoMessage{}
		if err := s.Receive(msg); err != nil {
			return
		}
		msg.Text = msg.Text + " from " + remote.String()
		if err := s.Send(msg); err != nil {
			return
		}
	}
}

func exchange(t *testing.T, tr Transport, to ledger.NodeID) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := tr.Open(ctx, to, echoProtocol)
	require.Nil(t, err)
	defer s.Close()
	assert.Equal(t, to, s.Remote())

	for _, text := range []string{"one", "two"} {
		resp := &echoMessage{}
		require.Nil(t, s.Request(&echoMessage{Text: text}, resp))
		assert.Equal(t, text+" from "+tr.Self().String(), resp.Text)
	}
}

func TestMemoryTransport(t *testing.T) {
	n := NewNetwork()
	a := n.Join("a")
	b := n.Join("b")
	b.Handle(echoProtocol, echoHandler)

	exchange(t, a, "b")
	assert.Equal(t, 1, n.SessionsOpened("a"))
	assert.Equal(t, 0, n.SessionsOpened("b"))

	t.Run("unknown node", func(t *testing.T) {
		_, err := a.Open(context.Background(), "c", echoProtocol)
		assert.True(t, errors.Is(err, ledger.ErrUnreachable))
	})

	t.Run("unknown protocol", func(t *testing.T) {
		_, err := b.Open(context.Background(), "a", echoProtocol)
		assert.True(t, errors.Is(err, ledger.ErrUnreachable))
	})

	t.Run("disconnected node", func(t *testing.T) {
		n.Disconnect("b")
		_, err := a.Open(context.Background(), "b", echoProtocol)
		assert.True(t, errors.Is(err, ledger.ErrUnreachable))
		n.Reconnect("b")
		exchange(t, a, "b")
	})

	t.Run("cancelled context closes the session", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		s, err := a.Open(ctx, "b", echoProtocol)
		require.Nil(t, err)
		cancel()
		err = s.Receive(&echoMessage{})
		assert.True(t, errors.Is(err, ledger.ErrUnreachable))
	})
}

func TestLibP2PTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newTransport := func() *LibP2PTransport {
		key, err := crypto.GenerateKey()
		require.Nil(t, err)
		tr, err := NewLibP2PTransport(ctx, &LibP2PConfig{PrivateKey: key})
		require.Nil(t, err)
		id, err := ledger.NodeIDFromPublicKey(&key.PublicKey)
		require.Nil(t, err)
		assert.Equal(t, id, tr.Self())
		return tr
	}

	a := newTransport()
	defer a.Close()
	b := newTransport()
	defer b.Close()
	b.Handle(echoProtocol, echoHandler)

	require.True(t, len(b.Addresses()) > 0)
	id, err := a.AddPeer(b.Addresses()[0].String())
	require.Nil(t, err)
	assert.Equal(t, b.Self(), id)

	exchange(t, a, b.Self())
}
