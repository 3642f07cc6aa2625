package transport

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	connmgr "github.com/libp2p/go-libp2p-connmgr"
	libp2pcrypto "github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/peerstore"
	"github.com/libp2p/go-libp2p-core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/xerrors"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
)

const expectedKeySize = 32

// LibP2PConfig configures the host behind a LibP2PTransport.
type LibP2PConfig struct {
	PrivateKey  *ecdsa.PrivateKey
	ListenAddrs []string
	// LowWater and HighWater bound the connection manager. Zero uses
	// the defaults.
	LowWater  int
	HighWater int
}

func (c *LibP2PConfig) listenAddrs() []string {
	if len(c.ListenAddrs) == 0 {
		return []string{"/ip4/127.0.0.1/tcp/0"}
	}
	return c.ListenAddrs
}

// LibP2PTransport runs sessions as libp2p streams.
type LibP2PTransport struct {
	host   host.Host
	cm     *connmgr.BasicConnMgr
	self   ledger.NodeID
	ctx    context.Context
	cancel context.CancelFunc
}

var _ Transport = (*LibP2PTransport)(nil)

func p2pPrivateKey(key *ecdsa.PrivateKey) (libp2pcrypto.PrivKey, error) {
	keyBytes := key.D.Bytes()
	if len(keyBytes) > expectedKeySize {
		return nil, xerrors.Errorf("private key is %d bytes", len(keyBytes))
	}
	keyBytes = append(make([]byte, expectedKeySize-len(keyBytes)), keyBytes...)
	priv, err := libp2pcrypto.UnmarshalSecp256k1PrivateKey(keyBytes)
	if err != nil {
		return nil, xerrors.Errorf("error unmarshaling key: %w", err)
	}
	return priv, nil
}

func NewLibP2PTransport(ctx context.Context, c *LibP2PConfig) (*LibP2PTransport, error) {
	priv, err := p2pPrivateKey(c.PrivateKey)
	if err != nil {
		return nil, err
	}
	low, high := c.LowWater, c.HighWater
	if low == 0 {
		low = 20
	}
	if high == 0 {
		high = 200
	}
	cm := connmgr.NewConnManager(low, high, 20*time.Second)

	ctx, cancel := context.WithCancel(ctx)
	h, err := libp2p.New(ctx,
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(c.listenAddrs()...),
		libp2p.ConnectionManager(cm),
	)
	if err != nil {
		cancel()
		return nil, xerrors.Errorf("error creating host: %w", err)
	}
	return &LibP2PTransport{
		host:   h,
		cm:     cm,
		self:   ledger.NodeIDFromPeer(h.ID()),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (t *LibP2PTransport) Self() ledger.NodeID {
	return t.self
}

// Addresses are the full /ipfs multiaddrs other nodes can use to reach
// this one.
func (t *LibP2PTransport) Addresses() []ma.Multiaddr {
	self, err := ma.NewMultiaddr("/ipfs/" + t.host.ID().Pretty())
	if err != nil {
		panic(err)
	}
	addrs := make([]ma.Multiaddr, 0, len(t.host.Addrs()))
	for _, addr := range t.host.Addrs() {
		addrs = append(addrs, addr.Encapsulate(self))
	}
	return addrs
}

// AddPeer teaches the host how to reach a node. addr must end in /ipfs/<id>.
func (t *LibP2PTransport) AddPeer(addr string) (ledger.NodeID, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", xerrors.Errorf("error parsing %s: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return "", xerrors.Errorf("error getting peer info from %s: %w", addr, err)
	}
	t.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
	t.cm.Protect(info.ID, "accounts")
	return ledger.NodeIDFromPeer(info.ID), nil
}

func (t *LibP2PTransport) Handle(proto protocol.ID, handler Handler) {
	t.host.SetStreamHandler(proto, func(s network.Stream) {
		remote := ledger.NodeIDFromPeer(s.Conn().RemotePeer())
		sess := NewSession(t.ctx, remote, s)
		defer sess.Close()
		handler(t.ctx, remote, sess)
	})
}

func (t *LibP2PTransport) Open(ctx context.Context, to ledger.NodeID, proto protocol.ID) (*Session, error) {
	pid, err := to.PeerID()
	if err != nil {
		return nil, xerrors.Errorf("error decoding %s: %w", to, err)
	}
	stream, err := t.host.NewStream(ctx, pid, proto)
	if err != nil {
		return nil, unreachable(to, xerrors.Errorf("error opening stream: %w", err))
	}
	return NewSession(ctx, to, stream), nil
}

func (t *LibP2PTransport) Close() error {
	t.cancel()
	return t.host.Close()
}

func (t *LibP2PTransport) String() string {
	return fmt.Sprintf("libp2p(%s)", t.self)
}
