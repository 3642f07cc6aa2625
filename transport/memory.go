package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/libp2p/go-libp2p-core/protocol"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
)

// Network is an in-process switchboard connecting MemoryTransports with
// pipes. Nodes can be disconnected to simulate unreachable hosts.
type Network struct {
	lock     sync.RWMutex
	nodes    map[ledger.NodeID]*MemoryTransport
	down     map[ledger.NodeID]bool
	sessions map[ledger.NodeID]int
}

func NewNetwork() *Network {
	return &Network{
		nodes:    make(map[ledger.NodeID]*MemoryTransport),
		down:     make(map[ledger.NodeID]bool),
		sessions: make(map[ledger.NodeID]int),
	}
}

// Join attaches a transport for id to the network.
func (n *Network) Join(id ledger.NodeID) *MemoryTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &MemoryTransport{
		network:  n,
		self:     id,
		handlers: make(map[protocol.ID]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
	n.lock.Lock()
	n.nodes[id] = t
	delete(n.down, id)
	n.lock.Unlock()
	return t
}

func (n *Network) Disconnect(id ledger.NodeID) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.down[id] = true
}

func (n *Network) Reconnect(id ledger.NodeID) {
	n.lock.Lock()
	defer n.lock.Unlock()
	delete(n.down, id)
}

// SessionsOpened is the number of sessions id has initiated.
func (n *Network) SessionsOpened(id ledger.NodeID) int {
	n.lock.RLock()
	defer n.lock.RUnlock()
	return n.sessions[id]
}

func (n *Network) target(from, to ledger.NodeID) (*MemoryTransport, error) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if n.down[from] || n.down[to] {
		return nil, fmt.Errorf("%s is disconnected", to)
	}
	t, ok := n.nodes[to]
	if !ok {
		return nil, fmt.Errorf("no route to %s", to)
	}
	n.sessions[from]++
	return t, nil
}

// MemoryTransport is a Transport whose sessions are net.Pipes.
type MemoryTransport struct {
	network  *Network
	self     ledger.NodeID
	lock     sync.RWMutex
	handlers map[protocol.ID]Handler
	ctx      context.Context
	cancel   context.CancelFunc
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) Self() ledger.NodeID {
	return t.self
}

func (t *MemoryTransport) Handle(proto protocol.ID, handler Handler) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.handlers[proto] = handler
}

func (t *MemoryTransport) handler(proto protocol.ID) (Handler, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	h, ok := t.handlers[proto]
	return h, ok
}

func (t *MemoryTransport) Open(ctx context.Context, to ledger.NodeID, proto protocol.ID) (*Session, error) {
	remote, err := t.network.target(t.self, to)
	if err != nil {
		return nil, unreachable(to, err)
	}
	if remote.ctx.Err() != nil {
		return nil, unreachable(to, fmt.Errorf("%s is closed", to))
	}
	h, ok := remote.handler(proto)
	if !ok {
		return nil, unreachable(to, fmt.Errorf("%s does not speak %s", to, proto))
	}

	local, inbound := net.Pipe()
	serverSession := NewSession(remote.ctx, t.self, inbound)
	go func() {
		defer serverSession.Close()
		h(remote.ctx, t.self, serverSession)
	}()
	log.Debugf("%s opened %s to %s", t.self, proto, to)
	return NewSession(ctx, to, local), nil
}

func (t *MemoryTransport) Close() error {
	t.cancel()
	return nil
}
