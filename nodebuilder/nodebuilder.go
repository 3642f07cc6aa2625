package nodebuilder

import (
	"context"
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log"

	"github.com/quorumcontrol/tupelo-accounts/identity"
	"github.com/quorumcontrol/tupelo-accounts/ledger"
	"github.com/quorumcontrol/tupelo-accounts/node"
	"github.com/quorumcontrol/tupelo-accounts/tracing"
	"github.com/quorumcontrol/tupelo-accounts/transport"
)

var logger = logging.Logger("nodebuilder")

type NodeBuilder struct {
	Config    *Config
	transport *transport.LibP2PTransport
	node      *node.Node
	peers     []ledger.NodeID
}

func (nb *NodeBuilder) Node() *node.Node {
	return nb.node
}

func (nb *NodeBuilder) Transport() *transport.LibP2PTransport {
	return nb.transport
}

// Peers are the node ids of the configured peers, known after Start.
func (nb *NodeBuilder) Peers() []ledger.NodeID {
	return nb.peers
}

func (nb *NodeBuilder) Start(ctx context.Context) error {
	err := nb.configAssertions()
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		nb.Stop()
	}()

	nb.StartTracing()

	tr, err := transport.NewLibP2PTransport(ctx, &transport.LibP2PConfig{
		PrivateKey:  nb.Config.NodeKey.Private,
		ListenAddrs: nb.Config.listenAddrs(),
	})
	if err != nil {
		return fmt.Errorf("error creating transport: %w", err)
	}
	nb.transport = tr

	for _, addr := range nb.peersWithoutSelf() {
		id, err := tr.AddPeer(addr)
		if err != nil {
			return fmt.Errorf("error adding peer %s: %w", addr, err)
		}
		nb.peers = append(nb.peers, id)
	}

	n, err := node.NewNode(ctx, &node.NewNodeOptions{
		Key:       nb.Config.NodeKey,
		Transport: tr,
		Storage:   &nb.Config.Storage,
		RunNotary: nb.Config.RunNotary,
		NotaryID:  nb.Config.NotaryID,
	})
	if err != nil {
		return fmt.Errorf("error creating node: %w", err)
	}
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("error starting node: %w", err)
	}
	nb.node = n

	for _, addr := range tr.Addresses() {
		logger.Infof("node %s listening on %s", n.ID(), addr)
	}

	if nb.Config.SyncOnStart && len(nb.peers) > 0 {
		// peers that are not up yet sync with us when they start
		if err := n.SyncAccounts(ctx, nb.peers); err != nil {
			logger.Warningf("error syncing accounts on start: %v", err)
		}
	}
	return nil
}

func (nb *NodeBuilder) Stop() error {
	if nb.Config.TracingSystem == JaegerTracing {
		tracing.StopJaeger()
	}
	if nb.node != nil {
		return nb.node.Close()
	}
	return nil
}

func (nb *NodeBuilder) configAssertions() error {
	conf := nb.Config
	if conf.NodeKey == nil {
		return fmt.Errorf("error: must specify a node key (generate-node-key creates one)")
	}
	if !conf.RunNotary && conf.NotaryID == "" {
		return fmt.Errorf("error: must either run a notary or name the notary node")
	}
	return nil
}

func (nb *NodeBuilder) StartTracing() {
	switch nb.Config.TracingSystem {
	case JaegerTracing:
		tracing.StartJaeger(tracing.ServiceName(nb.Config.Namespace), nb.Config.NodeKey.ID.String())
	case ElasticTracing:
		tracing.StartElastic()
	}
}

func (nb *NodeBuilder) peersWithoutSelf() []string {
	own := nb.Config.NodeKey.ID.String()
	var without []string
	for _, addr := range nb.Config.Peers {
		if !strings.Contains(addr, own) {
			without = append(without, addr)
		}
	}
	return without
}

// LocalConfig is a memory backed config running its own notary,
// handy for tests and single node setups.
func LocalConfig() (*Config, error) {
	key, err := identity.GenerateNodeKey()
	if err != nil {
		return nil, err
	}
	return &Config{NodeKey: key, ListenIP: "127.0.0.1", RunNotary: true}, nil
}
