package nodebuilder

import (
	"fmt"

	"github.com/quorumcontrol/tupelo-accounts/identity"
	"github.com/quorumcontrol/tupelo-accounts/ledger"
	"github.com/quorumcontrol/tupelo-accounts/storage"
)

type TracingSystem int

const (
	NoTracing TracingSystem = iota
	JaegerTracing
	ElasticTracing
)

type Config struct {
	Namespace string

	NodeKey *identity.NodeKey
	// ListenIP defaults to 0.0.0.0. A Port of 0 picks a free one.
	ListenIP string
	Port     int

	// Peers are the /ipfs multiaddrs of the other nodes. They are all
	// synced with on start when SyncOnStart is set.
	Peers       []string
	SyncOnStart bool

	// RunNotary starts the notary in this node; otherwise NotaryID names
	// the node running it.
	RunNotary bool
	NotaryID  ledger.NodeID

	Storage storage.Config

	TracingSystem TracingSystem // either Jaeger or Elastic
}

func (c *Config) listenAddrs() []string {
	ip := c.ListenIP
	if ip == "" {
		ip = "0.0.0.0"
	}
	return []string{fmt.Sprintf("/ip4/%s/tcp/%d", ip, c.Port)}
}
