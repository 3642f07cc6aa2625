package flows

import (
	"context"
	"sort"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
)

// Route partitions the required signers of a proposal by who can sign.
type Route struct {
	Local  []ledger.Party
	Remote map[ledger.NodeID][]ledger.Party
}

// SameNode is true when every required key is held on this node, so
// the run needs no counterparty session.
func (rt *Route) SameNode() bool {
	return len(rt.Remote) == 0
}

// Hosts are the remote hosts in a stable order.
func (rt *Route) Hosts() []ledger.NodeID {
	hosts := make([]ledger.NodeID, 0, len(rt.Remote))
	for h := range rt.Remote {
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i] < hosts[j] })
	return hosts
}

// Route groups the signers of p by hosting node.
func (r *Run) Route(ctx context.Context, p *Proposal) (*Route, error) {
	rt := &Route{Remote: make(map[ledger.NodeID][]ledger.Party)}
	for _, signer := range p.Tx.Command.Signers {
		host, err := r.Resolver.Host(signer.AccountID)
		if err != nil {
			return nil, err
		}
		if host == r.Self {
			rt.Local = append(rt.Local, signer)
			continue
		}
		rt.Remote[host] = append(rt.Remote[host], signer)
	}
	return rt, nil
}

// SignLocally signs p with every required key held on this node.
func (r *Run) SignLocally(ctx context.Context, p *Proposal, rt *Route) (*ledger.SignedTransaction, error) {
	r.transition(Signing)
	id, err := p.Tx.ID()
	if err != nil {
		return nil, err
	}
	hash := ledger.SigningHash(id)
	stx := &ledger.SignedTransaction{Tx: p.Tx}
	for _, party := range rt.Local {
		sig, err := r.Keys.Sign(ctx, party, hash)
		if err != nil {
			return nil, err
		}
		stx.AddSignatures(sig)
	}
	return stx, nil
}
