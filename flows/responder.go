package flows

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/opentracing/opentracing-go"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
	"github.com/quorumcontrol/tupelo-accounts/notary"
	"github.com/quorumcontrol/tupelo-accounts/transport"
	"github.com/quorumcontrol/tupelo-accounts/vault"
)

const recentlyRecordedSize = 1000

// Responder is the counterparty side of signing and finality.
type Responder struct {
	*Services
	recorded *lru.Cache
}

func NewResponder(svc *Services) (*Responder, error) {
	cache, err := lru.New(recentlyRecordedSize)
	if err != nil {
		return nil, fmt.Errorf("error creating cache: %w", err)
	}
	return &Responder{Services: svc, recorded: cache}, nil
}

// verifyProposal re-runs every check the initiator ran. It returns the
// required signers whose keys are held here.
func (rs *Responder) verifyProposal(ctx context.Context, msg *ProposalMessage) ([]ledger.Party, error) {
	if msg.Tx == nil || msg.Tx.Tx == nil {
		return nil, fmt.Errorf("empty proposal")
	}
	tx := msg.Tx.Tx
	if tx.Notary != rs.Notary.ID().String() {
		return nil, fmt.Errorf("proposal names untrusted notary %s", tx.Notary)
	}
	if err := rs.verifyDependencies(msg.Dependencies); err != nil {
		return nil, err
	}
	inputs, err := vault.InputsFromDependencies(tx, msg.Dependencies)
	if err != nil {
		return nil, err
	}
	if err := ledger.Verify(&ledger.LedgerTransaction{Tx: tx, Inputs: inputs}); err != nil {
		return nil, err
	}
	if err := msg.Tx.VerifySignatures(false); err != nil {
		return nil, err
	}

	// an input owner's key only signs in runs on its own host
	var owner string
	if tx.Command.Kind != ledger.CommandIssue && len(inputs) > 0 {
		owner = inputs[0].Record.Owner.AccountID
	}

	var mine []ledger.Party
	for _, signer := range tx.Command.Signers {
		held, err := rs.Keys.Holds(ctx, signer)
		if err != nil {
			return nil, err
		}
		if held && signer.AccountID == owner {
			return nil, fmt.Errorf("refusing to sign for owner %s on a remote proposal", owner)
		}
		if held && !msg.Tx.SignedBy(signer.Key) {
			mine = append(mine, signer)
		}
	}
	if len(mine) == 0 {
		return nil, fmt.Errorf("none of the required keys are held here")
	}
	return mine, nil
}

func (rs *Responder) verifyDependencies(deps []*ledger.SignedTransaction) error {
	for _, dep := range deps {
		if dep == nil || dep.Tx == nil {
			return fmt.Errorf("empty dependency")
		}
		if dep.Tx.Notary != rs.Notary.ID().String() {
			return fmt.Errorf("dependency finalized by untrusted notary %s", dep.Tx.Notary)
		}
		if err := dep.VerifySignatures(true); err != nil {
			return err
		}
		if err := notary.VerifyAttestation(dep); err != nil {
			return err
		}
	}
	return nil
}

// HandleSign serves SignProtocol: verify, sign, then wait on the same
// session for the finalized transaction or the abort.
func (rs *Responder) HandleSign(ctx context.Context, remote ledger.NodeID, s *transport.Session) {
	msg := &ProposalMessage{}
	if err := s.Receive(msg); err != nil {
		log.Warningf("error reading proposal from %s: %v", remote, err)
		return
	}

	sp, ctx := opentracing.StartSpanFromContext(ctx, "flows.HandleSign")
	defer sp.Finish()
	sp.SetTag("remote", remote.String())

	signers, err := rs.verifyProposal(ctx, msg)
	if err != nil {
		log.Infof("rejecting proposal from %s: %v", remote, err)
		sp.SetTag("rejected", true)
		if err := s.Send(&SignatureResponse{Rejected: true}); err != nil {
			log.Warningf("error responding to %s: %v", remote, err)
		}
		return
	}

	id := msg.Tx.MustID()
	hash := ledger.SigningHash(id)
	resp := &SignatureResponse{}
	for _, party := range signers {
		sig, err := rs.Keys.Sign(ctx, party, hash)
		if err != nil {
			log.Errorf("error signing %s: %v", id, err)
			resp = &SignatureResponse{Rejected: true}
			break
		}
		resp.Signatures = append(resp.Signatures, sig)
	}
	if err := s.Send(resp); err != nil {
		log.Warningf("error responding to %s: %v", remote, err)
		return
	}
	if resp.Rejected {
		return
	}

	fin := &FinalityMessage{}
	if err := s.Receive(fin); err != nil {
		log.Infof("%s aborted %s: %v", remote, id, err)
		return
	}
	if fin.Tx == nil || !fin.Tx.MustID().Equals(id) {
		log.Warningf("%s finalized a different transaction than %s", remote, id)
		s.Send(&FinalityAck{TxID: id.String()})
		return
	}
	rs.acknowledge(ctx, remote, s, fin.Tx, msg.Dependencies)
}

// HandleFinality serves FinalityProtocol for participants that were not
// asked to sign.
func (rs *Responder) HandleFinality(ctx context.Context, remote ledger.NodeID, s *transport.Session) {
	fin := &FinalityMessage{}
	if err := s.Receive(fin); err != nil {
		log.Warningf("error reading finality from %s: %v", remote, err)
		return
	}
	if fin.Tx == nil || fin.Tx.Tx == nil {
		s.Send(&FinalityAck{})
		return
	}

	sp, ctx := opentracing.StartSpanFromContext(ctx, "flows.HandleFinality")
	defer sp.Finish()

	if err := rs.verifyFinalized(fin); err != nil {
		log.Warningf("refusing finalized transaction from %s: %v", remote, err)
		s.Send(&FinalityAck{TxID: fin.Tx.MustID().String()})
		return
	}
	rs.acknowledge(ctx, remote, s, fin.Tx, fin.Dependencies)
}

func (rs *Responder) verifyFinalized(fin *FinalityMessage) error {
	if err := rs.verifyDependencies(fin.Dependencies); err != nil {
		return err
	}
	inputs, err := vault.InputsFromDependencies(fin.Tx.Tx, fin.Dependencies)
	if err != nil {
		return err
	}
	return ledger.Verify(&ledger.LedgerTransaction{Tx: fin.Tx.Tx, Inputs: inputs})
}

// acknowledge records a finalized transaction and its dependencies and
// acks the sender.
func (rs *Responder) acknowledge(ctx context.Context, remote ledger.NodeID, s *transport.Session, stx *ledger.SignedTransaction, deps []*ledger.SignedTransaction) {
	id := stx.MustID()
	ack := &FinalityAck{TxID: id.String()}

	if _, ok := rs.recorded.Get(id.String()); ok {
		ack.Recorded = true
	} else if err := rs.record(ctx, stx, deps); err != nil {
		log.Warningf("not recording %s from %s: %v", id, remote, err)
	} else {
		rs.recorded.Add(id.String(), struct{}{})
		ack.Recorded = true
	}
	if err := s.Send(ack); err != nil {
		log.Warningf("error acknowledging %s to %s: %v", id, remote, err)
	}
}

func (rs *Responder) record(ctx context.Context, stx *ledger.SignedTransaction, deps []*ledger.SignedTransaction) error {
	if stx.Tx.Notary != rs.Notary.ID().String() {
		return fmt.Errorf("finalized by untrusted notary %s", stx.Tx.Notary)
	}
	if err := stx.VerifySignatures(true); err != nil {
		return err
	}
	if err := notary.VerifyAttestation(stx); err != nil {
		return err
	}
	for _, dep := range deps {
		if err := rs.Vault.Record(ctx, dep); err != nil {
			return err
		}
	}
	if err := rs.Vault.Record(ctx, stx); err != nil {
		return err
	}
	log.Debugf("recorded finalized %s", stx.MustID())
	return nil
}
