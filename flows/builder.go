package flows

import (
	"context"

	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
	"github.com/quorumcontrol/tupelo-accounts/vault"
)

// Proposal is a built, locally verified transaction together with the
// record versions it consumes.
type Proposal struct {
	Tx     *ledger.Transaction
	Inputs []ledger.StateAndRef
}

func (r *Run) newTransaction(inputs []ledger.StateRef, output *ledger.Record, kind ledger.CommandKind, signers []ledger.Party) *ledger.Transaction {
	return &ledger.Transaction{
		Inputs:  inputs,
		Outputs: []*ledger.Record{output},
		Command: ledger.Command{Kind: kind, Signers: signers},
		Notary:  r.Notary.ID().String(),
		Nonce:   uuid.New().String(),
	}
}

// verified runs the same predicate counterparties run before returning
// the proposal.
func (r *Run) verified(ctx context.Context, tx *ledger.Transaction, inputs []ledger.StateAndRef) (*Proposal, error) {
	sp, _ := opentracing.StartSpanFromContext(ctx, "flows.verify")
	defer sp.Finish()

	if err := ledger.Verify(&ledger.LedgerTransaction{Tx: tx, Inputs: inputs}); err != nil {
		return nil, err
	}
	r.transition(ProposalBuilt)
	return &Proposal{Tx: tx, Inputs: inputs}, nil
}

// BuildIssue creates a record owned by and visible only to issuer.
func (r *Run) BuildIssue(ctx context.Context, issuer ledger.Party, payload string) (*Proposal, error) {
	rec := ledger.NewRecord(payload, issuer)
	return r.verified(ctx, r.newTransaction(nil, rec, ledger.CommandIssue, []ledger.Party{issuer}), nil)
}

// CurrentRecord finds the single current version of linearID visible to
// ownerID and checks ownerID owns it.
func (r *Run) CurrentRecord(ctx context.Context, ownerID string, linearID string) (ledger.StateAndRef, error) {
	found, err := r.Vault.Query(ctx, vault.Criteria{AccountIDs: []string{ownerID}, LinearIDs: []string{linearID}})
	if err != nil {
		return ledger.StateAndRef{}, err
	}
	switch len(found) {
	case 0:
		return ledger.StateAndRef{}, ledger.NewError(ledger.CodeNotFound, ledger.StageProposal, linearID, "no current record")
	case 1:
	default:
		return ledger.StateAndRef{}, ledger.NewError(ledger.CodeAmbiguous, ledger.StageProposal, linearID, "more than one current record")
	}
	if found[0].Record.Owner.AccountID != ownerID {
		return ledger.StateAndRef{}, ledger.NewError(ledger.CodeValidationFailed, ledger.StageProposal, linearID, "record is not owned by "+ownerID)
	}
	return found[0], nil
}

// BuildTransfer replaces the owner of the current version of linearID.
// Both the current and the new owner must sign.
func (r *Run) BuildTransfer(ctx context.Context, owner ledger.Party, newOwner ledger.Party, linearID string) (*Proposal, error) {
	in, err := r.CurrentRecord(ctx, owner.AccountID, linearID)
	if err != nil {
		return nil, err
	}
	out := in.Record.WithNewOwner(newOwner)
	tx := r.newTransaction([]ledger.StateRef{in.Ref}, out, ledger.CommandTransfer, []ledger.Party{owner, newOwner})
	return r.verified(ctx, tx, []ledger.StateAndRef{in})
}

// BuildShare adds parties to the participants of the current version of
// linearID. Only genuinely new participants are added and asked to sign.
// A nil proposal means there is nobody new to add.
func (r *Run) BuildShare(ctx context.Context, owner ledger.Party, in ledger.StateAndRef, parties []ledger.Party) (*Proposal, error) {
	out, added := in.Record.WithAdditionalParticipants(parties)
	if len(added) == 0 {
		return nil, nil
	}
	signers := append([]ledger.Party{owner}, added...)
	tx := r.newTransaction([]ledger.StateRef{in.Ref}, out, ledger.CommandShare, signers)
	return r.verified(ctx, tx, []ledger.StateAndRef{in})
}
