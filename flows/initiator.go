package flows

import (
	"context"

	"github.com/opentracing/opentracing-go"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
)

// Issue creates a record owned by issuerID and returns its linear id.
func Issue(ctx context.Context, svc *Services, issuerID string, payload string) (*Run, string, error) {
	r := NewRun(svc, ledger.CommandIssue)
	sp, ctx := opentracing.StartSpanFromContext(ctx, "flows.Issue")
	defer sp.Finish()

	issuer, err := r.identity(ctx, issuerID)
	if err != nil {
		return r, "", r.fail(ledger.StageResolution, err)
	}
	p, err := r.BuildIssue(ctx, issuer, payload)
	if err != nil {
		return r, "", r.fail(ledger.StageProposal, err)
	}
	if err := r.execute(ctx, p); err != nil {
		return r, "", err
	}
	return r, p.Tx.Outputs[0].LinearID, nil
}

// Transfer moves linearID from ownerID to newOwnerID.
func Transfer(ctx context.Context, svc *Services, ownerID string, newOwnerID string, linearID string) (*Run, string, error) {
	r := NewRun(svc, ledger.CommandTransfer)
	sp, ctx := opentracing.StartSpanFromContext(ctx, "flows.Transfer")
	defer sp.Finish()
	sp.SetTag("linearID", linearID)

	if err := r.hostedOwner(ctx, ownerID); err != nil {
		return r, "", r.fail(ledger.StageProposal, err)
	}
	owner, err := r.identity(ctx, ownerID)
	if err != nil {
		return r, "", r.fail(ledger.StageResolution, err)
	}
	newOwner, err := r.identity(ctx, newOwnerID)
	if err != nil {
		return r, "", r.fail(ledger.StageResolution, err)
	}
	p, err := r.BuildTransfer(ctx, owner, newOwner, linearID)
	if err != nil {
		return r, "", r.fail(ledger.StageProposal, err)
	}
	if err := r.execute(ctx, p); err != nil {
		return r, "", err
	}
	return r, linearID, nil
}

// Share makes linearID visible to accountIDs. Accounts that already
// participate are skipped; when nobody is new the run finalizes without
// a transaction.
func Share(ctx context.Context, svc *Services, ownerID string, accountIDs []string, linearID string) (*Run, string, error) {
	r := NewRun(svc, ledger.CommandShare)
	sp, ctx := opentracing.StartSpanFromContext(ctx, "flows.Share")
	defer sp.Finish()
	sp.SetTag("linearID", linearID)

	if err := r.hostedOwner(ctx, ownerID); err != nil {
		return r, "", r.fail(ledger.StageProposal, err)
	}
	accounts, err := r.Resolver.ResolveAll(ctx, accountIDs)
	if err != nil {
		return r, "", r.fail(ledger.StageResolution, err)
	}
	in, err := r.CurrentRecord(ctx, ownerID, linearID)
	if err != nil {
		return r, "", r.fail(ledger.StageProposal, err)
	}

	var parties []ledger.Party
	seen := make(map[string]struct{})
	for _, acc := range accounts {
		if _, ok := seen[acc.ID]; ok || in.Record.HasParticipant(acc.ID) {
			continue
		}
		seen[acc.ID] = struct{}{}
		party, err := r.Resolver.SigningIdentity(ctx, acc)
		if err != nil {
			return r, "", r.fail(ledger.StageResolution, err)
		}
		parties = append(parties, party)
	}
	if len(parties) == 0 {
		log.Debugf("nothing new to share %s with", linearID)
		r.finalized(nil)
		return r, linearID, nil
	}

	owner, err := r.identity(ctx, ownerID)
	if err != nil {
		return r, "", r.fail(ledger.StageResolution, err)
	}
	p, err := r.BuildShare(ctx, owner, in, parties)
	if err != nil {
		return r, "", r.fail(ledger.StageProposal, err)
	}
	if err := r.execute(ctx, p); err != nil {
		return r, "", err
	}
	return r, linearID, nil
}

// hostedOwner checks that ownerID is hosted on this node. A record is
// only ever consumed by a run on its owner's host.
func (r *Run) hostedOwner(ctx context.Context, ownerID string) error {
	account, err := r.Resolver.Resolve(ctx, ownerID)
	if err != nil {
		return ledger.WithStage(err, ledger.StageResolution)
	}
	if account.Host != r.Self {
		return ledger.NewError(ledger.CodeValidationFailed, ledger.StageProposal, ownerID, "owner is hosted on "+account.Host.String())
	}
	return nil
}

func (r *Run) identity(ctx context.Context, accountID string) (ledger.Party, error) {
	account, err := r.Resolver.Resolve(ctx, accountID)
	if err != nil {
		return ledger.Party{}, err
	}
	return r.Resolver.SigningIdentity(ctx, account)
}

// execute takes a built proposal through signing, collection and
// finality.
func (r *Run) execute(ctx context.Context, p *Proposal) error {
	rt, err := r.Route(ctx, p)
	if err != nil {
		return r.fail(ledger.StageProposal, err)
	}
	stx, err := r.SignLocally(ctx, p, rt)
	if err != nil {
		return r.fail(ledger.StageSignatureCollection, err)
	}
	stx, err = r.Collect(ctx, stx, rt)
	if err != nil {
		return r.fail(ledger.StageSignatureCollection, err)
	}
	if err := r.Finalize(ctx, stx); err != nil {
		if r.State() == Finalized {
			// final and recorded here, only delivery failed
			log.Warningf("finalized %s but delivery failed: %v", stx.MustID(), err)
			return err
		}
		return r.fail(ledger.StageNotarization, err)
	}
	return nil
}
