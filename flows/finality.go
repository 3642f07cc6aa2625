package flows

import (
	"context"
	"time"

	"github.com/opentracing/opentracing-go"
	"golang.org/x/sync/errgroup"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
	"github.com/quorumcontrol/tupelo-accounts/transport"
	"github.com/quorumcontrol/tupelo-accounts/vault"
)

// finalityTimeout bounds recording and delivery once the notary has
// attested. Neither is tied to the caller's context.
const finalityTimeout = 30 * time.Second

// Finalize notarizes a fully signed transaction, records it and delivers
// it to every participating host. A notarization conflict is terminal:
// the proposal must be rebuilt against current state, never resubmitted.
func (r *Run) Finalize(ctx context.Context, stx *ledger.SignedTransaction) error {
	r.transition(Notarizing)

	sp, ctx := opentracing.StartSpanFromContext(ctx, "flows.Finalize")
	defer sp.Finish()

	if err := ctx.Err(); err != nil {
		return err
	}
	att, err := r.Notary.Notarize(ctx, stx)
	if err != nil {
		return ledger.WithStage(err, ledger.StageNotarization)
	}
	stx.Notarization = att

	// the inputs are consumed at the notary now, so cancelling ctx must
	// not stop the record from being written or delivered
	fctx, cancel := context.WithTimeout(opentracing.ContextWithSpan(context.Background(), sp), finalityTimeout)
	defer cancel()

	id := stx.MustID().String()
	if err := r.Vault.Record(fctx, stx); err != nil {
		return ledger.Wrap(ledger.CodeUnknown, ledger.StageFinality, id, err)
	}
	r.finalized(stx)

	err = r.broadcast(fctx, stx)
	r.closeSessions()
	if err != nil {
		return ledger.WithStage(err, ledger.StageFinality)
	}
	return nil
}

// broadcast sends stx on every session that took part in signing and to
// the hosts of any other participant, waiting for each to acknowledge.
// A signing session that can no longer carry finality is replaced by a
// FinalityProtocol session. Every host is attempted; the first failure
// is returned.
func (r *Run) broadcast(ctx context.Context, stx *ledger.SignedTransaction) error {
	deps, err := vault.Dependencies(ctx, r.Vault, stx.Tx)
	if err != nil {
		return err
	}
	others, err := r.participantHosts(ctx, stx)
	if err != nil {
		return err
	}

	sessions := r.openSessions()
	hosts := make(map[ledger.NodeID]struct{}, len(sessions)+len(others))
	for host := range sessions {
		hosts[host] = struct{}{}
	}
	for _, host := range others {
		hosts[host] = struct{}{}
	}

	id := stx.MustID().String()
	var g errgroup.Group
	for host := range hosts {
		host, s := host, sessions[host]
		g.Go(func() error {
			if s != nil {
				err := awaitAck(s, &FinalityMessage{Tx: stx}, id)
				if err == nil {
					return nil
				}
				log.Infof("redelivering %s to %s: %v", id, host, err)
			}
			return r.deliver(ctx, host, stx, deps, id)
		})
	}
	return g.Wait()
}

// deliver opens a FinalityProtocol session to host and waits for the ack.
func (r *Run) deliver(ctx context.Context, host ledger.NodeID, stx *ledger.SignedTransaction, deps []*ledger.SignedTransaction, id string) error {
	s, err := r.Transport.Open(ctx, host, FinalityProtocol)
	if err != nil {
		log.Warningf("could not deliver %s to %s: %v", id, host, err)
		return err
	}
	defer s.Close()
	return awaitAck(s, &FinalityMessage{Tx: stx, Dependencies: deps}, id)
}

func awaitAck(s *transport.Session, msg *FinalityMessage, id string) error {
	ack := &FinalityAck{}
	if err := s.Request(msg, ack); err != nil {
		return err
	}
	if ack.TxID != id || !ack.Recorded {
		return ledger.NewError(ledger.CodeValidationFailed, ledger.StageFinality, s.Remote().String(), "finality was not acknowledged")
	}
	return nil
}

// participantHosts are the remote hosts of the output's participants.
func (r *Run) participantHosts(ctx context.Context, stx *ledger.SignedTransaction) ([]ledger.NodeID, error) {
	seen := make(map[ledger.NodeID]struct{})
	var hosts []ledger.NodeID
	for _, out := range stx.Tx.Outputs {
		for _, p := range out.Participants {
			account, err := r.Resolver.Resolve(ctx, p.AccountID)
			if err != nil {
				log.Warningf("cannot deliver to participant %s: %v", p.AccountID, err)
				continue
			}
			if account.Host == r.Self {
				continue
			}
			if _, ok := seen[account.Host]; ok {
				continue
			}
			seen[account.Host] = struct{}{}
			hosts = append(hosts, account.Host)
		}
	}
	return hosts, nil
}
