package flows

import (
	"bytes"
	"context"
	"fmt"

	"github.com/opentracing/opentracing-go"
	"golang.org/x/sync/errgroup"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
	"github.com/quorumcontrol/tupelo-accounts/vault"
)

// Collect gathers the signatures of every remote signer in rt, one session
// per host, all hosts at once. Either every host signs and the returned
// transaction carries all required signatures, or the attempt fails, no
// collected signature is kept and every session is closed.
func (r *Run) Collect(ctx context.Context, stx *ledger.SignedTransaction, rt *Route) (*ledger.SignedTransaction, error) {
	if rt.SameNode() {
		return stx, nil
	}
	r.transition(CollectingSignatures)

	sp, ctx := opentracing.StartSpanFromContext(ctx, "flows.Collect")
	defer sp.Finish()

	deps, err := vault.Dependencies(ctx, r.Vault, stx.Tx)
	if err != nil {
		return nil, err
	}
	id, err := stx.ID()
	if err != nil {
		return nil, err
	}
	hash := ledger.SigningHash(id)
	msg := &ProposalMessage{Tx: stx, Dependencies: deps}

	hosts := rt.Hosts()
	collected := make([][]ledger.Signature, len(hosts))

	g, gctx := errgroup.WithContext(ctx)
	for i, host := range hosts {
		i, host := i, host
		g.Go(func() error {
			// sessions outlive collection, they carry finality afterwards
			s, err := r.Transport.Open(ctx, host, SignProtocol)
			if err != nil {
				return err
			}
			r.addSession(host, s)

			done := make(chan struct{})
			defer close(done)
			go func() {
				select {
				case <-gctx.Done():
					// gctx is also cancelled once Wait returns
					select {
					case <-done:
					default:
						s.Close()
					}
				case <-done:
				}
			}()

			resp := &SignatureResponse{}
			if err := s.Request(msg, resp); err != nil {
				return err
			}
			if resp.Rejected {
				return ledger.NewError(ledger.CodeSignatureRejected, "", host.String(), "counterparty rejected the proposal")
			}
			if err := checkSignatures(resp.Signatures, rt.Remote[host], hash); err != nil {
				return ledger.Wrap(ledger.CodeSignatureRejected, "", host.String(), err)
			}
			collected[i] = resp.Signatures
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	full := stx.Copy()
	for _, sigs := range collected {
		full.AddSignatures(sigs...)
	}
	if err := full.VerifySignatures(true); err != nil {
		return nil, err
	}
	return full, nil
}

// checkSignatures requires exactly one valid signature from each of
// expected and nothing else.
func checkSignatures(sigs []ledger.Signature, expected []ledger.Party, hash []byte) error {
	if len(sigs) != len(expected) {
		return fmt.Errorf("expected %d signatures, got %d", len(expected), len(sigs))
	}
	for _, party := range expected {
		found := false
		for _, sig := range sigs {
			if bytes.Equal(sig.Key, party.Key) {
				found = sig.Verify(hash)
				break
			}
		}
		if !found {
			return fmt.Errorf("missing or invalid signature from %s", party.AccountID)
		}
	}
	return nil
}
