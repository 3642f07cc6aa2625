package notary

import (
	"context"

	"github.com/libp2p/go-libp2p-core/protocol"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
	"github.com/quorumcontrol/tupelo-accounts/transport"
)

// NotarizeProtocol carries NotarizeRequests to a remote notary.
const NotarizeProtocol = protocol.ID("/accounts/notarize/1.0.0")

// LocalClient talks to a Service running in this process.
type LocalClient struct {
	service *Service
}

var _ Client = (*LocalClient)(nil)

func NewLocalClient(s *Service) *LocalClient {
	return &LocalClient{service: s}
}

func (lc *LocalClient) ID() ledger.NodeID {
	return lc.service.ID()
}

func (lc *LocalClient) Notarize(ctx context.Context, stx *ledger.SignedTransaction) (ledger.Signature, error) {
	id, err := stx.ID()
	if err != nil {
		return ledger.Signature{}, err
	}
	resp, err := lc.service.request(ctx, stx)
	if err != nil {
		return ledger.Signature{}, err
	}
	if err := responseError(id.String(), resp); err != nil {
		return ledger.Signature{}, err
	}
	return resp.Attestation, nil
}

// RemoteClient notarizes through a session to the notary node.
type RemoteClient struct {
	transport transport.Transport
	notary    ledger.NodeID
}

var _ Client = (*RemoteClient)(nil)

func NewRemoteClient(tr transport.Transport, notary ledger.NodeID) *RemoteClient {
	return &RemoteClient{transport: tr, notary: notary}
}

func (rc *RemoteClient) ID() ledger.NodeID {
	return rc.notary
}

func (rc *RemoteClient) Notarize(ctx context.Context, stx *ledger.SignedTransaction) (ledger.Signature, error) {
	id, err := stx.ID()
	if err != nil {
		return ledger.Signature{}, err
	}
	s, err := rc.transport.Open(ctx, rc.notary, NotarizeProtocol)
	if err != nil {
		return ledger.Signature{}, ledger.WithStage(err, ledger.StageNotarization)
	}
	defer s.Close()

	resp := &NotarizeResponse{}
	if err := s.Request(&NotarizeRequest{Tx: stx}, resp); err != nil {
		return ledger.Signature{}, ledger.WithStage(err, ledger.StageNotarization)
	}
	if err := responseError(id.String(), resp); err != nil {
		return ledger.Signature{}, err
	}
	return resp.Attestation, nil
}

// Handler serves NotarizeRequests from other nodes by forwarding them to
// the local actor.
func Handler(s *Service) transport.Handler {
	return func(ctx context.Context, remote ledger.NodeID, sess *transport.Session) {
		req := &NotarizeRequest{}
		if err := sess.Receive(req); err != nil {
			s.logger.Warningf("error reading notarize request from %s: %v", remote, err)
			return
		}
		resp, err := s.request(ctx, req.Tx)
		if err != nil {
			resp = &NotarizeResponse{Error: err.Error()}
		}
		if err := sess.Send(resp); err != nil {
			s.logger.Warningf("error responding to %s: %v", remote, err)
		}
	}
}
