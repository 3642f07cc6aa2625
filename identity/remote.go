package identity

import (
	"context"

	cbornode "github.com/ipfs/go-ipld-cbor"
	"github.com/libp2p/go-libp2p-core/protocol"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
	"github.com/quorumcontrol/tupelo-accounts/transport"
)

// KeyProtocol asks an account's host for a fresh signing identity.
const KeyProtocol = protocol.ID("/accounts/key/1.0.0")

func init() {
	cbornode.RegisterCborType(RequestKeyMessage{})
	cbornode.RegisterCborType(KeyResponse{})
}

type RequestKeyMessage struct {
	AccountID string
}

type KeyResponse struct {
	Party ledger.Party
	Error string
}

// AccountLookup finds accounts known to this node.
type AccountLookup interface {
	Get(ctx context.Context, accountID string) (*ledger.Account, error)
}

// RequestKey asks host to issue a signing identity for accountID.
func RequestKey(ctx context.Context, tr transport.Transport, host ledger.NodeID, accountID string) (ledger.Party, error) {
	s, err := tr.Open(ctx, host, KeyProtocol)
	if err != nil {
		return ledger.Party{}, err
	}
	defer s.Close()

	resp := &KeyResponse{}
	if err := s.Request(&RequestKeyMessage{AccountID: accountID}, resp); err != nil {
		return ledger.Party{}, err
	}
	if resp.Error != "" {
		return ledger.Party{}, ledger.NewError(ledger.CodeNotFound, ledger.StageResolution, accountID, resp.Error)
	}
	if resp.Party.AccountID != accountID || len(resp.Party.Key) == 0 {
		return ledger.Party{}, ledger.NewError(ledger.CodeValidationFailed, ledger.StageResolution, accountID, "host returned an identity for another account")
	}
	return resp.Party, nil
}

// KeyHandler serves RequestKeyMessages for the accounts this node hosts.
func KeyHandler(accounts AccountLookup, svc Service) transport.Handler {
	return func(ctx context.Context, remote ledger.NodeID, s *transport.Session) {
		req := &RequestKeyMessage{}
		if err := s.Receive(req); err != nil {
			log.Warningf("error reading key request from %s: %v", remote, err)
			return
		}
		resp := &KeyResponse{}
		account, err := accounts.Get(ctx, req.AccountID)
		if err == nil {
			resp.Party, err = svc.Issue(ctx, account)
		}
		if err != nil {
			log.Infof("refusing key request for %s from %s: %v", req.AccountID, remote, err)
			resp.Error = "cannot issue key for " + req.AccountID
		}
		if err := s.Send(resp); err != nil {
			log.Warningf("error responding to %s: %v", remote, err)
		}
	}
}
