package flows

import (
	cbornode "github.com/ipfs/go-ipld-cbor"
	"github.com/libp2p/go-libp2p-core/protocol"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
)

const (
	// SignProtocol carries a proposal to a counterparty host and the
	// finalized transaction back on the same session.
	SignProtocol = protocol.ID("/accounts/sign/1.0.0")
	// FinalityProtocol delivers finalized transactions to hosts of
	// participants that did not sign.
	FinalityProtocol = protocol.ID("/accounts/finality/1.0.0")
)

func init() {
	cbornode.RegisterCborType(ProposalMessage{})
	cbornode.RegisterCborType(SignatureResponse{})
	cbornode.RegisterCborType(FinalityMessage{})
	cbornode.RegisterCborType(FinalityAck{})
}

// ProposalMessage asks a host to sign Tx with the required keys it holds.
// Dependencies are the finalized transactions producing Tx's inputs.
type ProposalMessage struct {
	Tx           *ledger.SignedTransaction
	Dependencies []*ledger.SignedTransaction
}

// SignatureResponse never says why a proposal was rejected.
type SignatureResponse struct {
	Signatures []ledger.Signature
	Rejected   bool
}

type FinalityMessage struct {
	Tx           *ledger.SignedTransaction
	Dependencies []*ledger.SignedTransaction
}

type FinalityAck struct {
	TxID     string
	Recorded bool
}
