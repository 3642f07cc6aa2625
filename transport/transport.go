package transport

import (
	"context"

	logging "github.com/ipfs/go-log"
	"github.com/libp2p/go-libp2p-core/protocol"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
)

var log = logging.Logger("transport")

// Handler serves one inbound session. The transport closes the session
// when the handler returns.
type Handler func(ctx context.Context, remote ledger.NodeID, s *Session)

// Transport opens ordered point-to-point sessions between nodes.
type Transport interface {
	Self() ledger.NodeID
	// Open returns a session to node to speaking proto. It fails with
	// ledger.ErrUnreachable when the node cannot be reached.
	Open(ctx context.Context, to ledger.NodeID, proto protocol.ID) (*Session, error)
	Handle(proto protocol.ID, handler Handler)
	Close() error
}

func unreachable(to ledger.NodeID, cause error) error {
	return ledger.Wrap(ledger.CodeUnreachable, "", to.String(), cause)
}
