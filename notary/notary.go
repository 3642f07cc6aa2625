package notary

import (
	"context"
	"fmt"
	"time"

	"github.com/AsynkronIT/protoactor-go/actor"
	"github.com/ethereum/go-ethereum/crypto"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-hamt-ipld"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	cbornode "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log"
	"github.com/opentracing/opentracing-go"

	"github.com/quorumcontrol/tupelo-accounts/identity"
	"github.com/quorumcontrol/tupelo-accounts/ledger"
)

var rootKey = datastore.NewKey("/notary/root")

// DefaultTimeout bounds a request to the notary actor when the caller's
// context carries no deadline.
const DefaultTimeout = 1 * time.Minute

func init() {
	cbornode.RegisterCborType(NotarizeRequest{})
	cbornode.RegisterCborType(NotarizeResponse{})
}

// Client submits fully signed transactions for finalization.
type Client interface {
	// ID is the node id transactions must name as their notary.
	ID() ledger.NodeID
	// Notarize returns the notary's attestation over the transaction id,
	// or ledger.ErrNotarizationConflict when an input is already consumed.
	Notarize(ctx context.Context, stx *ledger.SignedTransaction) (ledger.Signature, error)
}

type NotarizeRequest struct {
	Tx *ledger.SignedTransaction
}

type NotarizeResponse struct {
	Attestation ledger.Signature
	// Conflicts lists the inputs already consumed by another transaction
	Conflicts []string
	Error     string
}

// blockWrapper satisfies the blocks interface go-hamt-ipld stores nodes in.
type blockWrapper struct {
	bs blockstore.Blockstore
}

func (bw *blockWrapper) GetBlock(ctx context.Context, id cid.Cid) (blocks.Block, error) {
	return bw.bs.Get(id)
}

func (bw *blockWrapper) AddBlock(blk blocks.Block) error {
	return bw.bs.Put(blk)
}

// Service is the uniqueness service. Its actor handles one request at a
// time, which makes the check-then-consume over the consumed map atomic.
type Service struct {
	key       *identity.NodeKey
	ds        datastore.Batching
	hamtStore *hamt.CborIpldStore
	consumed  *hamt.Node
	logger    logging.EventLogger

	name        string
	rootContext *actor.RootContext
	pid         *actor.PID
}

type Options struct {
	Key        *identity.NodeKey
	Datastore  datastore.Batching
	Blockstore blockstore.Blockstore
	// Name of the actor, defaults to notary-<node id>
	Name string
	// RootActorContext is optional
	RootActorContext *actor.RootContext
}

func NewService(ctx context.Context, opts *Options) (*Service, error) {
	s := &Service{
		key:         opts.Key,
		ds:          opts.Datastore,
		hamtStore:   &hamt.CborIpldStore{Blocks: &blockWrapper{bs: opts.Blockstore}},
		logger:      logging.Logger("notary"),
		name:        opts.Name,
		rootContext: opts.RootActorContext,
	}
	if s.name == "" {
		s.name = "notary-" + opts.Key.ID.String()
	}
	if s.rootContext == nil {
		s.rootContext = actor.EmptyRootContext
	}

	rootBits, err := s.ds.Get(rootKey)
	switch err {
	case nil:
		root, err := cid.Cast(rootBits)
		if err != nil {
			return nil, fmt.Errorf("error casting notary root: %w", err)
		}
		s.consumed, err = hamt.LoadNode(ctx, s.hamtStore, root, hamt.UseTreeBitWidth(5))
		if err != nil {
			return nil, fmt.Errorf("error loading notary state %s: %w", root, err)
		}
		s.logger.Infof("loaded notary state %s", root)
	case datastore.ErrNotFound:
		s.consumed = hamt.NewNode(s.hamtStore, hamt.UseTreeBitWidth(5))
	default:
		return nil, fmt.Errorf("error getting notary root: %w", err)
	}
	return s, nil
}

func (s *Service) ID() ledger.NodeID {
	return s.key.ID
}

func (s *Service) Start(ctx context.Context) error {
	pid, err := s.rootContext.SpawnNamed(actor.PropsFromFunc(s.Receive), s.name)
	if err != nil {
		return fmt.Errorf("error starting notary actor: %w", err)
	}
	s.pid = pid
	go func() {
		<-ctx.Done()
		s.logger.Infof("notary stopped")
		s.rootContext.Poison(s.pid)
	}()
	return nil
}

func (s *Service) Receive(actorContext actor.Context) {
	switch msg := actorContext.Message().(type) {
	case *actor.Started:
		s.logger.Debugf("notary %s started", s.key.ID)
	case *NotarizeRequest:
		actorContext.Respond(s.notarize(context.Background(), msg.Tx))
	default:
		s.logger.Debugf("notary received other %T message: %+v", msg, msg)
	}
}

func (s *Service) notarize(ctx context.Context, stx *ledger.SignedTransaction) *NotarizeResponse {
	sp, ctx := opentracing.StartSpanFromContext(ctx, "notary.notarize")
	defer sp.Finish()

	if stx == nil || stx.Tx == nil {
		return &NotarizeResponse{Error: "missing transaction"}
	}
	id, err := stx.ID()
	if err != nil {
		return &NotarizeResponse{Error: err.Error()}
	}
	txID := id.String()
	sp.SetTag("tx", txID)

	if stx.Tx.Notary != s.key.ID.String() {
		return &NotarizeResponse{Error: fmt.Sprintf("transaction names notary %q", stx.Tx.Notary)}
	}
	if err := stx.VerifySignatures(true); err != nil {
		return &NotarizeResponse{Error: err.Error()}
	}

	var conflicts []string
	for _, in := range stx.Tx.Inputs {
		var consumer string
		err := s.consumed.Find(ctx, in.String(), &consumer)
		switch {
		case err == hamt.ErrNotFound:
		case err != nil:
			return &NotarizeResponse{Error: fmt.Sprintf("error reading state: %v", err)}
		case consumer != txID:
			conflicts = append(conflicts, in.String())
		}
	}
	if len(conflicts) > 0 {
		s.logger.Infof("rejecting %s: %d inputs already consumed", txID, len(conflicts))
		return &NotarizeResponse{Conflicts: conflicts}
	}

	if len(stx.Tx.Inputs) > 0 {
		if err := s.consume(ctx, stx.Tx.Inputs, txID); err != nil {
			s.logger.Errorf("error consuming inputs of %s: %v", txID, err)
			return &NotarizeResponse{Error: "error committing state"}
		}
	}

	att, err := s.key.Sign(ledger.SigningHash(id))
	if err != nil {
		return &NotarizeResponse{Error: err.Error()}
	}
	s.logger.Debugf("notarized %s", txID)
	return &NotarizeResponse{Attestation: att}
}

func (s *Service) consume(ctx context.Context, inputs []ledger.StateRef, txID string) error {
	for _, in := range inputs {
		if err := s.consumed.Set(ctx, in.String(), txID); err != nil {
			return err
		}
	}
	if err := s.consumed.Flush(ctx); err != nil {
		return fmt.Errorf("error flushing: %w", err)
	}
	root, err := s.hamtStore.Put(ctx, s.consumed)
	if err != nil {
		return fmt.Errorf("error storing root: %w", err)
	}
	return s.ds.Put(rootKey, root.Bytes())
}

func timeoutFrom(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}
	return DefaultTimeout
}

// request hands stx to the actor and waits for its decision.
func (s *Service) request(ctx context.Context, stx *ledger.SignedTransaction) (*NotarizeResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := s.rootContext.RequestFuture(s.pid, &NotarizeRequest{Tx: stx}, timeoutFrom(ctx)).Result()
	if err != nil {
		return nil, ledger.Wrap(ledger.CodeUnreachable, ledger.StageNotarization, s.ID().String(), err)
	}
	resp, ok := res.(*NotarizeResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected notary response %T", res)
	}
	return resp, nil
}

// VerifyAttestation checks that stx carries a valid attestation from the
// notary it names.
func VerifyAttestation(stx *ledger.SignedTransaction) error {
	id, err := stx.ID()
	if err != nil {
		return err
	}
	att := stx.Notarization
	if att.IsZero() {
		return ledger.NewError(ledger.CodeValidationFailed, ledger.StageFinality, id.String(), "missing notarization")
	}
	pub, err := crypto.DecompressPubkey(att.Key)
	if err != nil {
		return ledger.Wrap(ledger.CodeValidationFailed, ledger.StageFinality, id.String(), err)
	}
	signer, err := ledger.NodeIDFromPublicKey(pub)
	if err != nil {
		return err
	}
	if signer.String() != stx.Tx.Notary {
		return ledger.NewError(ledger.CodeValidationFailed, ledger.StageFinality, id.String(), "notarized by "+signer.String())
	}
	if !att.Verify(ledger.SigningHash(id)) {
		return ledger.NewError(ledger.CodeValidationFailed, ledger.StageFinality, id.String(), "invalid notarization")
	}
	return nil
}

func responseError(id string, resp *NotarizeResponse) error {
	if len(resp.Conflicts) > 0 {
		return ledger.NewError(ledger.CodeNotarizationConflict, ledger.StageNotarization, id, fmt.Sprintf("inputs already consumed: %v", resp.Conflicts))
	}
	if resp.Error != "" {
		return ledger.NewError(ledger.CodeValidationFailed, ledger.StageNotarization, id, resp.Error)
	}
	return nil
}
