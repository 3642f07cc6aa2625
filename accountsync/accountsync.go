package accountsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	cbornode "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log"
	"github.com/libp2p/go-libp2p-core/protocol"
	"github.com/opentracing/opentracing-go"

	"github.com/quorumcontrol/tupelo-accounts/directory"
	"github.com/quorumcontrol/tupelo-accounts/ledger"
	"github.com/quorumcontrol/tupelo-accounts/transport"
)

var log = logging.Logger("accountsync")

const (
	// SyncAllProtocol tells a node the full node set so it publishes its
	// own accounts to everyone in it.
	SyncAllProtocol = protocol.ID("/accounts/sync-all/1.0.0")
	// SyncMineProtocol carries directory entries to be merged.
	SyncMineProtocol = protocol.ID("/accounts/sync-mine/1.0.0")
)

func init() {
	cbornode.RegisterCborType(SyncAllMessage{})
	cbornode.RegisterCborType(PublishMessage{})
	cbornode.RegisterCborType(SyncAck{})
}

type SyncAllMessage struct {
	Nodes []string
}

type PublishMessage struct {
	Entries []*directory.Entry
}

type SyncAck struct {
	Merged int
	Error  string
}

// Syncer keeps a node's directory in step with a set of other nodes.
// Directories only grow: there is no ordering and no revocation.
type Syncer struct {
	self      ledger.NodeID
	directory directory.Directory
	transport transport.Transport
}

func New(dir directory.Directory, tr transport.Transport) *Syncer {
	return &Syncer{self: tr.Self(), directory: dir, transport: tr}
}

// targets removes self and duplicates from nodes.
func (s *Syncer) targets(nodes []ledger.NodeID) []ledger.NodeID {
	seen := map[ledger.NodeID]struct{}{s.self: {}}
	var out []ledger.NodeID
	for _, n := range nodes {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// SyncAll first tells every node in nodes about the whole set, each of
// which publishes its accounts to the others, then publishes this node's
// accounts to every node. Unreachable nodes do not stop the others from
// being synced; they are reported together at the end.
func (s *Syncer) SyncAll(ctx context.Context, nodes []ledger.NodeID) error {
	sp, ctx := opentracing.StartSpanFromContext(ctx, "accountsync.SyncAll")
	defer sp.Finish()

	targets := s.targets(nodes)
	all := make([]string, 0, len(targets)+1)
	all = append(all, s.self.String())
	for _, t := range targets {
		all = append(all, t.String())
	}

	failures := newFailures()
	s.fanOut(ctx, targets, failures, func(t ledger.NodeID) error {
		return s.exchange(ctx, t, SyncAllProtocol, &SyncAllMessage{Nodes: all})
	})
	if err := s.publish(ctx, targets, failures); err != nil {
		return err
	}
	return failures.err()
}

// PublishMine sends every account hosted here to each of nodes.
func (s *Syncer) PublishMine(ctx context.Context, nodes []ledger.NodeID) error {
	failures := newFailures()
	if err := s.publish(ctx, s.targets(nodes), failures); err != nil {
		return err
	}
	return failures.err()
}

func (s *Syncer) publish(ctx context.Context, targets []ledger.NodeID, failures *failures) error {
	mine, err := s.directory.Hosted(ctx, s.self)
	if err != nil {
		return fmt.Errorf("error listing hosted accounts: %w", err)
	}
	msg := &PublishMessage{Entries: mine}
	s.fanOut(ctx, targets, failures, func(t ledger.NodeID) error {
		return s.exchange(ctx, t, SyncMineProtocol, msg)
	})
	return nil
}

// ShareAccount pushes one known account to nodes.
func (s *Syncer) ShareAccount(ctx context.Context, accountID string, nodes []ledger.NodeID) error {
	entry, err := s.directory.Entry(ctx, accountID)
	if err != nil {
		return ledger.WithStage(err, ledger.StageSync)
	}
	failures := newFailures()
	msg := &PublishMessage{Entries: []*directory.Entry{entry}}
	s.fanOut(ctx, s.targets(nodes), failures, func(t ledger.NodeID) error {
		return s.exchange(ctx, t, SyncMineProtocol, msg)
	})
	return failures.err()
}

func (s *Syncer) fanOut(ctx context.Context, targets []ledger.NodeID, failures *failures, fn func(ledger.NodeID) error) {
	var wg sync.WaitGroup
	for _, t := range targets {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(t); err != nil {
				log.Warningf("sync with %s failed: %v", t, err)
				failures.add(t, err)
			}
		}()
	}
	wg.Wait()
}

func (s *Syncer) exchange(ctx context.Context, to ledger.NodeID, proto protocol.ID, msg interface{}) error {
	sess, err := s.transport.Open(ctx, to, proto)
	if err != nil {
		return err
	}
	defer sess.Close()
	ack := &SyncAck{}
	if err := sess.Request(msg, ack); err != nil {
		return err
	}
	if ack.Error != "" {
		return fmt.Errorf("%s: %s", to, ack.Error)
	}
	return nil
}

// HandleSyncAll publishes this node's accounts to every node it was told
// about and acknowledges once they have all merged.
func (s *Syncer) HandleSyncAll(ctx context.Context, remote ledger.NodeID, sess *transport.Session) {
	msg := &SyncAllMessage{}
	if err := sess.Receive(msg); err != nil {
		log.Warningf("error reading sync from %s: %v", remote, err)
		return
	}
	nodes := make([]ledger.NodeID, len(msg.Nodes))
	for i, n := range msg.Nodes {
		nodes[i] = ledger.NodeID(n)
	}
	ack := &SyncAck{}
	if err := s.PublishMine(ctx, nodes); err != nil {
		// partial publishes are still useful to the initiator
		log.Warningf("publishing for %s: %v", remote, err)
	}
	if err := sess.Send(ack); err != nil {
		log.Warningf("error acknowledging sync to %s: %v", remote, err)
	}
}

// HandleSyncMine merges the entries it receives.
func (s *Syncer) HandleSyncMine(ctx context.Context, remote ledger.NodeID, sess *transport.Session) {
	msg := &PublishMessage{}
	if err := sess.Receive(msg); err != nil {
		log.Warningf("error reading entries from %s: %v", remote, err)
		return
	}
	ack := &SyncAck{}
	merged, err := s.directory.Merge(ctx, msg.Entries)
	if err != nil {
		log.Errorf("error merging entries from %s: %v", remote, err)
		ack.Error = "merge failed"
	}
	ack.Merged = merged
	if err := sess.Send(ack); err != nil {
		log.Warningf("error acknowledging entries to %s: %v", remote, err)
	}
}

type failures struct {
	lock  sync.Mutex
	nodes map[ledger.NodeID]error
}

func newFailures() *failures {
	return &failures{nodes: make(map[ledger.NodeID]error)}
}

func (f *failures) add(node ledger.NodeID, err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if _, ok := f.nodes[node]; !ok {
		f.nodes[node] = err
	}
}

func (f *failures) err() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if len(f.nodes) == 0 {
		return nil
	}
	ids := make([]string, 0, len(f.nodes))
	for n := range f.nodes {
		ids = append(ids, n.String())
	}
	sort.Strings(ids)
	return ledger.NewError(ledger.CodeUnreachable, ledger.StageSync, strings.Join(ids, ","), fmt.Sprintf("%d nodes could not be synced", len(ids)))
}
