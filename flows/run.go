package flows

import (
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log"

	"github.com/quorumcontrol/tupelo-accounts/directory"
	"github.com/quorumcontrol/tupelo-accounts/identity"
	"github.com/quorumcontrol/tupelo-accounts/ledger"
	"github.com/quorumcontrol/tupelo-accounts/notary"
	"github.com/quorumcontrol/tupelo-accounts/resolver"
	"github.com/quorumcontrol/tupelo-accounts/transport"
	"github.com/quorumcontrol/tupelo-accounts/vault"
)

var log = logging.Logger("flows")

type State int

const (
	Resolving State = iota
	ProposalBuilt
	Signing
	CollectingSignatures
	Notarizing
	Finalized
	Failed
)

var stateNames = map[State]string{
	Resolving:            "resolving",
	ProposalBuilt:        "proposal-built",
	Signing:              "signing",
	CollectingSignatures: "collecting-signatures",
	Notarizing:           "notarizing",
	Finalized:            "finalized",
	Failed:               "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Services are the node level collaborators a run is composed with.
type Services struct {
	Self      ledger.NodeID
	Directory directory.Directory
	Keys      identity.Service
	Transport transport.Transport
	Vault     vault.Vault
	Notary    notary.Client
	// OnTransition is optional and called on every state change
	OnTransition func(r *Run, from, to State)
}

// Run is one execution of issue, transfer or share. It owns its resolver
// and the sessions it opened.
type Run struct {
	*Services
	Kind     ledger.CommandKind
	Resolver *resolver.Resolver

	lock     sync.Mutex
	state    State
	err      error
	tx       *ledger.SignedTransaction
	sessions map[ledger.NodeID]*transport.Session
}

func NewRun(svc *Services, kind ledger.CommandKind) *Run {
	return &Run{
		Services: svc,
		Kind:     kind,
		Resolver: resolver.New(svc.Self, svc.Directory, svc.Keys, svc.Transport),
		sessions: make(map[ledger.NodeID]*transport.Session),
	}
}

func (r *Run) State() State {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.state
}

// Err is the reason a Failed run failed.
func (r *Run) Err() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.err
}

// Transaction is the finalized transaction of a Finalized run.
func (r *Run) Transaction() *ledger.SignedTransaction {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.tx
}

func (r *Run) transition(to State) {
	r.lock.Lock()
	from := r.state
	if from == Finalized || from == Failed {
		r.lock.Unlock()
		return
	}
	r.state = to
	r.lock.Unlock()

	log.Debugf("%s run: %s -> %s", r.Kind, from, to)
	if r.OnTransition != nil {
		r.OnTransition(r, from, to)
	}
}

// fail moves the run to Failed, tags err with stage and releases every
// session so counterparties see the abort.
func (r *Run) fail(stage ledger.Stage, err error) error {
	err = ledger.WithStage(err, stage)
	r.closeSessions()
	r.lock.Lock()
	r.err = err
	r.lock.Unlock()
	r.transition(Failed)
	log.Infof("%s run failed: %v", r.Kind, err)
	return err
}

func (r *Run) finalized(stx *ledger.SignedTransaction) {
	r.lock.Lock()
	r.tx = stx
	r.lock.Unlock()
	r.transition(Finalized)
}

func (r *Run) addSession(host ledger.NodeID, s *transport.Session) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.sessions[host] = s
}

func (r *Run) openSessions() map[ledger.NodeID]*transport.Session {
	r.lock.Lock()
	defer r.lock.Unlock()
	sessions := make(map[ledger.NodeID]*transport.Session, len(r.sessions))
	for host, s := range r.sessions {
		sessions[host] = s
	}
	return sessions
}

func (r *Run) closeSessions() {
	r.lock.Lock()
	sessions := r.sessions
	r.sessions = make(map[ledger.NodeID]*transport.Session)
	r.lock.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
