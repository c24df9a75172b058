// Package consensus implements the role state machine of §4.4: election,
// log replication, commit-index advancement, the apply loop, single-server
// membership changes, snapshot transfer, and leadership transfer. It is the
// component that ties the Log (raftlog), Membership, and Peer Sessions
// together behind the single-threaded cooperative main loop of §5.
package consensus

import (
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/coldraft/raftdb/membership"
	"github.com/coldraft/raftdb/raftlog"
	"github.com/coldraft/raftdb/raftrpc"
)

// Role is the three-state role state machine of §4.4.
type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// Election timing bounds (§4.4): the randomized timeout is drawn uniformly
// from [ElectionBase, ElectionBase+ElectionRange) on every reset, so peers
// don't repeatedly split votes in lockstep.
const (
	ElectionBase     = 1000 * time.Millisecond
	ElectionRange    = 1000 * time.Millisecond
	HeartbeatPeriod  = 500 * time.Millisecond
)

// Transport is the outbound half of Peer Sessions (§4.7) that consensus
// depends on without owning: send a message to a known server id, best
// effort, fire-and-forget.
type Transport interface {
	Send(to raftrpc.ServerId, msg interface{})
}

// Applier is supplied by the embedding application to apply committed
// EntryData payloads to its own state machine (§4.4 apply loop, §6
// has_next_entry/next_entry).
type Applier interface {
	Apply(index raftrpc.Index, data []byte)
}

// Node is the consensus core for one server. It is not safe for concurrent
// use: every method is called from the single main task (§5), with the
// Durability Worker as the only other goroutine in play (buried inside
// raftlog/store).
type Node struct {
	self      raftrpc.ServerId
	clusterId raftrpc.ClusterId
	address   string

	log     *raftlog.Log
	members *membership.Membership
	driver  *membership.Driver

	transport Transport
	applier   Applier
	logger    *zap.Logger
	now       func() time.Time
	timing    func() (base, jitterRange, heartbeat time.Duration)

	role        Role
	currentTerm raftrpc.Term
	votedFor    raftrpc.ServerId
	hasVotedFor bool
	leaderId    raftrpc.ServerId

	commitIndex raftrpc.Index
	lastApplied raftrpc.Index

	electionDeadline time.Time
	lastHeartbeatAt  time.Time

	votes *membership.VoteTracker

	// leader-only pacing/ack state, keyed by peer.
	peerNext  map[raftrpc.ServerId]raftrpc.Index
	peerMatch map[raftrpc.ServerId]raftrpc.Index

	// waiters are durability-sequence-gated deferred replies: an
	// AppendReply/VoteReply/command completion that must not be sent until
	// the write it depends on is fsynced (§4.1 "Waiters").
	waiters []waiter

	commands map[raftrpc.Index]*pendingCommand

	transfers map[raftrpc.ServerId]*inboundTransfer

	transferee      raftrpc.ServerId
	transferPending bool

	// joinReplies delivers AddServerReply messages addressed to this node
	// while it is trying to join a cluster it is not yet a member of
	// (§6 join_cluster); buffered so Step never blocks the main loop on a
	// slow or absent reader.
	joinReplies chan raftrpc.AddServerReply

	stopped bool
}

type waiter struct {
	seq uint64
	fn  func()
}

type pendingCommand struct {
	index  raftrpc.Index
	term   raftrpc.Term
	status raftrpc.CommandStatus
	done   chan struct{}
}

// Deps bundles what Node needs from the rest of the process, kept separate
// from persisted state so tests can swap a fake Transport/Applier/clock.
type Deps struct {
	Transport Transport
	Applier   Applier
	Logger    *zap.Logger
	Now       func() time.Time

	// Timing, if set, is consulted every time an election deadline is reset
	// or a heartbeat period is checked, so a config hot-reload (§2.1) can
	// retroactively change the bounds of *future* timers without touching
	// one already in flight. Nil means "use the package defaults", and any
	// zero bound it returns falls back to the matching package default.
	Timing func() (base, jitterRange, heartbeat time.Duration)
}

func defaultTiming() (time.Duration, time.Duration, time.Duration) {
	return ElectionBase, ElectionRange, HeartbeatPeriod
}

// PersistedState is the subset of a replayed store that Node needs beyond
// what raftlog.Log already reconstructs.
type PersistedState struct {
	CurrentTerm raftrpc.Term
	VotedFor    raftrpc.ServerId
	HasVotedFor bool
}

// New builds a Node from a freshly opened Log and derived Membership.
func New(self raftrpc.ServerId, clusterId raftrpc.ClusterId, address string, log *raftlog.Log, state PersistedState, deps Deps) *Node {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Timing == nil {
		deps.Timing = defaultTiming
	} else {
		configured := deps.Timing
		deps.Timing = func() (time.Duration, time.Duration, time.Duration) {
			base, jitterRange, heartbeat := configured()
			if base == 0 {
				base = ElectionBase
			}
			if jitterRange == 0 {
				jitterRange = ElectionRange
			}
			if heartbeat == 0 {
				heartbeat = HeartbeatPeriod
			}
			return base, jitterRange, heartbeat
		}
	}
	members := membership.New(self, log, deps.Logger)
	n := &Node{
		self:        self,
		clusterId:   clusterId,
		address:     address,
		log:         log,
		members:     members,
		driver:      membership.NewDriver(members),
		transport:   deps.Transport,
		applier:     deps.Applier,
		logger:      deps.Logger,
		now:         deps.Now,
		timing:      deps.Timing,
		role:        Follower,
		currentTerm: state.CurrentTerm,
		votedFor:    state.VotedFor,
		hasVotedFor: state.HasVotedFor,
		peerNext:    map[raftrpc.ServerId]raftrpc.Index{},
		peerMatch:   map[raftrpc.ServerId]raftrpc.Index{},
		commands:    map[raftrpc.Index]*pendingCommand{},
		transfers:   map[raftrpc.ServerId]*inboundTransfer{},
		joinReplies: make(chan raftrpc.AddServerReply, 1),
	}
	n.resetElectionDeadline()
	return n
}

func (n *Node) Self() raftrpc.ServerId       { return n.self }
func (n *Node) ClusterId() raftrpc.ClusterId { return n.clusterId }
func (n *Node) Role() Role                   { return n.role }
func (n *Node) CurrentTerm() raftrpc.Term    { return n.currentTerm }
func (n *Node) LeaderId() raftrpc.ServerId   { return n.leaderId }
func (n *Node) CommitIndex() raftrpc.Index   { return n.commitIndex }
func (n *Node) IsLeader() bool               { return n.role == Leader }

func (n *Node) resetElectionDeadline() {
	base, jitterRange, _ := n.timing()
	var jitter time.Duration
	if jitterRange > 0 {
		jitter = time.Duration(rand.Int63n(int64(jitterRange)))
	}
	n.electionDeadline = n.now().Add(base + jitter)
}

func (n *Node) Address() string { return n.address }

// Members returns the currently committed cluster configuration, used by
// the embedding process to keep its peer sessions in sync with membership
// changes (§4.5).
func (n *Node) Members() raftrpc.Configuration { return n.members.Current() }
