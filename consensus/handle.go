package consensus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coldraft/raftdb/raftlog"
	"github.com/coldraft/raftdb/raftrpc"
	"github.com/coldraft/raftdb/store"
)

// TickInterval is how often Handle.Run drives Node.Tick (§5): frequent
// enough that election/heartbeat timers fire close to their nominal
// values, infrequent enough to keep the main loop cheap when idle.
const TickInterval = 50 * time.Millisecond

// job is a closure marshalled onto the single main task so every mutation
// of Node happens on one goroutine, matching the cooperative ownership
// model of §5 even though Handle's public methods may be called from any
// goroutine.
type job func(*Node)

// Handle is the public entry point embedding processes use: it owns the
// Store, the Durability Worker, the Log, and the Node, and runs the single
// cooperative main loop that is the only thing allowed to touch any of
// them (§5, §6).
type Handle struct {
	node  *Node
	log   *raftlog.Log
	st    *store.Store
	dw    *store.DurabilityWorker
	jobs  chan job
	done  chan struct{}
	once  sync.Once
}

// CreateCluster bootstraps a brand-new single-member cluster (§6
// create_cluster).
func CreateCluster(path, address string, initialSnapshotData []byte, deps Deps) (*Handle, raftrpc.ClusterId, raftrpc.ServerId, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s, cid, sid, err := store.CreateCluster(path, address, initialSnapshotData, logger)
	if err != nil {
		return nil, raftrpc.ClusterId{}, raftrpc.NilServerId, err
	}
	dw := store.NewDurabilityWorker(s, logger)
	go dw.Run()
	l := raftlog.New(s, dw, store.ReplayState{
		ClusterId: cid, ServerId: sid,
		Snapshot: store.SnapshotBody{PrevIndex: raftrpc.IndexSentinel, PrevServers: raftrpc.Configuration{Servers: []raftrpc.ServerSpec{{Sid: sid, Address: address}}}},
	}, logger)
	h := newHandle(sid, cid, address, l, s, dw, deps)
	return h, cid, sid, nil
}

// JoinCluster creates a node that will contact a remote member and issue
// an AddServerRequest for itself (§6 join_cluster). The caller is
// responsible for actually sending that request once Run has started.
func JoinCluster(path, address string, deps Deps) (*Handle, raftrpc.ServerId, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s, sid, err := store.JoinCluster(path, address, logger)
	if err != nil {
		return nil, raftrpc.NilServerId, err
	}
	dw := store.NewDurabilityWorker(s, logger)
	go dw.Run()
	l := raftlog.New(s, dw, store.ReplayState{ServerId: sid, Snapshot: store.SnapshotBody{PrevIndex: raftrpc.IndexSentinel}}, logger)
	h := newHandle(sid, raftrpc.ClusterId{}, address, l, s, dw, deps)
	return h, sid, nil
}

// Open resumes a node from its on-disk store (§6 open).
func Open(path, address string, deps Deps) (*Handle, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s, state, err := store.Open(path, logger)
	if err != nil {
		return nil, err
	}
	dw := store.NewDurabilityWorker(s, logger)
	go dw.Run()
	l := raftlog.New(s, dw, state, logger)
	h := newHandle(state.ServerId, state.ClusterId, address, l, s, dw, deps)
	h.node.currentTerm = state.CurrentTerm
	h.node.votedFor = state.VotedFor
	h.node.hasVotedFor = state.HasVotedFor
	return h, nil
}

// ReadMetadata answers §6 read_metadata without opening the node for writes.
func ReadMetadata(path string) (raftrpc.ServerId, raftrpc.ClusterId, error) {
	return store.ReadMetadata(path)
}

func newHandle(sid raftrpc.ServerId, cid raftrpc.ClusterId, address string, l *raftlog.Log, s *store.Store, dw *store.DurabilityWorker, deps Deps) *Handle {
	n := New(sid, cid, address, l, PersistedState{}, deps)
	return &Handle{
		node: n,
		log:  l,
		st:   s,
		dw:   dw,
		jobs: make(chan job, 256),
		done: make(chan struct{}),
	}
}

// Deliver hands an inbound RPC to the main loop (called by the session
// layer on receipt). Safe to call from any goroutine.
func (h *Handle) Deliver(msg interface{}) {
	select {
	case h.jobs <- func(n *Node) { n.Step(msg) }:
	case <-h.done:
	}
}

// AdoptClusterId is used once a join reply carries the real cluster id.
func (h *Handle) AdoptClusterId(cid raftrpc.ClusterId) {
	h.sync(func(n *Node) {
		n.clusterId = cid
		if err := h.st.AdoptClusterId(cid); err != nil {
			n.logger.Error("failed to adopt cluster id", zap.Error(err))
		}
	})
}

// RequestJoin asks target (any known member) to add this node to the
// cluster (§6 join_cluster). The caller drives retries against
// JoinReplies itself: a MembershipNotLeader reply names the real leader,
// and a MembershipOk reply's envelope carries the cluster id to adopt via
// AdoptClusterId.
func (h *Handle) RequestJoin(target raftrpc.ServerId) {
	h.sync(func(n *Node) { n.RequestJoin(target) })
}

// JoinReplies exposes the channel RequestJoin's replies arrive on. Safe to
// read from any goroutine; the channel itself never changes after Node
// construction.
func (h *Handle) JoinReplies() <-chan raftrpc.AddServerReply { return h.node.JoinReplies() }

// OnDisconnected forwards a peer session loss to the node so a leader that
// can no longer see a majority steps down without waiting out a full
// election timeout (§6.1).
func (h *Handle) OnDisconnected(peer raftrpc.ServerId) {
	h.sync(func(n *Node) { n.OnDisconnected(peer) })
}

// Run is the single cooperative main loop (§5): it owns the Node (and
// transitively the Log and Store) exclusively, draining jobs and ticking
// at TickInterval until Close is called. Run blocks; embedders typically
// call it in its own goroutine and use Wait to block until it exits.
func (h *Handle) Run() {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case j := <-h.jobs:
			j(h.node)
		case <-ticker.C:
			h.node.Tick()
		}
	}
}

// Wait blocks until Close has been called; it does not wait for Run to
// return.
func (h *Handle) Wait() { <-h.done }

// Close stops the main loop and the Durability Worker, then closes the
// Store (§6 close).
func (h *Handle) Close() error {
	h.once.Do(func() { close(h.done) })
	h.dw.Shutdown()
	return h.st.Close()
}

// sync marshals fn onto the main loop and blocks until it has run.
func (h *Handle) sync(fn func(*Node)) {
	result := make(chan struct{})
	select {
	case h.jobs <- func(n *Node) { fn(n); close(result) }:
		<-result
	case <-h.done:
	}
}

// Execute submits data as a new command if this node is leader (§6 execute).
func (h *Handle) Execute(data []byte) (raftrpc.Index, error) {
	var idx raftrpc.Index
	var err error
	h.sync(func(n *Node) { idx, err = n.Execute(data) })
	return idx, err
}

func (h *Handle) CommandStatus(index raftrpc.Index) raftrpc.CommandStatus {
	var status raftrpc.CommandStatus
	h.sync(func(n *Node) { status = n.CommandStatus(index) })
	return status
}

func (h *Handle) CommandWait(index raftrpc.Index) <-chan struct{} {
	var ch <-chan struct{}
	h.sync(func(n *Node) { ch = n.CommandWait(index) })
	return ch
}

func (h *Handle) CommandUnref(index raftrpc.Index) {
	h.sync(func(n *Node) { n.CommandUnref(index) })
}

// HasNextEntry/NextEntry let the embedding application drain newly
// committed EntryData payloads itself instead of registering an Applier
// (§6 has_next_entry/next_entry) — an alternative pull-based interface to
// the push-based Applier callback.
func (h *Handle) HasNextEntry(after raftrpc.Index) bool {
	var has bool
	h.sync(func(n *Node) { has = after < n.commitIndex })
	return has
}

func (h *Handle) NextEntry(after raftrpc.Index) (raftrpc.Index, []byte, bool) {
	var idx raftrpc.Index
	var data []byte
	var ok bool
	h.sync(func(n *Node) {
		for i := after + 1; i <= n.commitIndex; i++ {
			e, found := n.log.Entry(i)
			if found && e.Kind == raftrpc.EntryData {
				idx, data, ok = i, e.Data, true
				return
			}
		}
	})
	return idx, data, ok
}

func (h *Handle) ShouldSnapshot(minNewEntries int) bool {
	var should bool
	h.sync(func(n *Node) { should = n.ShouldSnapshot(minNewEntries) })
	return should
}

func (h *Handle) StoreSnapshot(data []byte) error {
	var err error
	h.sync(func(n *Node) { err = n.StoreSnapshot(data) })
	return err
}

func (h *Handle) TakeLeadership() { h.sync(func(n *Node) { n.TakeLeadership() }) }

func (h *Handle) TransferLeadership(to raftrpc.ServerId) error {
	var err error
	h.sync(func(n *Node) { err = n.TransferLeadership(to) })
	return err
}

func (h *Handle) Leave() { h.sync(func(n *Node) { n.Leave() }) }

// Members returns the currently committed cluster configuration (§4.5),
// used to reconcile outbound peer sessions after a membership change.
func (h *Handle) Members() raftrpc.Configuration {
	var v raftrpc.Configuration
	h.sync(func(n *Node) { v = n.Members() })
	return v
}

func (h *Handle) Self() raftrpc.ServerId       { var v raftrpc.ServerId; h.sync(func(n *Node) { v = n.Self() }); return v }
func (h *Handle) ClusterId() raftrpc.ClusterId { var v raftrpc.ClusterId; h.sync(func(n *Node) { v = n.ClusterId() }); return v }
func (h *Handle) IsLeader() bool               { var v bool; h.sync(func(n *Node) { v = n.IsLeader() }); return v }
