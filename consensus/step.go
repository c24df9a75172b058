package consensus

import (
	"go.uber.org/zap"

	"github.com/coldraft/raftdb/raftrpc"
)

// Step is the single entry point for every inbound RPC, dispatched by
// message type and replied to (via the injected Transport) as appropriate.
// It is the only place besides Tick that mutates Node state, keeping the
// whole core single-threaded per §5.
func (n *Node) Step(msg interface{}) {
	switch m := msg.(type) {
	case raftrpc.Hello:
		_ = m // session identity is established by the session layer; no-op here
	case raftrpc.AppendRequest:
		n.handleAppendRequest(m)
	case raftrpc.AppendReply:
		n.handleAppendReply(m)
	case raftrpc.VoteRequest:
		n.handleVoteRequest(m)
	case raftrpc.VoteReply:
		n.handleVoteReply(m)
	case raftrpc.InstallSnapshotRequest:
		n.send(m.From, n.handleInstallSnapshotRequest(m))
	case raftrpc.InstallSnapshotReply:
		n.handleInstallSnapshotReply(m)
	case raftrpc.AddServerRequest:
		n.send(m.From, n.handleAddServerRequest(m))
	case raftrpc.AddServerReply:
		n.handleAddServerReply(m)
	case raftrpc.RemoveServerRequest:
		n.send(m.From, n.handleRemoveServerRequest(m))
	case raftrpc.RemoveServerReply:
		_ = m // Leave() is fire-and-forget; nothing awaits this reply today.
	default:
		n.logger.Warn("unrecognized message", zap.Any("msg", m))
	}
}

// Tick drives the time-based half of the core: election timeouts,
// heartbeat pacing, waiter polling, and the membership driver. It should
// be called at a steady rate (e.g. every 50-100ms) by the embedding
// process's single main loop (§5).
func (n *Node) Tick() {
	if n.stopped {
		return
	}
	n.tickElection()
	n.pollWaiters(n.log.CommittedThrough())
	n.driveMembershipDriver()
}

// Stop marks the node as no longer accepting ticks; in-flight waiters are
// left to the embedder to drain via Close.
func (n *Node) Stop() {
	n.stopped = true
	n.failPendingCommands(raftrpc.CommandShutdown)
}
