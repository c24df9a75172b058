package consensus

import (
	"go.uber.org/zap"

	"github.com/coldraft/raftdb/raftrpc"
)

// sendHeartbeats sends an AppendRequest to every peer: an empty one if
// nothing new has replicated (heartbeat), or the peer's missing suffix
// otherwise (§4.4 pacing by next_index/match_index).
func (n *Node) sendHeartbeats() {
	n.lastHeartbeatAt = n.now()
	for _, s := range n.members.Peers() {
		n.sendAppendTo(s.Sid)
	}
}

func (n *Node) sendAppendTo(to raftrpc.ServerId) {
	next, ok := n.peerNext[to]
	if !ok {
		next = n.log.LogEnd()
		n.peerNext[to] = next
	}
	prevIndex := next - 1
	prevTerm, ok := n.log.Term(prevIndex)
	if !ok {
		// Peer is behind our snapshot prefix: it needs InstallSnapshot
		// instead of AppendEntries (§4.3).
		n.sendInstallSnapshotTo(to, 0)
		return
	}

	var entries []raftrpc.Entry
	for i := next; i < n.log.LogEnd(); i++ {
		e, ok := n.log.Entry(i)
		if !ok {
			break
		}
		entries = append(entries, e)
	}

	req := raftrpc.AppendRequest{
		Envelope:     n.envelope(raftrpc.MsgAppendRequest, to),
		Term:         n.currentTerm,
		LeaderSid:    n.self,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		LeaderCommit: n.commitIndex,
		Entries:      entries,
	}
	n.send(to, req)
}

// handleAppendRequest implements the §4.4 consistency-check-and-splice
// algorithm: reject on term mismatch or a missing/mismatched previous
// entry; otherwise truncate any conflicting suffix and append the rest. It
// sends the reply itself, either immediately or (when it persisted new
// entries) once the Durability Worker confirms they're fsynced, since a
// crash before fsync must not leave the leader believing replication
// succeeded (§4.1 "Waiters").
func (n *Node) handleAppendRequest(req raftrpc.AppendRequest) {
	stale := n.termExchange(req.Term)
	reply := raftrpc.AppendReply{
		Envelope:     n.envelope(raftrpc.MsgAppendReply, req.From),
		Term:         n.currentTerm,
		PrevLogIndex: req.PrevLogIndex,
		PrevLogTerm:  req.PrevLogTerm,
		NEntries:     len(req.Entries),
	}
	if stale {
		reply.LogEnd = n.log.LogEnd()
		n.send(req.From, reply)
		return
	}

	n.leaderId = req.LeaderSid
	n.role = Follower
	n.resetElectionDeadline()

	prevTerm, ok := n.log.Term(req.PrevLogIndex)
	if !ok || prevTerm != req.PrevLogTerm {
		reply.LogEnd = n.log.LogEnd()
		n.send(req.From, reply)
		return
	}

	// Find the first entry that conflicts (different term at the same
	// index) or is missing; everything from there on needs (re-)appending.
	i := 0
	for ; i < len(req.Entries); i++ {
		e := req.Entries[i]
		existingTerm, ok := n.log.Term(e.Index)
		if !ok || existingTerm != e.Term {
			break
		}
	}
	toAppend := req.Entries[i:]

	if len(toAppend) == 0 {
		n.advanceFollowerCommit(req.LeaderCommit, req.PrevLogIndex+raftrpc.Index(len(req.Entries)))
		reply.Success = true
		reply.LogEnd = n.log.LogEnd()
		n.send(req.From, reply)
		return
	}

	if n.log.Truncate(toAppend[0].Index) {
		n.members.RecomputeFromLog(n.log)
	}
	seq, err := n.log.AppendFollowerEntries(toAppend)
	if err != nil {
		n.logger.Error("follower append failed", zap.Error(err))
		reply.LogEnd = n.log.LogEnd()
		n.send(req.From, reply)
		return
	}
	if containsServers(toAppend) {
		n.members.RecomputeFromLog(n.log)
	}
	n.advanceFollowerCommit(req.LeaderCommit, req.PrevLogIndex+raftrpc.Index(len(req.Entries)))
	reply.Success = true
	reply.LogEnd = n.log.LogEnd()
	n.addWaiter(seq, func() { n.send(req.From, reply) })
}

func containsServers(entries []raftrpc.Entry) bool {
	for _, e := range entries {
		if e.Kind == raftrpc.EntryServers {
			return true
		}
	}
	return false
}

// handleAppendReply advances a peer's next_index/match_index on success,
// or on failure backs next_index off by one, or further down to the
// follower's reported log_end when that is lower (§4.4).
func (n *Node) handleAppendReply(reply raftrpc.AppendReply) {
	if n.termExchange(reply.Term) {
		return
	}
	if n.role != Leader || reply.Term != n.currentTerm {
		return
	}
	if !reply.Success {
		next := n.peerNext[reply.From]
		if next > raftrpc.FirstRealIndex {
			next--
		}
		if reply.LogEnd >= raftrpc.FirstRealIndex && reply.LogEnd < next {
			next = reply.LogEnd
		}
		n.peerNext[reply.From] = next
		n.sendAppendTo(reply.From)
		return
	}
	match := reply.PrevLogIndex + raftrpc.Index(reply.NEntries)
	if match > n.peerMatch[reply.From] {
		n.peerMatch[reply.From] = match
	}
	if match+1 > n.peerNext[reply.From] {
		n.peerNext[reply.From] = match + 1
	}
	n.driver.NoteMatch(reply.From, n.peerMatch[reply.From], n.log.LogEnd())
	n.advanceLeaderCommit()
	if n.peerNext[reply.From] < n.log.LogEnd() {
		n.sendAppendTo(reply.From)
	}
	n.maybeCompleteTransfer(reply.From)
}

// advanceLeaderCommit implements the majority rule of §4.4, restricted to
// entries from the current term (the classic "never commit by counting
// replicas of an older term" safety rule).
func (n *Node) advanceLeaderCommit() {
	for idx := n.log.LastIndex(); idx > n.commitIndex; idx-- {
		term, ok := n.log.Term(idx)
		if !ok || term != n.currentTerm {
			continue
		}
		if n.members.MatchCount(idx, n.log.LastIndex()) >= n.members.Majority() {
			n.setCommitIndex(idx)
			return
		}
	}
}

func (n *Node) advanceFollowerCommit(leaderCommit, lastNew raftrpc.Index) {
	if leaderCommit > n.commitIndex {
		newCommit := leaderCommit
		if newCommit > lastNew {
			newCommit = lastNew
		}
		n.setCommitIndex(newCommit)
	}
}

func (n *Node) setCommitIndex(idx raftrpc.Index) {
	if idx <= n.commitIndex {
		return
	}
	n.commitIndex = idx
	n.applyThroughCommit()
}

// applyThroughCommit runs the apply loop of §4.4: every EntryData between
// last_applied and commit_index is handed to the Applier in order; an
// EntryServers entry is a no-op for the application state machine.
func (n *Node) applyThroughCommit() {
	for n.lastApplied < n.commitIndex {
		idx := n.lastApplied + 1
		e, ok := n.log.Entry(idx)
		n.lastApplied = idx
		if !ok {
			continue
		}
		if e.Kind == raftrpc.EntryData && n.applier != nil {
			n.applier.Apply(idx, e.Data)
		}
		n.completeCommand(idx)
	}
}
