package consensus

import (
	"time"

	"go.uber.org/zap"

	"github.com/coldraft/raftdb/membership"
	"github.com/coldraft/raftdb/raftrpc"
)

// termExchange implements the universal rule of §4.4 applied to every RPC
// before it is handled: a message carrying a higher term wins and steps the
// receiver down to Follower; a message carrying a lower term is stale and
// the caller should reject it outright.
func (n *Node) termExchange(msgTerm raftrpc.Term) (stale bool) {
	if msgTerm > n.currentTerm {
		n.becomeFollower(msgTerm, raftrpc.NilServerId)
	}
	return msgTerm < n.currentTerm
}

func (n *Node) becomeFollower(term raftrpc.Term, leader raftrpc.ServerId) {
	if term > n.currentTerm {
		n.currentTerm = term
		n.hasVotedFor = false
		n.votedFor = raftrpc.NilServerId
		n.persistTermVote()
	}
	if n.role == Leader {
		n.failPendingCommands(raftrpc.CommandLostLeadership)
	}
	n.role = Follower
	n.leaderId = leader
	n.votes = nil
	n.transferPending = false
	n.resetElectionDeadline()
}

// becomeCandidate starts a new election: bumps the term, votes for self,
// and broadcasts VoteRequest to every known peer (§4.4).
func (n *Node) becomeCandidate() {
	n.currentTerm++
	n.role = Candidate
	n.leaderId = raftrpc.NilServerId
	n.votedFor = n.self
	n.hasVotedFor = true
	n.persistTermVote()
	n.resetElectionDeadline()

	n.votes = membership.NewVoteTracker(n.members.Current(), n.self)

	req := raftrpc.VoteRequest{
		Envelope:     n.envelope(raftrpc.MsgVoteRequest, raftrpc.NilServerId),
		Term:         n.currentTerm,
		LastLogIndex: n.log.LastIndex(),
		LastLogTerm:  n.log.LastTerm(),
	}
	n.broadcast(func(to raftrpc.ServerId) interface{} {
		req.To = to
		return req
	})

	if n.votes.HasMajority() {
		// Singleton cluster: self-vote alone already wins.
		n.becomeLeader()
	}
}

func (n *Node) becomeLeader() {
	n.role = Leader
	n.leaderId = n.self
	n.votes = nil
	logEnd := n.log.LogEnd()
	n.peerNext = map[raftrpc.ServerId]raftrpc.Index{}
	n.peerMatch = map[raftrpc.ServerId]raftrpc.Index{}
	for _, s := range n.members.Peers() {
		n.peerNext[s.Sid] = logEnd
		n.peerMatch[s.Sid] = 0
	}
	n.lastHeartbeatAt = time.Time{}
	n.sendHeartbeats()
	n.logger.Info("became leader", zap.Uint64("term", uint64(n.currentTerm)))
}

// persistTermVote persists the current term/voted-for pair and returns the
// durability sequence a caller must wait on before acting on it (§4.4
// "persist vote before granting"), or 0 if the write failed.
func (n *Node) persistTermVote() uint64 {
	seq, err := n.log.PersistTermVote(n.currentTerm, n.votedFor, n.hasVotedFor)
	if err != nil {
		n.logger.Error("failed to persist term/vote", zap.Error(err))
		return 0
	}
	return seq
}

// handleVoteRequest implements §4.4's vote-grant rule: grant only if the
// candidate's log is at least as up to date as ours, and we have not
// already voted for someone else this term. A granted vote is not sent
// until the vote record itself is durable, so a crash between granting
// and fsync can't later re-grant a vote for the same term to someone else.
func (n *Node) handleVoteRequest(req raftrpc.VoteRequest) {
	stale := n.termExchange(req.Term)
	reply := raftrpc.VoteReply{
		Envelope: n.envelope(raftrpc.MsgVoteReply, req.From),
		Term:     n.currentTerm,
	}
	if stale {
		n.send(req.From, reply)
		return
	}

	candidateUpToDate := req.LastLogTerm > n.log.LastTerm() ||
		(req.LastLogTerm == n.log.LastTerm() && req.LastLogIndex >= n.log.LastIndex())
	alreadyVotedOther := n.hasVotedFor && n.votedFor != req.From

	if alreadyVotedOther || !candidateUpToDate {
		n.send(req.From, reply)
		return
	}

	prevVotedFor, prevHasVotedFor := n.votedFor, n.hasVotedFor
	n.votedFor = req.From
	n.hasVotedFor = true
	seq := n.persistTermVote()
	if seq == 0 {
		// The vote record could not be written: answer as a non-grant.
		n.votedFor, n.hasVotedFor = prevVotedFor, prevHasVotedFor
		n.send(req.From, reply)
		return
	}
	n.resetElectionDeadline()
	reply.VoteGranted = true
	n.addWaiter(seq, func() { n.send(req.From, reply) })
}

// handleVoteReply tallies a reply to our own VoteRequest; a majority
// promotes this node to Leader (§4.4).
func (n *Node) handleVoteReply(reply raftrpc.VoteReply) {
	if n.termExchange(reply.Term) {
		return
	}
	if n.role != Candidate || n.votes == nil || reply.Term != n.currentTerm {
		return
	}
	if n.votes.Record(reply.From, reply.VoteGranted) && n.votes.HasMajority() {
		n.becomeLeader()
	}
}

// tickElection is called once per main-loop tick: a Follower/Candidate
// whose election deadline has passed starts a new election (§4.4). A
// Leader instead paces heartbeats.
func (n *Node) tickElection() {
	now := n.now()
	switch n.role {
	case Leader:
		_, _, heartbeat := n.timing()
		if now.Sub(n.lastHeartbeatAt) >= heartbeat {
			n.sendHeartbeats()
		}
	default:
		if !now.Before(n.electionDeadline) {
			n.becomeCandidate()
		}
	}
}
