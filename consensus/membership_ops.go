package consensus

import "github.com/coldraft/raftdb/raftrpc"

// handleAddServerRequest implements §4.5/§6: only the leader can start a
// reconfiguration; any other member redirects the caller (§7
// MembershipNotLeader carries the known leader's address so the caller can
// retry there directly).
func (n *Node) handleAddServerRequest(req raftrpc.AddServerRequest) raftrpc.AddServerReply {
	reply := raftrpc.AddServerReply{Envelope: n.envelope(raftrpc.MsgAddServerReply, req.From)}
	if n.role != Leader {
		reply.Status = raftrpc.MembershipNotLeader
		reply.LeaderSid = n.leaderId
		if addr, ok := n.members.Current().Lookup(n.leaderId); ok {
			reply.LeaderAddress = addr.Address
		}
		return reply
	}
	envelope := req.Envelope
	reply.Status = n.driver.RequestAdd(req.Sid, req.Address, n.log.LogEnd(), &envelope)
	if _, known := n.peerNext[req.Sid]; !known {
		n.peerNext[req.Sid] = n.log.LogEnd()
		n.peerMatch[req.Sid] = 0
	}
	return reply
}

// RequestJoin sends an AddServerRequest for self to target, the caller's
// best guess at a cluster member (§6 join_cluster). target need not be the
// leader: a MembershipNotLeader reply names the real one via
// handleAddServerReply's delivery on JoinReplies.
func (n *Node) RequestJoin(target raftrpc.ServerId) {
	n.send(target, raftrpc.AddServerRequest{
		Envelope: n.envelope(raftrpc.MsgAddServerRequest, target),
		Sid:      n.self,
		Address:  n.address,
	})
}

// handleAddServerReply delivers a reply to our own join or reconfiguration
// request to whoever is waiting on JoinReplies. A MembershipOk reply's
// Envelope carries the cluster id assigned by the member that accepted us
// (every reply echoes n.clusterId as of whoever built it), which is how a
// joining node first learns its cluster id.
func (n *Node) handleAddServerReply(reply raftrpc.AddServerReply) {
	select {
	case n.joinReplies <- reply:
	default:
	}
}

// JoinReplies exposes the channel RequestJoin's replies arrive on so an
// embedder can drive the join/retry loop from outside the main loop
// without blocking it.
func (n *Node) JoinReplies() <-chan raftrpc.AddServerReply { return n.joinReplies }

// handleRemoveServerRequest is the RemoveServer analogue.
func (n *Node) handleRemoveServerRequest(req raftrpc.RemoveServerRequest) raftrpc.RemoveServerReply {
	reply := raftrpc.RemoveServerReply{Envelope: n.envelope(raftrpc.MsgRemoveServerReply, req.From)}
	if n.role != Leader {
		reply.Status = raftrpc.MembershipNotLeader
		reply.LeaderSid = n.leaderId
		if addr, ok := n.members.Current().Lookup(n.leaderId); ok {
			reply.LeaderAddress = addr.Address
		}
		return reply
	}
	envelope := req.Envelope
	reply.Status = n.driver.RequestRemove(req.Sid, &envelope)
	return reply
}

// driveMembershipDriver is called once per tick while leader: it advances
// the reconfiguration state machine and turns any completion into the
// matching reply message (§4.5).
func (n *Node) driveMembershipDriver() {
	if n.role != Leader {
		return
	}
	hasUncommitted := false
	for idx := n.commitIndex + 1; idx < n.log.LogEnd(); idx++ {
		if e, ok := n.log.Entry(idx); ok && e.Kind == raftrpc.EntryServers {
			hasUncommitted = true
			break
		}
	}
	completions := n.driver.Tick(n.commitIndex, hasUncommitted, func(cfg raftrpc.Configuration) (raftrpc.Index, error) {
		idx, seq, err := n.log.Append(n.currentTerm, raftrpc.EntryServers, nil, cfg)
		if err != nil {
			return 0, err
		}
		n.addWaiter(seq, func() {})
		n.advanceLeaderCommit()
		return idx, nil
	})
	for _, c := range completions {
		if c.ReplyTo == nil {
			continue
		}
		switch c.ReplyTo.Type {
		case raftrpc.MsgAddServerRequest:
			n.send(c.ReplyTo.From, raftrpc.AddServerReply{
				Envelope: n.envelope(raftrpc.MsgAddServerReply, c.ReplyTo.From),
				Status:   c.Status,
			})
		case raftrpc.MsgRemoveServerRequest:
			n.send(c.ReplyTo.From, raftrpc.RemoveServerReply{
				Envelope: n.envelope(raftrpc.MsgRemoveServerReply, c.ReplyTo.From),
				Status:   c.Status,
			})
		}
	}
}
