package consensus

import (
	"go.uber.org/zap"

	"github.com/coldraft/raftdb/raftrpc"
)

// TransferLeadership starts transferring leadership to a caught-up peer
// (§6.1, supplementing the core protocol per the original implementation's
// leadership-transfer feature): once the peer's log matches, the leader
// steps down so the peer's next election timeout fires immediately. The
// leader keeps accepting new commands while the transfer is pending.
func (n *Node) TransferLeadership(to raftrpc.ServerId) error {
	if n.role != Leader {
		return errNotLeader
	}
	if !n.members.IsMember(to) {
		return errNotMember
	}
	if n.transferPending {
		return errTransferPending
	}
	n.transferee = to
	n.transferPending = true
	if n.peerMatch[to] >= n.log.LastIndex() {
		n.completeTransfer()
		return nil
	}
	n.sendAppendTo(to)
	return nil
}

func (n *Node) maybeCompleteTransfer(from raftrpc.ServerId) {
	if !n.transferPending || from != n.transferee {
		return
	}
	if n.peerMatch[from] >= n.log.LastIndex() {
		n.completeTransfer()
	}
}

func (n *Node) completeTransfer() {
	to := n.transferee
	n.transferPending = false
	n.logger.Info("transferring leadership", zap.String("to", to.String()))
	n.becomeFollower(n.currentTerm, raftrpc.NilServerId)
	n.electionDeadline = n.now()
}

// TakeLeadership forces an immediate election attempt regardless of the
// current election deadline (§6 take_leadership).
func (n *Node) TakeLeadership() {
	if n.role == Leader {
		return
	}
	n.becomeCandidate()
}

// OnDisconnected implements the disconnection-triggered step-down
// supplemented from the original implementation (§6.1): if the leader
// loses its session with enough peers that it can no longer see a
// majority, it steps down immediately rather than waiting out a full
// election timeout while uselessly holding the role.
func (n *Node) OnDisconnected(peer raftrpc.ServerId) {
	if n.role != Leader {
		return
	}
	live := 1 // self
	for _, s := range n.members.Peers() {
		if s.Sid == peer {
			continue
		}
		live++
	}
	if live < n.members.Majority() {
		n.logger.Warn("leader lost majority connectivity, stepping down")
		n.becomeFollower(n.currentTerm, raftrpc.NilServerId)
	}
}

// Leave removes self from the cluster gracefully, asking the current
// leader (or self, if leader) to process a RemoveServerRequest for our own
// id (§6 leave).
func (n *Node) Leave() {
	if n.role == Leader {
		n.driver.RequestRemove(n.self, nil)
		return
	}
	if n.leaderId.IsNil() {
		return
	}
	n.send(n.leaderId, raftrpc.RemoveServerRequest{
		Envelope: n.envelope(raftrpc.MsgRemoveServerRequest, n.leaderId),
		Sid:      n.self,
	})
}
