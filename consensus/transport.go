package consensus

import "github.com/coldraft/raftdb/raftrpc"

func (n *Node) envelope(t raftrpc.MessageType, to raftrpc.ServerId) raftrpc.Envelope {
	return raftrpc.Envelope{Type: t, To: to, From: n.self, Cluster: n.clusterId}
}

func (n *Node) send(to raftrpc.ServerId, msg interface{}) {
	if to == n.self {
		n.logger.Error("dropping message addressed to self")
		return
	}
	if n.transport == nil {
		return
	}
	n.transport.Send(to, msg)
}

// broadcast sends build(to) to every peer other than self.
func (n *Node) broadcast(build func(to raftrpc.ServerId) interface{}) {
	for _, s := range n.members.Peers() {
		n.send(s.Sid, build(s.Sid))
	}
}

// addWaiter defers fn until the durability worker has committed through
// seq (§4.1 "Waiters"). A seq of 0 means no write was pending and fn runs
// immediately.
func (n *Node) addWaiter(seq uint64, fn func()) {
	if seq == 0 {
		fn()
		return
	}
	n.waiters = append(n.waiters, waiter{seq: seq, fn: fn})
}

// pollWaiters is called once per tick to fire any waiter whose durability
// sequence has now committed.
func (n *Node) pollWaiters(committedThrough uint64) {
	if len(n.waiters) == 0 {
		return
	}
	remaining := n.waiters[:0]
	for _, w := range n.waiters {
		if committedThrough >= w.seq {
			w.fn()
		} else {
			remaining = append(remaining, w)
		}
	}
	n.waiters = remaining
}
