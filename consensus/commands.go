package consensus

import "github.com/coldraft/raftdb/raftrpc"

// Execute appends data as a new EntryData entry if this node is the
// current leader (§6 execute / §7 CommandStatus). The returned index
// identifies the command for CommandStatus/CommandWait/CommandUnref.
func (n *Node) Execute(data []byte) (raftrpc.Index, error) {
	if n.role != Leader {
		return 0, errNotLeader
	}
	idx, seq, err := n.log.Append(n.currentTerm, raftrpc.EntryData, data, raftrpc.Configuration{})
	if err != nil {
		return 0, err
	}
	n.commands[idx] = &pendingCommand{index: idx, term: n.currentTerm, status: raftrpc.CommandIncomplete, done: make(chan struct{})}
	n.addWaiter(seq, func() {})
	n.advanceLeaderCommit()
	n.sendHeartbeats() // push the new entry to followers now, don't wait for the next heartbeat tick
	return idx, nil
}

// CommandStatus reports the outcome of a previously submitted command.
func (n *Node) CommandStatus(index raftrpc.Index) raftrpc.CommandStatus {
	c, ok := n.commands[index]
	if !ok {
		return raftrpc.CommandIncomplete
	}
	return c.status
}

// CommandWait returns a channel that closes once the command's status
// moves out of Incomplete (§6 command_wait).
func (n *Node) CommandWait(index raftrpc.Index) <-chan struct{} {
	c, ok := n.commands[index]
	if !ok {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// CommandUnref discards bookkeeping for a command the caller no longer
// cares about (§6 command_unref).
func (n *Node) CommandUnref(index raftrpc.Index) {
	delete(n.commands, index)
}

func (n *Node) completeCommand(index raftrpc.Index) {
	c, ok := n.commands[index]
	if !ok || c.status != raftrpc.CommandIncomplete {
		return
	}
	if c.term != n.currentTerm || n.role != Leader {
		c.status = raftrpc.CommandLostLeadership
	} else {
		c.status = raftrpc.CommandSuccess
	}
	close(c.done)
}

// failPendingCommands marks every still-incomplete command with status,
// called on a leadership loss so callers blocked in CommandWait unblock
// (§4.4, §7).
func (n *Node) failPendingCommands(status raftrpc.CommandStatus) {
	for _, c := range n.commands {
		if c.status == raftrpc.CommandIncomplete {
			c.status = status
			close(c.done)
		}
	}
}
