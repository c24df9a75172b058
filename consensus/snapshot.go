package consensus

import (
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/coldraft/raftdb/raftrpc"
)

// snapshotChunkSize bounds a single InstallSnapshotRequest's payload so a
// large snapshot streams in pieces rather than one oversized message
// (§4.3). It is sized generously to favor fewer round trips for typical
// configuration-database snapshot sizes, but small enough to not stall the
// transport's framed-message decoder on a single giant allocation.
const snapshotChunkSize = 256 * 1024

// inboundTransfer tracks a snapshot being received in chunks.
type inboundTransfer struct {
	lastTerm    raftrpc.Term
	lastIndex   raftrpc.Index
	lastServers raftrpc.Configuration
	length      int64
	buf         []byte
}

// sendInstallSnapshotTo starts (offset==0) or continues streaming our
// current snapshot to a lagging peer.
func (n *Node) sendInstallSnapshotTo(to raftrpc.ServerId, offset int64) {
	data := n.log.SnapshotData()
	length := int64(len(data))
	end := offset + snapshotChunkSize
	if end > length {
		end = length
	}
	if end < length && utf8.Valid(data) {
		// Pull the boundary back so a multi-byte codepoint is never split.
		for end > offset && !utf8.RuneStart(data[end]) {
			end--
		}
	}
	chunk := data[offset:end]
	req := raftrpc.InstallSnapshotRequest{
		Envelope:    n.envelope(raftrpc.MsgInstallSnapshotRequest, to),
		Term:        n.currentTerm,
		LastIndex:   n.log.PrevIndex(),
		LastTerm:    n.log.PrevTerm(),
		LastServers: n.log.PrevServers(),
		Length:      length,
		Offset:      offset,
		Chunk:       chunk,
	}
	n.send(to, req)
	n.logger.Debug("sending snapshot chunk",
		zap.String("to", to.String()),
		zap.String("offset", humanize.Bytes(uint64(offset))),
		zap.String("length", humanize.Bytes(uint64(length))))
}

// handleInstallSnapshotRequest accumulates chunks keyed by sender, and
// installs the completed snapshot once the last chunk arrives (§4.3).
// The sender keeps chunk boundaries on UTF-8 codepoint boundaries when the
// snapshot is valid UTF-8, but nothing here relies on it: the accumulated
// buffer is only interpreted by the application layer once it is whole, so
// no mid-stream decoding is attempted here.
func (n *Node) handleInstallSnapshotRequest(req raftrpc.InstallSnapshotRequest) raftrpc.InstallSnapshotReply {
	stale := n.termExchange(req.Term)
	reply := raftrpc.InstallSnapshotReply{
		Envelope:  n.envelope(raftrpc.MsgInstallSnapshotReply, req.From),
		Term:      n.currentTerm,
		LastIndex: req.LastIndex,
		LastTerm:  req.LastTerm,
	}
	if stale {
		reply.NextOffset = 0
		return reply
	}
	n.leaderId = req.From
	n.role = Follower
	n.resetElectionDeadline()

	t, ok := n.transfers[req.From]
	if !ok || req.Offset == 0 {
		t = &inboundTransfer{lastTerm: req.LastTerm, lastIndex: req.LastIndex, lastServers: req.LastServers, length: req.Length}
		n.transfers[req.From] = t
	}
	if int64(len(t.buf)) == req.Offset {
		t.buf = append(t.buf, req.Chunk...)
	}
	reply.NextOffset = int64(len(t.buf))

	if int64(len(t.buf)) >= t.length {
		n.log.InstallSnapshot(t.lastTerm, t.lastIndex, t.lastServers, t.buf)
		n.members.RecomputeFromLog(n.log)
		if t.lastIndex > n.commitIndex {
			n.commitIndex = t.lastIndex
		}
		if t.lastIndex > n.lastApplied {
			n.lastApplied = t.lastIndex
		}
		delete(n.transfers, req.From)
	}
	return reply
}

// handleInstallSnapshotReply continues the transfer until the follower has
// acknowledged the full length, then resumes normal AppendEntries pacing.
// A reply about a different snapshot than ours restarts the transfer at 0.
func (n *Node) handleInstallSnapshotReply(reply raftrpc.InstallSnapshotReply) {
	if n.termExchange(reply.Term) {
		return
	}
	if n.role != Leader {
		return
	}
	if reply.LastIndex != n.log.PrevIndex() || reply.LastTerm != n.log.PrevTerm() {
		n.sendInstallSnapshotTo(reply.From, 0)
		return
	}
	length := int64(len(n.log.SnapshotData()))
	if reply.NextOffset >= length {
		n.peerMatch[reply.From] = reply.LastIndex
		n.peerNext[reply.From] = reply.LastIndex + 1
		n.driver.NoteMatch(reply.From, reply.LastIndex, n.log.LogEnd())
		return
	}
	n.sendInstallSnapshotTo(reply.From, reply.NextOffset)
}

// ShouldSnapshot reports whether the application should take a new
// snapshot, per §6 should_snapshot: when the log has grown past a size the
// embedder considers worth compacting. The core itself does not impose a
// threshold; it only tracks whether enough new committed entries have
// accumulated since the last compaction to make asking worthwhile.
func (n *Node) ShouldSnapshot(minNewEntries int) bool {
	return int(n.commitIndex-n.log.PrevIndex()) >= minNewEntries
}

// StoreSnapshot compacts the log up to the current commit index using
// data supplied by the application (§6 store_snapshot, §4.3).
func (n *Node) StoreSnapshot(data []byte) error {
	prevServers := n.members.Current()
	seq, err := n.log.Compact(n.commitIndex, prevServers, data, n.currentTerm, n.votedFor, n.hasVotedFor)
	if err != nil {
		return err
	}
	n.addWaiter(seq, func() {})
	return nil
}
