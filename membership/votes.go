package membership

import "github.com/coldraft/raftdb/raftrpc"

// VoteTracker counts granted votes for a single election, grounded on the
// ProgressTracker.Votes/RecordVote/TallyVotes shape used for etcd-style
// quorum bookkeeping, generalized here to the UUID-keyed member set.
type VoteTracker struct {
	cfg   raftrpc.Configuration
	votes map[raftrpc.ServerId]bool
}

// NewVoteTracker starts a fresh tally against cfg, with self counted as an
// implicit yes vote.
func NewVoteTracker(cfg raftrpc.Configuration, self raftrpc.ServerId) *VoteTracker {
	vt := &VoteTracker{cfg: cfg.Clone(), votes: map[raftrpc.ServerId]bool{}}
	if cfg.Contains(self) {
		vt.votes[self] = true
	}
	return vt
}

// Record registers sid's response, ignoring a repeat response from a peer
// already recorded (§4.4 "if this peer had not already voted"). Returns
// whether this call changed the tally.
func (vt *VoteTracker) Record(sid raftrpc.ServerId, granted bool) bool {
	if !vt.cfg.Contains(sid) {
		return false
	}
	if _, already := vt.votes[sid]; already {
		return false
	}
	vt.votes[sid] = granted
	return true
}

// Granted returns the number of yes votes recorded so far.
func (vt *VoteTracker) Granted() int {
	n := 0
	for _, granted := range vt.votes {
		if granted {
			n++
		}
	}
	return n
}

// HasMajority reports whether the granted count has reached the
// configuration's majority threshold.
func (vt *VoteTracker) HasMajority() bool {
	return vt.Granted() >= vt.cfg.Majority()
}

// Outstanding returns the configured members who have not yet responded.
func (vt *VoteTracker) Outstanding() []raftrpc.ServerId {
	var out []raftrpc.ServerId
	for _, spec := range vt.cfg.Servers {
		if _, responded := vt.votes[spec.Sid]; !responded {
			out = append(out, spec.Sid)
		}
	}
	return out
}
