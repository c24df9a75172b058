// Package raftlog implements the Log subsystem of §4.2: an in-memory
// vector of entries over the half-open range [log_start, log_end), with a
// snapshot prefix summary (prev_term, prev_index, prev_servers,
// snapshot_data). The consensus core's log and term/vote writes reach the
// Persistent Store and Durability Worker only through it; consensus.Handle
// touches them directly only to start, adopt a cluster id, and shut down.
package raftlog

import (
	"go.uber.org/zap"

	"github.com/coldraft/raftdb/raftrpc"
	"github.com/coldraft/raftdb/store"
)

// Log is not safe for concurrent use; like the rest of the consensus core
// it is owned entirely by the single main task (§5).
type Log struct {
	store      *store.Store
	durability *store.DurabilityWorker
	logger     *zap.Logger

	prevTerm    raftrpc.Term
	prevIndex   raftrpc.Index
	prevServers raftrpc.Configuration
	snapshot    []byte

	// entries holds [logStart, logStart+len(entries)) == [logStart, logEnd).
	logStart raftrpc.Index
	entries  []raftrpc.Entry

	// writeErr is sticky within stickyTerm, mirroring the Store's own
	// sticky-write rule: once an append fails, every later append in the
	// same term also fails (I3).
	writeErr   error
	stickyTerm raftrpc.Term
}

// New builds a Log from a replayed store state (§6 open).
func New(s *store.Store, dw *store.DurabilityWorker, state store.ReplayState, logger *zap.Logger) *Log {
	return &Log{
		store:       s,
		durability:  dw,
		logger:      logger,
		prevTerm:    state.Snapshot.PrevTerm,
		prevIndex:   state.Snapshot.PrevIndex,
		prevServers: state.Snapshot.PrevServers,
		snapshot:    state.Snapshot.Data,
		logStart:    state.Snapshot.PrevIndex + 1,
		entries:     state.Entries,
	}
}

func (l *Log) PrevTerm() raftrpc.Term              { return l.prevTerm }
func (l *Log) PrevIndex() raftrpc.Index            { return l.prevIndex }
func (l *Log) PrevServers() raftrpc.Configuration  { return l.prevServers }
func (l *Log) SnapshotData() []byte                { return l.snapshot }
func (l *Log) LogStart() raftrpc.Index             { return l.logStart }
func (l *Log) LogEnd() raftrpc.Index               { return l.logStart + raftrpc.Index(len(l.entries)) }
func (l *Log) LastIndex() raftrpc.Index            { return l.LogEnd() - 1 }

// Entry returns the entry at i, or (zero, false) if i is outside
// [log_start, log_end).
func (l *Log) Entry(i raftrpc.Index) (raftrpc.Entry, bool) {
	if i < l.logStart || i >= l.LogEnd() {
		return raftrpc.Entry{}, false
	}
	return l.entries[i-l.logStart], true
}

// Term returns the term at i. term(log_start-1) == prev_term, per §4.2.
func (l *Log) Term(i raftrpc.Index) (raftrpc.Term, bool) {
	if i == l.logStart-1 {
		return l.prevTerm, true
	}
	e, ok := l.Entry(i)
	if !ok {
		return 0, false
	}
	return e.Term, true
}

// LastTerm returns term(log_end-1), or prev_term if the log is empty.
func (l *Log) LastTerm() raftrpc.Term {
	if len(l.entries) == 0 {
		return l.prevTerm
	}
	return l.entries[len(l.entries)-1].Term
}

// Append pushes a new entry, persists it, and bumps the durability
// requested counter. On store error the in-memory append is rolled back
// and the error becomes sticky for the remainder of term (§4.2).
func (l *Log) Append(term raftrpc.Term, kind raftrpc.EntryKind, data []byte, servers raftrpc.Configuration) (raftrpc.Index, uint64, error) {
	if l.writeErr != nil && l.stickyTerm == term {
		return 0, 0, l.writeErr
	}
	idx := l.LogEnd()
	e := raftrpc.Entry{Index: idx, Term: term, Kind: kind, Data: data, Servers: servers}

	l.entries = append(l.entries, e)
	if err := l.store.AppendEntry(e); err != nil {
		l.entries = l.entries[:len(l.entries)-1]
		l.writeErr = err
		l.stickyTerm = term
		return 0, 0, err
	}
	seq := l.durability.Request()
	return idx, seq, nil
}

// CommittedThrough reports the highest durability sequence number known
// fsynced, so callers can tell when an earlier Append/PersistTermVote/
// Compact has become safe to acknowledge (§4.1 "Waiters").
func (l *Log) CommittedThrough() uint64 { return l.durability.CommittedThrough() }

// PersistTermVote records a new current-term/voted-for pair and requests
// durability for it. Node keeps its own in-memory copies of term and
// voted-for; this only persists them (§4.4 "persist vote before granting").
func (l *Log) PersistTermVote(term raftrpc.Term, votedFor raftrpc.ServerId, hasVote bool) (uint64, error) {
	if err := l.store.AppendTermVote(term, votedFor, hasVote); err != nil {
		return 0, err
	}
	return l.durability.Request(), nil
}

// Truncate drops the in-memory suffix at and above newEnd. It does not
// write: a later record with index < log_end re-performs the truncate at
// replay time. Returns whether any removed entry was a Servers entry, so
// Membership can recompute.
func (l *Log) Truncate(newEnd raftrpc.Index) bool {
	if newEnd < l.logStart {
		newEnd = l.logStart
	}
	if newEnd >= l.LogEnd() {
		return false
	}
	removedServers := false
	for i := newEnd; i < l.LogEnd(); i++ {
		if e, ok := l.Entry(i); ok && e.Kind == raftrpc.EntryServers {
			removedServers = true
		}
	}
	l.entries = l.entries[:newEnd-l.logStart]
	return removedServers
}

// AppendFollowerEntries appends entries already known to be consistent
// with the leader's log (the caller has already run the §4.4 consistency
// check and spliced any conflicting suffix via Truncate). Each entry is
// persisted in order; the returned seq is the durability sequence for the
// last entry written (or 0 if entries is empty).
func (l *Log) AppendFollowerEntries(entries []raftrpc.Entry) (uint64, error) {
	var seq uint64
	for _, e := range entries {
		if l.writeErr != nil && l.stickyTerm == e.Term {
			return 0, l.writeErr
		}
		if e.Index < l.LogEnd() {
			// already present and matching (caller verified); skip re-append
			continue
		}
		l.entries = append(l.entries, e)
		if err := l.store.AppendEntry(e); err != nil {
			l.entries = l.entries[:len(l.entries)-1]
			l.writeErr = err
			l.stickyTerm = e.Term
			return 0, err
		}
	}
	if len(entries) > 0 {
		seq = l.durability.Request()
	}
	return seq, nil
}

// InstallSnapshot discards the overlapping log prefix, keeping any
// in-memory entries strictly above lastIndex, and adopts the new snapshot
// prefix summary (§4.3).
func (l *Log) InstallSnapshot(lastTerm raftrpc.Term, lastIndex raftrpc.Index, lastServers raftrpc.Configuration, data []byte) {
	if lastIndex >= l.LogEnd() {
		l.entries = nil
	} else if lastIndex >= l.logStart {
		l.entries = l.entries[lastIndex-l.logStart+1:]
	}
	// else: lastIndex < logStart would mean a stale/duplicate snapshot;
	// keep whatever in-memory entries we already have.
	l.prevTerm = lastTerm
	l.prevIndex = lastIndex
	l.prevServers = lastServers
	l.snapshot = data
	l.logStart = lastIndex + 1
}

// Compact writes a new on-disk file consisting of header + a fresh
// snapshot (as of prevIndex) + the remaining in-memory log + current
// term/vote, then discards the in-memory prefix at and below prevIndex
// (§4.3). Returns the durability sequence the caller should wait on before
// treating the compaction as durable.
func (l *Log) Compact(prevIndex raftrpc.Index, prevServers raftrpc.Configuration, data []byte, currentTerm raftrpc.Term, votedFor raftrpc.ServerId, hasVote bool) (uint64, error) {
	prevTerm, ok := l.Term(prevIndex)
	if !ok {
		prevTerm = l.prevTerm
	}
	var remaining []raftrpc.Entry
	if prevIndex+1 < l.LogEnd() {
		remaining = append(remaining, l.entries[prevIndex+1-l.logStart:]...)
	}
	if err := l.store.CompactTo(prevTerm, prevIndex, prevServers, data, remaining, currentTerm, votedFor, hasVote); err != nil {
		return 0, err
	}
	l.prevTerm = prevTerm
	l.prevIndex = prevIndex
	l.prevServers = prevServers
	l.snapshot = data
	l.logStart = prevIndex + 1
	l.entries = remaining
	seq := l.durability.Request()
	return seq, nil
}
