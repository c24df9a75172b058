// Package store implements the Persistent Store and Durability Worker of
// §4.1: a durable, crash-recoverable, append-only sequence of self-describing
// records (header / snapshot / log entries), plus the cooperative fsync
// handshake that the rest of the core waits on before replying to peers.
package store

import (
	"bufio"
	"io"
	"os"
	"sync"

	"github.com/coreos/go-semver/semver"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/coldraft/raftdb/raftrpc"
)

// SupportedFormatVersion is the on-disk layout version this build writes
// and the newest version it can read. A file whose major version exceeds
// this one fails Open fast rather than silently misinterpreting bytes.
const SupportedFormatVersion = "1.0.0"

var supportedVersion = semver.New(SupportedFormatVersion)

// ErrIncompatibleFormat is returned by Open when the on-disk major version
// exceeds what this build supports.
var ErrIncompatibleFormat = errors.New("store: on-disk format version is newer than this build supports")

// ReplayState is the folded result of replaying a store file from the head.
type ReplayState struct {
	ClusterId     raftrpc.ClusterId
	ServerId      raftrpc.ServerId
	FormatVersion string

	Snapshot SnapshotBody

	// Entries is the in-memory suffix above Snapshot.PrevIndex, in index order.
	Entries []raftrpc.Entry

	CurrentTerm raftrpc.Term
	VotedFor    raftrpc.ServerId
	HasVotedFor bool
}

// Store owns the append-only file. All methods except Sync run on the
// single-threaded main task; Sync is called exclusively by the Durability
// Worker (§5).
type Store struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer

	clusterId     raftrpc.ClusterId
	serverId      raftrpc.ServerId
	formatVersion string

	// writeErr is sticky: once an append fails, every later append in the
	// same term also fails, since a partial write would violate I3 (log
	// contiguity) if allowed to succeed later out of order.
	writeErr   error
	stickyTerm raftrpc.Term

	logger *zap.Logger
}

// CreateCluster writes header+snapshot for a freshly-generated single-member
// cluster and returns the opened store (§6 create_cluster).
func CreateCluster(path string, localAddr string, initialSnapshotData []byte, logger *zap.Logger) (*Store, raftrpc.ClusterId, raftrpc.ServerId, error) {
	cid := raftrpc.NewClusterId()
	sid := raftrpc.NewServerId()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, raftrpc.ClusterId{}, raftrpc.NilServerId, errors.Wrap(err, "store: create")
	}
	s := &Store{
		path:          path,
		file:          f,
		w:             bufio.NewWriter(f),
		clusterId:     cid,
		serverId:      sid,
		formatVersion: SupportedFormatVersion,
		logger:        logger,
	}

	if _, err := s.w.WriteString(Magic); err != nil {
		f.Close()
		return nil, raftrpc.ClusterId{}, raftrpc.NilServerId, errors.Wrap(err, "store: write magic")
	}
	if err := s.writeRecord(Record{Kind: RecordHeader, Header: &HeaderBody{
		ClusterId: cid, ServerId: sid, FormatVersion: SupportedFormatVersion,
	}}); err != nil {
		f.Close()
		return nil, raftrpc.ClusterId{}, raftrpc.NilServerId, err
	}
	if err := s.writeRecord(Record{Kind: RecordSnapshot, Snapshot: &SnapshotBody{
		PrevTerm:  0,
		PrevIndex: raftrpc.IndexSentinel,
		PrevServers: raftrpc.Configuration{Servers: []raftrpc.ServerSpec{
			{Sid: sid, Address: localAddr},
		}},
		Data: initialSnapshotData,
	}}); err != nil {
		f.Close()
		return nil, raftrpc.ClusterId{}, raftrpc.NilServerId, err
	}
	if err := s.w.Flush(); err != nil {
		f.Close()
		return nil, raftrpc.ClusterId{}, raftrpc.NilServerId, errors.Wrap(err, "store: flush")
	}
	return s, cid, sid, nil
}

// JoinCluster writes header (cluster id not yet known) and an empty log for
// a node that will contact remotes and send AddServerRequest (§6
// join_cluster). AdoptClusterId is called once a reply carries the real
// cluster id.
func JoinCluster(path string, localAddr string, logger *zap.Logger) (*Store, raftrpc.ServerId, error) {
	sid := raftrpc.NewServerId()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, raftrpc.NilServerId, errors.Wrap(err, "store: create")
	}
	s := &Store{
		path:          path,
		file:          f,
		w:             bufio.NewWriter(f),
		serverId:      sid,
		formatVersion: SupportedFormatVersion,
		logger:        logger,
	}
	if _, err := s.w.WriteString(Magic); err != nil {
		f.Close()
		return nil, raftrpc.NilServerId, errors.Wrap(err, "store: write magic")
	}
	if err := s.writeRecord(Record{Kind: RecordHeader, Header: &HeaderBody{
		ServerId: sid, FormatVersion: SupportedFormatVersion,
	}}); err != nil {
		f.Close()
		return nil, raftrpc.NilServerId, err
	}
	if err := s.writeRecord(Record{Kind: RecordSnapshot, Snapshot: &SnapshotBody{
		PrevTerm:    0,
		PrevIndex:   raftrpc.IndexSentinel,
		PrevServers: raftrpc.Configuration{},
	}}); err != nil {
		f.Close()
		return nil, raftrpc.NilServerId, err
	}
	if err := s.w.Flush(); err != nil {
		f.Close()
		return nil, raftrpc.NilServerId, errors.Wrap(err, "store: flush")
	}
	return s, sid, nil
}

// AdoptClusterId persists a cluster id learned from a join reply by
// appending a superseding Header record (§4.1: "written once at cluster
// creation or first learning of cluster id").
func (s *Store) AdoptClusterId(cid raftrpc.ClusterId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusterId = cid
	return s.writeRecord(Record{Kind: RecordHeader, Header: &HeaderBody{
		ClusterId: cid, ServerId: s.serverId, FormatVersion: s.formatVersion,
	}})
}

// Open resumes a store by replaying it from the head (§6 open).
func Open(path string, logger *zap.Logger) (*Store, ReplayState, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, ReplayState{}, errors.Wrap(err, "store: open")
	}
	state, err := replay(f)
	if err != nil {
		f.Close()
		return nil, ReplayState{}, err
	}
	if v, err := semver.NewVersion(state.FormatVersion); err == nil {
		if v.Major > supportedVersion.Major {
			f.Close()
			return nil, ReplayState{}, ErrIncompatibleFormat
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, ReplayState{}, errors.Wrap(err, "store: seek end")
	}
	s := &Store{
		path:          path,
		file:          f,
		w:             bufio.NewWriter(f),
		clusterId:     state.ClusterId,
		serverId:      state.ServerId,
		formatVersion: state.FormatVersion,
		logger:        logger,
	}
	return s, state, nil
}

// ReadMetadata reads just enough of the file to answer §6's read_metadata,
// without retaining an open handle for writing.
func ReadMetadata(path string) (sid raftrpc.ServerId, cid raftrpc.ClusterId, err error) {
	f, err := os.Open(path)
	if err != nil {
		return raftrpc.NilServerId, raftrpc.ClusterId{}, errors.Wrap(err, "store: open for metadata")
	}
	defer f.Close()
	state, err := replay(f)
	if err != nil {
		return raftrpc.NilServerId, raftrpc.ClusterId{}, err
	}
	return state.ServerId, state.ClusterId, nil
}

func replay(f *os.File) (ReplayState, error) {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(f, magic); err != nil || string(magic) != Magic {
		return ReplayState{}, ErrBadMagic
	}

	state := ReplayState{}
	rr := newRecordReader(f)
	logStart := raftrpc.FirstRealIndex

	for {
		rec, err := rr.next()
		if err == io.EOF {
			break
		}
		if err == ErrTruncatedRecord {
			// A trailing partial record is tolerated: treated as a crash
			// during append and discarded (§4.1, §7).
			break
		}
		if err != nil {
			return ReplayState{}, err
		}

		switch rec.Kind {
		case RecordHeader:
			if rec.Header == nil {
				return ReplayState{}, errors.New("store: header record missing body")
			}
			if !rec.Header.ClusterId.IsNil() {
				state.ClusterId = rec.Header.ClusterId
			}
			state.ServerId = rec.Header.ServerId
			state.FormatVersion = rec.Header.FormatVersion

		case RecordSnapshot:
			if rec.Snapshot == nil {
				return ReplayState{}, errors.New("store: snapshot record missing body")
			}
			state.Snapshot = *rec.Snapshot
			state.Entries = nil
			logStart = rec.Snapshot.PrevIndex + 1

		case RecordLogEntry:
			if rec.LogEntry == nil {
				return ReplayState{}, errors.New("store: log entry record missing body")
			}
			body := rec.LogEntry
			if !body.HasIndex {
				state.CurrentTerm = body.Term
				state.VotedFor = body.Vote
				state.HasVotedFor = body.HasVote
				continue
			}
			// Truncate any in-memory suffix at or above this index before
			// re-appending: a later record with index < log_end re-performs
			// the truncate that happened live (§4.1).
			if body.Index >= logStart {
				pos := int(body.Index - logStart)
				if pos < len(state.Entries) {
					state.Entries = state.Entries[:pos]
				}
				state.Entries = append(state.Entries, raftrpc.Entry{
					Index: body.Index, Term: body.Term, Kind: body.Kind,
					Data: body.Data, Servers: body.Servers,
				})
			}
		}
	}
	return state, nil
}

func (s *Store) writeRecord(r Record) error {
	buf, err := encodeRecord(r)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(buf); err != nil {
		return errors.Wrap(err, "store: write record")
	}
	return nil
}

// AppendEntry persists a single log entry record and buffers it for the
// next Sync (§4.2 append). A sticky write error from an earlier append in
// the same term is returned immediately without attempting the write.
func (s *Store) AppendEntry(e raftrpc.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil && s.stickyTerm == e.Term {
		return s.writeErr
	}
	err := s.writeRecord(Record{Kind: RecordLogEntry, LogEntry: &LogEntryBody{
		HasIndex: true, Index: e.Index, Term: e.Term, Kind: e.Kind,
		Data: e.Data, Servers: e.Servers,
	}})
	if err != nil {
		s.writeErr = err
		s.stickyTerm = e.Term
	}
	return err
}

// AppendTermVote persists a term/vote metadata-advance record (no index).
func (s *Store) AppendTermVote(term raftrpc.Term, votedFor raftrpc.ServerId, hasVote bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeRecord(Record{Kind: RecordLogEntry, LogEntry: &LogEntryBody{
		HasIndex: false, Term: term, HasVote: hasVote, Vote: votedFor,
	}})
}

// CompactTo atomically replaces the store file with header + a fresh
// snapshot + the log records above prevIndex + the current term/vote
// (§4.3). The caller already holds the new snapshot bytes and the
// membership as of prevIndex.
func (s *Store) CompactTo(prevTerm raftrpc.Term, prevIndex raftrpc.Index, prevServers raftrpc.Configuration, data []byte, remaining []raftrpc.Entry, currentTerm raftrpc.Term, votedFor raftrpc.ServerId, hasVote bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := s.path + ".compact.tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return errors.Wrap(err, "store: open compact tmp")
	}
	w := bufio.NewWriter(f)
	if _, err := w.WriteString(Magic); err != nil {
		f.Close()
		return errors.Wrap(err, "store: write magic")
	}
	tmp := &Store{w: w}
	if err := tmp.writeRecord(Record{Kind: RecordHeader, Header: &HeaderBody{
		ClusterId: s.clusterId, ServerId: s.serverId, FormatVersion: s.formatVersion,
	}}); err != nil {
		f.Close()
		return err
	}
	if err := tmp.writeRecord(Record{Kind: RecordSnapshot, Snapshot: &SnapshotBody{
		PrevTerm: prevTerm, PrevIndex: prevIndex, PrevServers: prevServers, Data: data,
	}}); err != nil {
		f.Close()
		return err
	}
	for _, e := range remaining {
		if err := tmp.writeRecord(Record{Kind: RecordLogEntry, LogEntry: &LogEntryBody{
			HasIndex: true, Index: e.Index, Term: e.Term, Kind: e.Kind, Data: e.Data, Servers: e.Servers,
		}}); err != nil {
			f.Close()
			return err
		}
	}
	if err := tmp.writeRecord(Record{Kind: RecordLogEntry, LogEntry: &LogEntryBody{
		HasIndex: false, Term: currentTerm, HasVote: hasVote, Vote: votedFor,
	}}); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "store: flush compact tmp")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "store: fsync compact tmp")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "store: close compact tmp")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return errors.Wrap(err, "store: rename compact tmp")
	}

	// Reopen the replaced file for continued appends.
	if err := s.file.Close(); err != nil {
		s.logger.Warn("store: close old file after compaction failed", zap.Error(err))
	}
	newFile, err := os.OpenFile(s.path, os.O_RDWR, 0644)
	if err != nil {
		return errors.Wrap(err, "store: reopen after compaction")
	}
	if _, err := newFile.Seek(0, io.SeekEnd); err != nil {
		newFile.Close()
		return errors.Wrap(err, "store: seek end after compaction")
	}
	s.file = newFile
	s.w = bufio.NewWriter(newFile)
	s.writeErr = nil
	return nil
}

// Sync flushes buffered writes and fsyncs the file. This is the only
// method the Durability Worker calls; every other Store method runs on
// the main task (§5).
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return errors.Wrap(err, "store: flush")
	}
	if err := s.file.Sync(); err != nil {
		return errors.Wrap(err, "store: fsync")
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return errors.Wrap(err, "store: flush on close")
	}
	return s.file.Close()
}

func (s *Store) ClusterId() raftrpc.ClusterId { return s.clusterId }
func (s *Store) ServerId() raftrpc.ServerId   { return s.serverId }
func (s *Store) Path() string                 { return s.path }
