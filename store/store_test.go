package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coldraft/raftdb/raftrpc"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func TestCreateClusterThenOpenRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.raft")

	s, cid, sid, err := CreateCluster(path, "tcp:127.0.0.1:6641", []byte("{}"), testLogger())
	require.NoError(t, err)
	require.NoError(t, s.AppendTermVote(1, sid, true))
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	reopened, state, err := Open(path, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, cid, state.ClusterId)
	require.Equal(t, sid, state.ServerId)
	require.Equal(t, raftrpc.Term(1), state.CurrentTerm)
	require.True(t, state.HasVotedFor)
	require.Equal(t, sid, state.VotedFor)
	require.Equal(t, raftrpc.IndexSentinel, state.Snapshot.PrevIndex)
	require.Len(t, state.Entries, 0)
}

func TestAppendEntryReplayIsContiguous(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.raft")

	s, _, sid, err := CreateCluster(path, "tcp:127.0.0.1:6641", nil, testLogger())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		idx := raftrpc.FirstRealIndex + raftrpc.Index(i)
		require.NoError(t, s.AppendEntry(raftrpc.Entry{Index: idx, Term: 1, Kind: raftrpc.EntryData, Data: []byte("x")}))
	}
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	_, state, err := Open(path, testLogger())
	require.NoError(t, err)
	require.Len(t, state.Entries, 3)
	require.Equal(t, sid, state.ServerId)
	for i, e := range state.Entries {
		require.Equal(t, raftrpc.FirstRealIndex+raftrpc.Index(i), e.Index)
	}
}

func TestReplayTruncatesOnLaterOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.raft")

	s, _, _, err := CreateCluster(path, "tcp:127.0.0.1:6641", nil, testLogger())
	require.NoError(t, err)

	// idx=2 term=1, idx=3 term=1, then a later record overwrites idx=3 at term=2.
	require.NoError(t, s.AppendEntry(raftrpc.Entry{Index: 2, Term: 1, Kind: raftrpc.EntryData, Data: []byte("a")}))
	require.NoError(t, s.AppendEntry(raftrpc.Entry{Index: 3, Term: 1, Kind: raftrpc.EntryData, Data: []byte("b")}))
	require.NoError(t, s.AppendEntry(raftrpc.Entry{Index: 3, Term: 2, Kind: raftrpc.EntryData, Data: []byte("c")}))
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	_, state, err := Open(path, testLogger())
	require.NoError(t, err)
	require.Len(t, state.Entries, 2)
	require.Equal(t, raftrpc.Term(2), state.Entries[1].Term)
	require.Equal(t, []byte("c"), state.Entries[1].Data)
}

func TestTrailingTruncatedRecordIsTolerated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.raft")

	s, _, _, err := CreateCluster(path, "tcp:127.0.0.1:6641", nil, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.AppendEntry(raftrpc.Entry{Index: 2, Term: 1, Kind: raftrpc.EntryData, Data: []byte("a")}))
	require.NoError(t, s.AppendEntry(raftrpc.Entry{Index: 3, Term: 1, Kind: raftrpc.EntryData, Data: []byte("b")}))
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	// Simulate a crash mid-append: truncate the file by a few bytes, cutting
	// into the last record (index 3) and leaving index 2 whole.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-2))

	_, state, err := Open(path, testLogger())
	require.NoError(t, err)
	require.Len(t, state.Entries, 1)
}

func TestBadMagicRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notraft.raft")
	require.NoError(t, os.WriteFile(path, []byte("not a raft log file at all"), 0644))

	_, _, err := Open(path, testLogger())
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestCompactToDiscardsAppliedPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.raft")

	s, _, sid, err := CreateCluster(path, "tcp:127.0.0.1:6641", nil, testLogger())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		idx := raftrpc.FirstRealIndex + raftrpc.Index(i)
		require.NoError(t, s.AppendEntry(raftrpc.Entry{Index: idx, Term: 1, Kind: raftrpc.EntryData}))
	}
	require.NoError(t, s.Sync())

	remaining := []raftrpc.Entry{
		{Index: 5, Term: 1, Kind: raftrpc.EntryData},
		{Index: 6, Term: 1, Kind: raftrpc.EntryData},
	}
	require.NoError(t, s.CompactTo(1, 4, raftrpc.Configuration{Servers: []raftrpc.ServerSpec{{Sid: sid}}}, []byte("snap"), remaining, 1, sid, true))
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	_, state, err := Open(path, testLogger())
	require.NoError(t, err)
	require.Equal(t, raftrpc.Index(4), state.Snapshot.PrevIndex)
	require.Len(t, state.Entries, 2)
	require.Equal(t, []byte("snap"), state.Snapshot.Data)
}

func TestDurabilityWorkerAdvancesCommittedAfterSync(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.raft")
	s, _, sid, err := CreateCluster(path, "tcp:127.0.0.1:6641", nil, testLogger())
	require.NoError(t, err)

	w := NewDurabilityWorker(s, testLogger())
	go w.Run()

	require.NoError(t, s.AppendEntry(raftrpc.Entry{Index: 2, Term: 1, Kind: raftrpc.EntryData}))
	seq := w.Request()

	require.Eventually(t, func() bool {
		return w.CommittedThrough() >= seq
	}, time.Second, time.Millisecond)

	w.Shutdown()
	_ = sid
}
