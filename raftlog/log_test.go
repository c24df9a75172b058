package raftlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coldraft/raftdb/raftrpc"
	"github.com/coldraft/raftdb/store"
)

func newTestLog(t *testing.T) (*Log, *store.DurabilityWorker, raftrpc.ServerId) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.raft")
	s, _, sid, err := store.CreateCluster(path, "tcp:127.0.0.1:6641", nil, zap.NewNop())
	require.NoError(t, err)
	dw := store.NewDurabilityWorker(s, zap.NewNop())
	go dw.Run()
	t.Cleanup(dw.Shutdown)

	state := store.ReplayState{
		ServerId: sid,
		Snapshot: store.SnapshotBody{PrevIndex: raftrpc.IndexSentinel},
	}
	l := New(s, dw, state, zap.NewNop())
	return l, dw, sid
}

func TestAppendAndLookup(t *testing.T) {
	l, dw, _ := newTestLog(t)

	idx, seq, err := l.Append(1, raftrpc.EntryData, []byte("x"), raftrpc.Configuration{})
	require.NoError(t, err)
	require.Equal(t, raftrpc.FirstRealIndex, idx)
	require.Greater(t, seq, uint64(0))

	e, ok := l.Entry(idx)
	require.True(t, ok)
	require.Equal(t, []byte("x"), e.Data)

	term, ok := l.Term(idx)
	require.True(t, ok)
	require.Equal(t, raftrpc.Term(1), term)

	startTerm, _ := l.Term(l.LogStart() - 1)
	require.Equal(t, raftrpc.Term(0), startTerm)
	_ = dw
}

func TestTruncateReportsServersRemoval(t *testing.T) {
	l, _, _ := newTestLog(t)

	_, _, err := l.Append(1, raftrpc.EntryData, []byte("a"), raftrpc.Configuration{})
	require.NoError(t, err)
	_, _, err = l.Append(1, raftrpc.EntryServers, nil, raftrpc.Configuration{Servers: []raftrpc.ServerSpec{{}}})
	require.NoError(t, err)

	removed := l.Truncate(3)
	require.True(t, removed)
	require.Equal(t, raftrpc.Index(3), l.LogEnd())
}

func TestInstallSnapshotKeepsEntriesAboveLastIndex(t *testing.T) {
	l, _, _ := newTestLog(t)

	for i := 0; i < 5; i++ {
		_, _, err := l.Append(1, raftrpc.EntryData, nil, raftrpc.Configuration{})
		require.NoError(t, err)
	}
	lastIndex := l.LogStart() + 2

	l.InstallSnapshot(1, lastIndex, raftrpc.Configuration{}, []byte("snap"))

	require.Equal(t, lastIndex, l.PrevIndex())
	require.Equal(t, lastIndex+1, l.LogStart())
	require.Equal(t, lastIndex+3, l.LogEnd())
	require.Equal(t, []byte("snap"), l.SnapshotData())
}

func TestLastTermFallsBackToPrevTermWhenEmpty(t *testing.T) {
	l, _, _ := newTestLog(t)
	require.Equal(t, raftrpc.Term(0), l.LastTerm())
}
