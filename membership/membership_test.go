package membership

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coldraft/raftdb/raftlog"
	"github.com/coldraft/raftdb/raftrpc"
	"github.com/coldraft/raftdb/store"
)

func newTestMembership(t *testing.T) (*Membership, raftrpc.ServerId) {
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
		Snapshot: store.SnapshotBody{
			PrevIndex:   raftrpc.IndexSentinel,
			PrevServers: raftrpc.Configuration{Servers: []raftrpc.ServerSpec{{Sid: sid, Address: "tcp:127.0.0.1:6641"}}},
		},
	}
	l := raftlog.New(s, dw, state, zap.NewNop())
	return New(sid, l, zap.NewNop()), sid
}

func TestNewMembershipDerivesSelfFromPrevServers(t *testing.T) {
	m, sid := newTestMembership(t)
	require.True(t, m.IsMember(sid))
	require.Equal(t, 1, m.Majority())
}

func TestVoteTrackerCountsSelfAndIgnoresRepeats(t *testing.T) {
	peer := raftrpc.NewServerId()
	self := raftrpc.NewServerId()
	cfg := raftrpc.Configuration{Servers: []raftrpc.ServerSpec{{Sid: self}, {Sid: peer}}}

	vt := NewVoteTracker(cfg, self)
	require.Equal(t, 1, vt.Granted())
	require.False(t, vt.HasMajority())

	require.True(t, vt.Record(peer, true))
	require.False(t, vt.Record(peer, false)) // repeat response from same peer ignored
	require.Equal(t, 2, vt.Granted())
	require.True(t, vt.HasMajority())
}

func TestDriverAddServerFlow(t *testing.T) {
	m, self := newTestMembership(t)
	d := NewDriver(m)
	newSid := raftrpc.NewServerId()

	status := d.RequestAdd(newSid, "tcp:127.0.0.1:6642", 2, nil)
	require.Equal(t, raftrpc.MembershipInProgress, status)
	require.False(t, m.IsMember(newSid))

	d.NoteMatch(newSid, 1, 2) // matchIndex+1 >= logEnd: caught up

	var appended raftrpc.Configuration
	completions := d.Tick(0, false, func(cfg raftrpc.Configuration) (raftrpc.Index, error) {
		appended = cfg
		return 2, nil
	})
	require.Empty(t, completions)
	require.True(t, m.IsMember(newSid))
	require.True(t, appended.Contains(newSid))

	completions = d.Tick(2, false, func(raftrpc.Configuration) (raftrpc.Index, error) {
		t.Fatal("should not append again while committing")
		return 0, nil
	})
	require.Len(t, completions, 1)
	require.Equal(t, raftrpc.MembershipOk, completions[0].Status)
	require.Equal(t, newSid, completions[0].Sid)
	require.Equal(t, PhaseStable, m.servers[newSid].Phase)
	_ = self
}

func TestDriverRemoveServerFlow(t *testing.T) {
	m, self := newTestMembership(t)
	other := raftrpc.NewServerId()
	m.current.Servers = append(m.current.Servers, raftrpc.ServerSpec{Sid: other, Address: "tcp:127.0.0.1:6642"})
	m.servers[other] = &Server{Sid: other, Address: "tcp:127.0.0.1:6642", Phase: PhaseStable}

	d := NewDriver(m)
	status := d.RequestRemove(other, nil)
	require.Equal(t, raftrpc.MembershipInProgress, status)

	completions := d.Tick(0, false, func(cfg raftrpc.Configuration) (raftrpc.Index, error) {
		require.False(t, cfg.Contains(other))
		return 3, nil
	})
	require.Empty(t, completions)

	completions = d.Tick(3, false, func(raftrpc.Configuration) (raftrpc.Index, error) {
		t.Fatal("should not append again")
		return 0, nil
	})
	require.Len(t, completions, 1)
	require.Equal(t, other, completions[0].Sid)
	_, stillTracked := m.servers[other]
	require.False(t, stillTracked)
	_ = self
}
