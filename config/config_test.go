package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coldraft/raftdb/log"
)

const testYAML = `
zap:
  level: info
  format: console
  director: ./log
store:
  path: /var/lib/raftdb/cluster.raft
raft:
  election-base-millis: 1000
  election-range-millis: 1000
  heartbeat-millis: 500
cluster:
  local-address: "tcp:127.0.0.1:6641"
  remotes:
    - "tcp:127.0.0.1:6642"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesAllSections(t *testing.T) {
	path := writeConfig(t, testYAML)
	w, err := Load(path, zap.NewNop())
	require.NoError(t, err)

	cfg := w.Current()
	require.Equal(t, "info", cfg.Zap.Level)
	require.Equal(t, "/var/lib/raftdb/cluster.raft", cfg.Store.Path)
	require.Equal(t, 500, cfg.Raft.HeartbeatMillis)
	require.Equal(t, "tcp:127.0.0.1:6641", cfg.Cluster.LocalAddress)
	require.Len(t, cfg.Cluster.Remotes, 1)
	require.Equal(t, "tcp:127.0.0.1:6642", cfg.Cluster.Remotes[0])

	base, jitterRange, heartbeat := cfg.Raft.Timing()
	require.Equal(t, time.Second, base)
	require.Equal(t, time.Second, jitterRange)
	require.Equal(t, 500*time.Millisecond, heartbeat)
}

func TestMergeLiveFieldsSwapsOnlyLogLevelAndRaftTiming(t *testing.T) {
	base := Config{
		Zap:     log.ZapConfig{Level: "info"},
		Store:   StoreConfig{Path: "/var/lib/raftdb/cluster.raft"},
		Raft:    RaftConfig{HeartbeatMillis: 500},
		Cluster: ClusterConfig{LocalAddress: "tcp:127.0.0.1:6641"},
	}
	neu := Config{
		Zap:     log.ZapConfig{Level: "debug"},
		Store:   StoreConfig{Path: "/should/not/apply"},
		Raft:    RaftConfig{HeartbeatMillis: 250},
		Cluster: ClusterConfig{LocalAddress: "tcp:127.0.0.1:9999"},
	}

	merged := mergeLiveFields(base, neu)
	require.Equal(t, "debug", merged.Zap.Level)
	require.Equal(t, 250, merged.Raft.HeartbeatMillis)
	require.Equal(t, "/var/lib/raftdb/cluster.raft", merged.Store.Path)          // unchanged
	require.Equal(t, "tcp:127.0.0.1:6641", merged.Cluster.LocalAddress)          // unchanged
}
